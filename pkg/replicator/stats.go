package replicator

import "time"

// Stats are the engine counters. They are owned by the Engine goroutine; the
// HealthMonitor only ever sees a copy.
type Stats struct {
	Messages      uint64
	Errors        uint64
	Recreations   uint64
	StartTime     time.Time
	LastMessage   time.Time
	LastHeartbeat time.Time
}

// Uptime returns the time elapsed since StartTime.
func (s Stats) Uptime(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// Rate returns the average number of messages per second since start.
func (s Stats) Rate(now time.Time) float64 {
	uptime := s.Uptime(now).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(s.Messages) / uptime
}
