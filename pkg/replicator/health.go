package replicator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/edgeflare/krep/pkg/metrics"
	"go.uber.org/zap"
)

const DefaultHeartbeatInterval = 60 * time.Second

// LagSource is the consumer surface needed to compute lag.
type LagSource interface {
	Assignment() []PartitionKey
	Position(pk PartitionKey) (int64, error)
	EndOffset(pk PartitionKey) (int64, error)
}

// HealthReport is the content of one heartbeat.
type HealthReport struct {
	Uptime           time.Duration
	Messages         uint64
	Errors           uint64
	SinceLastMessage time.Duration
	NeverReceived    bool
	Rate             float64
	Lag              map[PartitionKey]int64
	TotalLag         int64
	// Failed lists partitions whose lag could not be read.
	Failed []PartitionKey
}

// HealthMonitor logs a periodic heartbeat with throughput and lag.
type HealthMonitor struct {
	now    func() time.Time
	logger *zap.Logger
}

// NewHealthMonitor returns a monitor logging to logger.
func NewHealthMonitor(logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{now: time.Now, logger: logger}
}

// Emit computes and logs a heartbeat. Failing to read lag for one partition
// is logged and the partition is skipped.
func (h *HealthMonitor) Emit(stats Stats, consumer LagSource) HealthReport {
	now := h.now()
	report := HealthReport{
		Uptime:   stats.Uptime(now),
		Messages: stats.Messages,
		Errors:   stats.Errors,
		Rate:     stats.Rate(now),
		Lag:      make(map[PartitionKey]int64),
	}
	if stats.LastMessage.IsZero() {
		report.NeverReceived = true
	} else {
		report.SinceLastMessage = now.Sub(stats.LastMessage)
	}

	h.logger.Info(strings.Repeat("=", 50))
	h.logger.Info(fmt.Sprintf("HEARTBEAT - Uptime: %.0fs", report.Uptime.Seconds()),
		zap.Uint64("messages", report.Messages),
		zap.Uint64("errors", report.Errors))
	if report.NeverReceived {
		h.logger.Info("Last message: Never")
	} else {
		h.logger.Info(fmt.Sprintf("Last message: %.1fs ago", report.SinceLastMessage.Seconds()))
	}
	if report.Messages > 0 {
		h.logger.Info(fmt.Sprintf("Average rate: %.2f msg/s", report.Rate))
	}

	for _, pk := range consumer.Assignment() {
		lag, err := partitionLag(consumer, pk)
		if err != nil {
			report.Failed = append(report.Failed, pk)
			h.logger.Warn("Could not check lag", zap.Stringer("partition", pk), zap.Error(err))
			continue
		}
		report.Lag[pk] = lag
		report.TotalLag += lag
		metrics.PartitionLag.WithLabelValues(pk.Topic, strconv.Itoa(int(pk.Partition))).Set(float64(lag))
		if lag > 0 {
			h.logger.Info("Partition lag", zap.Stringer("partition", pk), zap.Int64("lag", lag))
		}
	}
	metrics.TotalLag.Set(float64(report.TotalLag))

	if report.TotalLag > 0 {
		h.logger.Warn("Total lag", zap.Int64("lag", report.TotalLag))
	} else {
		h.logger.Info("No lag detected")
	}
	h.logger.Info(strings.Repeat("=", 50))

	return report
}

// partitionLag returns max(0, end - position) for pk.
func partitionLag(consumer LagSource, pk PartitionKey) (int64, error) {
	position, err := consumer.Position(pk)
	if err != nil {
		return 0, fmt.Errorf("%w: position of %s: %w", ErrHealthCheck, pk, err)
	}
	end, err := consumer.EndOffset(pk)
	if err != nil {
		return 0, fmt.Errorf("%w: end offset of %s: %w", ErrHealthCheck, pk, err)
	}
	return max(0, end-position), nil
}
