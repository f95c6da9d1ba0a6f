package replicator

import (
	"errors"
	"testing"
	"time"

	"github.com/edgeflare/krep/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestHealthMonitorEmit(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := NewHealthMonitor(zap.New(core))
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	p1 := PartitionKey{Topic: "orders", Partition: 1}
	p2 := PartitionKey{Topic: "orders", Partition: 2}
	fc := newFakeConsumer(p0, p1, p2)
	fc.positions[p0], fc.ends[p0] = 100, 150
	fc.positions[p1], fc.ends[p1] = 80, 80
	fc.positions[p2] = 10
	fc.endErr[p2] = errors.New("leader not available")

	stats := Stats{
		Messages:    600,
		Errors:      2,
		StartTime:   now.Add(-5 * time.Minute),
		LastMessage: now.Add(-3 * time.Second),
	}

	report := h.Emit(stats, fc)

	assert.Equal(t, 5*time.Minute, report.Uptime)
	assert.Equal(t, uint64(600), report.Messages)
	assert.Equal(t, uint64(2), report.Errors)
	assert.False(t, report.NeverReceived)
	assert.Equal(t, 3*time.Second, report.SinceLastMessage)
	assert.InDelta(t, 2.0, report.Rate, 1e-9)
	assert.Equal(t, map[PartitionKey]int64{p0: 50, p1: 0}, report.Lag)
	assert.Equal(t, int64(50), report.TotalLag)
	assert.Equal(t, []PartitionKey{p2}, report.Failed)

	assert.Equal(t, float64(50), testutil.ToFloat64(metrics.TotalLag))
	assert.Equal(t, float64(50), testutil.ToFloat64(metrics.PartitionLag.WithLabelValues("orders", "0")))
	assert.Equal(t, 1, logs.FilterMessage("HEARTBEAT - Uptime: 300s").Len())
	assert.Equal(t, 1, logs.FilterMessage("Last message: 3.0s ago").Len())
	assert.Equal(t, 1, logs.FilterMessage("Average rate: 2.00 msg/s").Len())
	assert.Equal(t, 1, logs.FilterMessage("Could not check lag").Len())
	assert.Equal(t, 1, logs.FilterMessage("Total lag").Len())
}

func TestHealthMonitorNeverReceived(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := NewHealthMonitor(zap.New(core))
	now := time.Now()
	h.now = func() time.Time { return now }

	fc := newFakeConsumer(p0)
	fc.positions[p0], fc.ends[p0] = 7, 3 // position ahead of a stale end offset

	report := h.Emit(Stats{StartTime: now.Add(-time.Minute)}, fc)

	assert.True(t, report.NeverReceived)
	assert.Zero(t, report.Rate)
	assert.Equal(t, int64(0), report.Lag[p0])
	assert.Zero(t, report.TotalLag)
	assert.Equal(t, 1, logs.FilterMessage("Last message: Never").Len())
	assert.Equal(t, 1, logs.FilterMessage("No lag detected").Len())
	assert.Zero(t, logs.FilterMessage("Average rate: 0.00 msg/s").Len())
}
