package metrics

import (
	"cmp"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Error stages used as the "stage" label of ProcessingErrors.
const (
	StageForward = "forward"
	StageLoop    = "loop"
)

var (
	ForwardedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krep_forwarded_records_total",
			Help: "Total number of records acknowledged by the target cluster",
		},
		[]string{"source_topic", "target_topic"},
	)

	DuplicateRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krep_duplicate_records_total",
			Help: "Total number of records skipped because they were already forwarded",
		},
		[]string{"source_topic"},
	)

	ProcessingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krep_errors_total",
			Help: "Total number of errors by stage",
		},
		[]string{"stage"},
	)

	ForwardDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "krep_forward_duration_seconds",
			Help:    "Duration of send, acknowledgement and flush of a single record",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target_topic"},
	)

	PartitionLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "krep_partition_lag",
			Help: "Consumer lag per source partition at the last heartbeat",
		},
		[]string{"topic", "partition"},
	)

	TotalLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "krep_total_lag",
			Help: "Sum of consumer lag over all assigned partitions at the last heartbeat",
		},
	)

	DedupWindowSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "krep_dedup_window_size",
			Help: "Number of record identifiers held in the dedup window",
		},
	)

	ConsumerRecreations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "krep_consumer_recreations_total",
			Help: "Total number of consumer recreation attempts after lost assignment",
		},
	)

	EngineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "krep_engine_state",
			Help: "Engine lifecycle state (0 starting, 1 running, 2 draining, 3 stopped)",
		},
	)
)

type PromServerOpts struct {
	Logger            *zap.Logger
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Logger:            zap.NewNop(),
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	// merge with defaults
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		if opts.Logger != nil {
			effectiveOpts.Logger = opts.Logger
		}
	}
	logger := effectiveOpts.Logger

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)

	go func() {
		defer wg.Done()
		logger.Info("Starting Prometheus metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	// Monitor context cancellation in a separate goroutine
	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("Metrics server shutdown timed out")
		}
	}()
}
