package krep

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/edgeflare/krep/pkg/config"
	"github.com/edgeflare/krep/pkg/kafka"
	"github.com/edgeflare/krep/pkg/metrics"
	"github.com/edgeflare/krep/pkg/replicator"
	"go.uber.org/zap"
)

func runReplicate(ctx context.Context, direction string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// LOG_LEVEL may come from the dotenv file
	if err := config.LoadEnvFile(); err != nil {
		return err
	}
	logger, err := newLogger(direction)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return err
	}
	logger.Info("=== KAFKA REPLICATOR STARTING ===",
		zap.String("version", config.Version),
		zap.Any("config", cfg.Redacted()),
	)
	logger.Info("Topics to replicate", zap.Strings("topics", cfg.SourceTopics()))

	shutdown := replicator.NewShutdown(logger.Named("shutdown"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			shutdown.Request(fmt.Sprintf("received signal %s", sig))
		case <-ctx.Done():
			shutdown.Request("context canceled")
		case <-shutdown.Context().Done():
		}
	}()

	checkTopicsUntil(shutdown, cfg, direction, logger)
	if shutdown.Requested() {
		logger.Info("Shutdown requested before replication started")
		return nil
	}

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(shutdown.Context(), &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Logger: logger.Named("metrics"),
		})
	}

	opts := replicator.DefaultOptions(cfg.TopicMapping)
	opts.CommitMode = replicator.CommitMode(cfg.CommitMode)
	opts.HeartbeatInterval = cfg.HeartbeatInterval
	opts.DedupCapacity = cfg.Dedup.Capacity
	opts.DedupEvictBatch = cfg.Dedup.EvictBatch

	consumerOpts := kafka.ConsumerOptions{
		GroupID:       cfg.ConsumerGroupID,
		Topics:        cfg.SourceTopics(),
		InitialOffset: cfg.AutoOffsetReset,
		MarkOnPoll:    opts.CommitMode == replicator.CommitAuto,
	}
	consumerFactory := func(context.Context) (replicator.Consumer, error) {
		return kafka.NewGroupConsumer(cfg.Source(kafka.ClientID(direction)), consumerOpts, logger.Named("kafka.consumer"))
	}
	producerFactory := func(context.Context) (replicator.Producer, error) {
		return kafka.NewProducer(cfg.Target(kafka.ClientID(direction)), logger.Named("kafka.producer"))
	}

	engine := replicator.NewEngine(opts, consumerFactory, producerFactory, shutdown, logger.Named("replicator"))
	runErr := engine.Run()

	// stops the metrics server when Run returned without a shutdown request
	shutdown.Request("replicator stopped")
	wg.Wait()

	if runErr != nil {
		logger.Error("Replicator failed", zap.Error(runErr))
		return runErr
	}
	return nil
}

// checkTopicsUntil runs checkTopics and stops waiting for it once shutdown is
// requested. Admin calls are not cancelable, so an abandoned check finishes in
// the background.
func checkTopicsUntil(shutdown *replicator.Shutdown, cfg *config.Config, direction string, logger *zap.Logger) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		checkTopics(cfg, direction, logger)
	}()

	select {
	case <-done:
	case <-shutdown.Context().Done():
		logger.Warn("Shutdown requested during target topic check")
	}
}

// checkTopics warns about mapped topics missing on either cluster and, with
// ENSURE_TARGET_TOPICS set, creates the missing target topics. Failures are
// logged and replication starts regardless.
func checkTopics(cfg *config.Config, direction string, logger *zap.Logger) {
	source := kafka.NewClient(cfg.Source(kafka.ClientID(direction+"-admin")), logger.Named("kafka.admin.source"))
	target := kafka.NewClient(cfg.Target(kafka.ClientID(direction+"-admin")), logger.Named("kafka.admin.target"))

	report, err := kafka.EnsureTargetTopics(source, target, kafka.TopicCheck{
		Mapping:           cfg.TopicMapping,
		Create:            cfg.EnsureTargetTopics,
		ReplicationFactor: cfg.TargetTopicReplicationFactor,
	}, logger)
	if err != nil {
		logger.Warn("Target topic check failed", zap.Error(err))
		return
	}
	logger.Info("Target topic check complete",
		zap.Strings("missing_source", report.MissingSource),
		zap.Strings("missing_target", report.MissingTarget),
		zap.Strings("created", report.Created),
	)
}
