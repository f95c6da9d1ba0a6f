package replicator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/edgeflare/krep/pkg/metrics"
	"go.uber.org/zap"
)

// State is the lifecycle state of an Engine.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CommitMode selects when source offsets are marked as consumed.
type CommitMode string

const (
	// CommitAuto marks offsets as soon as records are polled. A record whose
	// forwarding fails is counted and dropped.
	CommitAuto CommitMode = "auto"
	// CommitAfterAck marks offsets only after the target acknowledged the
	// record. After a failure the partition's commits are held so the failed
	// record is read again by the next owner. The hold is released when the
	// failed offset is read again and forwarded, when the partition leaves the
	// assignment or when the consumer is recreated.
	CommitAfterAck CommitMode = "after-ack"
)

const (
	DefaultPollTimeout        = time.Second
	DefaultBatchFlushTimeout  = 5 * time.Second
	DefaultDrainFlushTimeout  = 10 * time.Second
	DefaultErrorPause         = time.Second
	DefaultEmptyPollThreshold = 100
)

// Options configures an Engine.
type Options struct {
	Mapping            TopicMapping
	CommitMode         CommitMode
	ConsumerRetry      RetryPolicy
	ProducerRetry      RetryPolicy
	AssignmentTimeout  time.Duration
	PollTimeout        time.Duration
	AckTimeout         time.Duration
	RecordFlushTimeout time.Duration
	BatchFlushTimeout  time.Duration
	DrainFlushTimeout  time.Duration
	ErrorPause         time.Duration
	HeartbeatInterval  time.Duration
	EmptyPollThreshold int
	DedupCapacity      int
	DedupEvictBatch    int
}

// DefaultOptions returns the production timings for mapping.
func DefaultOptions(mapping TopicMapping) Options {
	return Options{
		Mapping:            mapping,
		CommitMode:         CommitAuto,
		ConsumerRetry:      DefaultRetryPolicy(),
		ProducerRetry:      DefaultRetryPolicy(),
		AssignmentTimeout:  DefaultAssignmentTimeout,
		PollTimeout:        DefaultPollTimeout,
		AckTimeout:         DefaultAckTimeout,
		RecordFlushTimeout: DefaultRecordFlush,
		BatchFlushTimeout:  DefaultBatchFlushTimeout,
		DrainFlushTimeout:  DefaultDrainFlushTimeout,
		ErrorPause:         DefaultErrorPause,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		EmptyPollThreshold: DefaultEmptyPollThreshold,
		DedupCapacity:      DefaultDedupCapacity,
		DedupEvictBatch:    DefaultDedupEvictBatch,
	}
}

// Engine runs the poll, process, flush cycle on a single goroutine.
type Engine struct {
	opts      Options
	consumers *ConsumerManager
	producers *ProducerManager
	processor *Processor
	health    *HealthMonitor
	shutdown  *Shutdown

	stats      Stats
	dedup      *DedupCache
	offsets    ProcessedOffsets
	emptyPolls int
	held       map[PartitionKey]int64 // lowest failed offset per held partition
	state      State

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
	logger *zap.Logger
}

// NewEngine wires an Engine. Clients are not opened until Run.
func NewEngine(opts Options, consumerFactory ConsumerFactory, producerFactory ProducerFactory, shutdown *Shutdown, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdown == nil {
		shutdown = NewShutdown(logger)
	}
	if opts.CommitMode == "" {
		opts.CommitMode = CommitAuto
	}

	e := &Engine{
		opts:     opts,
		shutdown: shutdown,
		dedup:    NewDedupCache(opts.DedupCapacity, opts.DedupEvictBatch),
		offsets:  make(ProcessedOffsets),
		held:     make(map[PartitionKey]int64),
		now:      time.Now,
		sleep:    sleepContext,
		logger:   logger,
	}

	e.consumers = NewConsumerManager(consumerFactory, ConsumerManagerOptions{
		Retry:             opts.ConsumerRetry,
		AssignmentTimeout: opts.AssignmentTimeout,
	}, logger.Named("consumer"))
	e.producers = NewProducerManager(producerFactory, opts.ProducerRetry, logger.Named("producer"))
	e.health = NewHealthMonitor(logger.Named("health"))

	e.processor = NewProcessor(opts.Mapping, e.dedup, &e.stats, e.offsets, logger.Named("processor"))
	if opts.AckTimeout > 0 {
		e.processor.ackTimeout = opts.AckTimeout
	}
	if opts.RecordFlushTimeout > 0 {
		e.processor.flushTimeout = opts.RecordFlushTimeout
	}
	e.processor.now = func() time.Time { return e.now() }

	return e
}

// Run starts the engine and blocks until shutdown is requested. It returns an
// error wrapping ErrConnection when a client could not be created at startup.
func (e *Engine) Run() error {
	ctx := e.shutdown.Context()

	e.setState(StateStarting)
	e.stats.StartTime = e.now()
	e.stats.LastHeartbeat = e.stats.StartTime

	if err := e.start(ctx); err != nil {
		e.drain()
		if e.shutdown.Requested() {
			return nil
		}
		return err
	}

	e.setState(StateRunning)
	e.logger.Info("=== REPLICATION STARTED ===",
		zap.Strings("sourceTopics", e.sourceTopics()),
		zap.Any("topicMapping", e.opts.Mapping),
		zap.String("commitMode", string(e.opts.CommitMode)))
	e.logger.Info("Listening for messages...")

	for !e.shutdown.Requested() {
		if err := e.iterate(ctx); err != nil {
			if e.shutdown.Requested() && errors.Is(err, context.Canceled) {
				break
			}
			e.stats.Errors++
			metrics.ProcessingErrors.WithLabelValues(metrics.StageLoop).Inc()
			e.logger.Error("Error in polling loop", zap.Error(err))
			e.sleep(ctx, e.opts.ErrorPause)
		}
	}

	e.drain()
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	if _, err := e.consumers.Create(ctx); err != nil {
		e.logger.Error("Failed to create consumer", zap.Error(err))
		return err
	}
	if _, err := e.producers.Create(ctx); err != nil {
		e.logger.Error("Failed to create producer", zap.Error(err))
		return err
	}
	return nil
}

// iterate runs one loop body. Panics are converted into errors so a single
// failing iteration never stops the loop.
func (e *Engine) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()

	if now := e.now(); now.Sub(e.stats.LastHeartbeat) >= e.opts.HeartbeatInterval {
		e.heartbeat()
		e.stats.LastHeartbeat = now
	}

	if !e.consumers.Ready() {
		e.logger.Warn("No consumer open, recreating")
		return e.recreateConsumer(ctx)
	}

	if e.emptyPolls%10 == 0 {
		e.logger.Debug("Polling for messages", zap.Int("poll", e.emptyPolls+1))
	}

	batch, err := e.consumers.Poll(ctx, e.opts.PollTimeout)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	if batch.Empty() {
		return e.handleEmptyPoll(ctx)
	}

	e.emptyPolls = 0
	return e.processBatch(batch)
}

func (e *Engine) processBatch(batch Batch) error {
	e.logger.Info(fmt.Sprintf("Received %d messages", batch.Len()))

	forwarded := 0
partitions:
	for _, pk := range batch.Partitions() {
		records := batch.Records(pk)
		e.logger.Debug("Processing partition batch",
			zap.Stringer("partition", pk),
			zap.Int("records", len(records)))

		for _, rec := range records {
			if e.shutdown.Requested() {
				e.logger.Info("Shutdown requested, abandoning rest of batch")
				break partitions
			}

			ok := e.processor.Process(rec, e.producers)
			e.commit(rec, ok)
			if ok {
				forwarded++
			}
		}
	}

	if err := e.producers.Flush(e.opts.BatchFlushTimeout); err != nil {
		return fmt.Errorf("flush batch: %w", err)
	}

	if forwarded > 0 {
		e.logger.Info(fmt.Sprintf("Processed batch of %d messages", forwarded))
	}
	return nil
}

// commit marks rec on the source group in CommitAfterAck mode.
func (e *Engine) commit(rec Record, ok bool) {
	if e.opts.CommitMode != CommitAfterAck {
		return
	}

	pk := rec.PartitionKey()
	failed, held := e.held[pk]
	if !ok {
		if !held {
			e.logger.Warn("Holding offset commits for partition after forwarding failure",
				zap.Stringer("partition", pk),
				zap.Int64("offset", rec.Offset))
			e.held[pk] = rec.Offset
		} else if rec.Offset < failed {
			e.held[pk] = rec.Offset
		}
		return
	}
	if held {
		if rec.Offset > failed {
			return
		}
		// the group re-read the partition from its last commit, which can only
		// happen after a rebalance that kept the partition on this member
		delete(e.held, pk)
		e.logger.Info("Releasing held partition after failed offset was read again",
			zap.Stringer("partition", pk),
			zap.Int64("failedOffset", failed),
			zap.Int64("offset", rec.Offset))
	}
	e.consumers.Commit(rec)
}

func (e *Engine) handleEmptyPoll(ctx context.Context) error {
	e.emptyPolls++
	if e.emptyPolls <= 5 || e.emptyPolls%30 == 0 {
		e.logger.Info(fmt.Sprintf("No messages in poll #%d", e.emptyPolls))
	}

	if e.emptyPolls <= e.opts.EmptyPollThreshold {
		return nil
	}

	e.logger.Warn("Too many consecutive empty polls, checking consumer health",
		zap.Int("emptyPolls", e.emptyPolls))
	if len(e.consumers.Assignment()) > 0 {
		return nil
	}

	e.logger.Error("Consumer lost partition assignment, recreating")
	return e.recreateConsumer(ctx)
}

func (e *Engine) recreateConsumer(ctx context.Context) error {
	metrics.ConsumerRecreations.Inc()
	if err := e.consumers.Recreate(ctx); err != nil {
		return fmt.Errorf("consumer health check failed: %w", err)
	}
	e.stats.Recreations++
	e.emptyPolls = 0
	clear(e.held)
	e.consumers.LogState("After recreation")
	return nil
}

func (e *Engine) heartbeat() {
	e.health.Emit(e.stats, e.consumers)
	if e.logger.Core().Enabled(zap.DebugLevel) {
		e.consumers.LogState("Heartbeat")
	}

	if len(e.held) == 0 {
		return
	}
	// held partitions that moved to another member are no longer ours to hold
	assigned := make(map[PartitionKey]bool)
	for _, pk := range e.consumers.Assignment() {
		assigned[pk] = true
	}
	maps.DeleteFunc(e.held, func(pk PartitionKey, _ int64) bool {
		return !assigned[pk]
	})
}

// drain flushes and closes both clients. Errors are logged, never returned.
func (e *Engine) drain() {
	e.setState(StateDraining)
	e.logger.Info("Cleaning up resources...")

	if e.producers.Ready() {
		e.logger.Info("Flushing producer...")
		if err := e.producers.Flush(e.opts.DrainFlushTimeout); err != nil {
			e.logger.Error("Error flushing producer during cleanup", zap.Error(err))
		}
		if err := e.producers.Close(); err != nil {
			e.logger.Error("Error closing producer during cleanup", zap.Error(err))
		}
	}

	if e.consumers.Ready() {
		e.logger.Info("Closing consumer...")
		if err := e.consumers.Close(); err != nil {
			e.logger.Error("Error closing consumer during cleanup", zap.Error(err))
		}
	}

	e.setState(StateStopped)
	e.logger.Info(fmt.Sprintf("Final stats: %d messages processed, %d errors", e.stats.Messages, e.stats.Errors))
	e.logger.Info("Replicator shutdown complete")
}

func (e *Engine) setState(s State) {
	e.state = s
	metrics.EngineState.Set(float64(s))
}

func (e *Engine) sourceTopics() []string {
	topics := e.opts.Mapping.SourceTopics()
	slices.Sort(topics)
	return topics
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.state }

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats { return e.stats }

// EmptyPolls returns the number of consecutive empty polls.
func (e *Engine) EmptyPolls() int { return e.emptyPolls }

// ProcessedOffsets returns a copy of the last forwarded offset per partition.
func (e *Engine) ProcessedOffsets() ProcessedOffsets { return maps.Clone(e.offsets) }

// Dedup returns the engine's dedup window.
func (e *Engine) Dedup() *DedupCache { return e.dedup }

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
