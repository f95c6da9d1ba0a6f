package replicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultAssignmentTimeout  = 30 * time.Second
	DefaultAssignmentInterval = time.Second
)

// ConsumerManager owns the source-side client. It creates it with retries,
// waits for the group coordinator to assign partitions and recreates the
// client when the assignment is lost.
type ConsumerManager struct {
	factory            ConsumerFactory
	retry              RetryPolicy
	assignmentTimeout  time.Duration
	assignmentInterval time.Duration
	consumer           Consumer
	logger             *zap.Logger
}

// ConsumerManagerOptions tunes a ConsumerManager. Zero values use the defaults.
type ConsumerManagerOptions struct {
	Retry              RetryPolicy
	AssignmentTimeout  time.Duration
	AssignmentInterval time.Duration
}

// NewConsumerManager returns a manager that opens clients with factory.
func NewConsumerManager(factory ConsumerFactory, opts ConsumerManagerOptions, logger *zap.Logger) *ConsumerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.AssignmentTimeout <= 0 {
		opts.AssignmentTimeout = DefaultAssignmentTimeout
	}
	if opts.AssignmentInterval <= 0 {
		opts.AssignmentInterval = DefaultAssignmentInterval
	}
	return &ConsumerManager{
		factory:            factory,
		retry:              opts.Retry,
		assignmentTimeout:  opts.AssignmentTimeout,
		assignmentInterval: opts.AssignmentInterval,
		logger:             logger,
	}
}

// Create opens a consumer, retrying per the retry policy. Exhausting the
// attempts returns an error wrapping ErrConnection. A missing partition
// assignment after the wait window is only logged.
func (m *ConsumerManager) Create(ctx context.Context) (Consumer, error) {
	m.logger.Info("Creating Kafka consumer")

	var consumer Consumer
	err := retry(ctx, m.retry,
		func(attempt int) error {
			m.logger.Info("Consumer creation attempt",
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", m.retry.Attempts))
			c, err := m.factory(ctx)
			if err != nil {
				return err
			}
			consumer = c
			return nil
		},
		func(attempt int, err error, next time.Duration) {
			m.logger.Error("Consumer creation failed",
				zap.Int("attempt", attempt),
				zap.Duration("retryIn", next),
				zap.Error(err))
		},
	)
	if err != nil {
		m.logger.Error("Giving up on consumer creation", zap.Error(err))
		return nil, fmt.Errorf("%w: create consumer after %d attempts: %w", ErrConnection, m.retry.Attempts, err)
	}

	m.logger.Info("Consumer created successfully")
	m.consumer = consumer
	m.waitForAssignment(ctx)
	return consumer, nil
}

// waitForAssignment blocks until at least one partition is assigned, the
// assignment window elapses or ctx is done.
func (m *ConsumerManager) waitForAssignment(ctx context.Context) {
	m.logger.Info("Waiting for partition assignment", zap.Duration("timeout", m.assignmentTimeout))

	deadline := time.NewTimer(m.assignmentTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.assignmentInterval)
	defer ticker.Stop()

	for len(m.consumer.Assignment()) == 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			m.logger.Warn("No partitions assigned yet, will continue and wait for assignment")
			return
		case <-ticker.C:
		}
	}

	assignment := m.consumer.Assignment()
	m.logger.Info("Consumer group assignment successful", zap.Stringers("partitions", assignment))
	for _, pk := range assignment {
		position, err := m.consumer.Position(pk)
		if err != nil {
			m.logger.Warn("Could not get position",
				zap.Stringer("partition", pk),
				zap.Error(err))
			continue
		}
		m.logger.Info("Assigned partition",
			zap.Stringer("partition", pk),
			zap.Int64("position", position))
	}
}

// Recreate closes the current consumer, if any, and creates a new one.
func (m *ConsumerManager) Recreate(ctx context.Context) error {
	if err := m.Close(); err != nil {
		m.logger.Warn("Error closing consumer before recreation", zap.Error(err))
	}
	_, err := m.Create(ctx)
	return err
}

// Ready reports whether a consumer client is open.
func (m *ConsumerManager) Ready() bool {
	return m.consumer != nil
}

// Poll delegates to the current consumer.
func (m *ConsumerManager) Poll(ctx context.Context, timeout time.Duration) (Batch, error) {
	if m.consumer == nil {
		return Batch{}, ErrNoConsumer
	}
	return m.consumer.Poll(ctx, timeout)
}

// Assignment returns the partitions owned by the current consumer.
func (m *ConsumerManager) Assignment() []PartitionKey {
	if m.consumer == nil {
		return nil
	}
	return m.consumer.Assignment()
}

func (m *ConsumerManager) Position(pk PartitionKey) (int64, error) {
	if m.consumer == nil {
		return 0, ErrNoConsumer
	}
	return m.consumer.Position(pk)
}

func (m *ConsumerManager) BeginningOffset(pk PartitionKey) (int64, error) {
	if m.consumer == nil {
		return 0, ErrNoConsumer
	}
	return m.consumer.BeginningOffset(pk)
}

func (m *ConsumerManager) EndOffset(pk PartitionKey) (int64, error) {
	if m.consumer == nil {
		return 0, ErrNoConsumer
	}
	return m.consumer.EndOffset(pk)
}

// Commit marks rec as consumed on the current consumer.
func (m *ConsumerManager) Commit(rec Record) {
	if m.consumer != nil {
		m.consumer.Commit(rec)
	}
}

// Close closes the current consumer. The manager can Create again afterwards.
func (m *ConsumerManager) Close() error {
	if m.consumer == nil {
		return nil
	}
	err := m.consumer.Close()
	m.consumer = nil
	return err
}

// LogState logs position, beginning, end and lag of every assigned partition.
func (m *ConsumerManager) LogState(label string) {
	assignment := m.Assignment()
	m.logger.Info("Consumer state", zap.String("label", label), zap.Int("partitions", len(assignment)))
	if len(assignment) == 0 {
		m.logger.Warn("No partitions assigned", zap.String("label", label))
		return
	}

	for _, pk := range assignment {
		position, errPos := m.Position(pk)
		beginning, errBeg := m.BeginningOffset(pk)
		end, errEnd := m.EndOffset(pk)
		if err := errors.Join(errPos, errBeg, errEnd); err != nil {
			m.logger.Error("Error getting partition state",
				zap.Stringer("partition", pk),
				zap.Error(fmt.Errorf("%w: %w", ErrHealthCheck, err)))
			continue
		}
		m.logger.Info("Partition state",
			zap.String("label", label),
			zap.Stringer("partition", pk),
			zap.Int64("position", position),
			zap.Int64("beginning", beginning),
			zap.Int64("end", end),
			zap.Int64("lag", max(0, end-position)),
			zap.Int64("available", max(0, end-beginning)))
	}
}
