package replicator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ProducerManager owns the target-side client.
type ProducerManager struct {
	factory  ProducerFactory
	retry    RetryPolicy
	producer Producer
	logger   *zap.Logger
}

// NewProducerManager returns a manager that opens clients with factory.
func NewProducerManager(factory ProducerFactory, policy RetryPolicy, logger *zap.Logger) *ProducerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &ProducerManager{factory: factory, retry: policy, logger: logger}
}

// Create opens a producer, retrying per the retry policy. Exhausting the
// attempts returns an error wrapping ErrConnection.
func (m *ProducerManager) Create(ctx context.Context) (Producer, error) {
	m.logger.Info("Creating Kafka producer")

	var producer Producer
	err := retry(ctx, m.retry,
		func(attempt int) error {
			m.logger.Info("Producer creation attempt",
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", m.retry.Attempts))
			p, err := m.factory(ctx)
			if err != nil {
				return err
			}
			producer = p
			return nil
		},
		func(attempt int, err error, next time.Duration) {
			m.logger.Error("Producer creation failed",
				zap.Int("attempt", attempt),
				zap.Duration("retryIn", next),
				zap.Error(err))
		},
	)
	if err != nil {
		m.logger.Error("Giving up on producer creation", zap.Error(err))
		return nil, fmt.Errorf("%w: create producer after %d attempts: %w", ErrConnection, m.retry.Attempts, err)
	}

	m.logger.Info("Producer created successfully")
	m.producer = producer
	return producer, nil
}

// Send hands a record to the current producer.
func (m *ProducerManager) Send(topic string, key, value []byte, headers []Header, ts time.Time) (Delivery, error) {
	if m.producer == nil {
		return nil, ErrNoProducer
	}
	return m.producer.Send(topic, key, value, headers, ts)
}

// Flush waits for in-flight records of the current producer.
func (m *ProducerManager) Flush(timeout time.Duration) error {
	if m.producer == nil {
		return ErrNoProducer
	}
	return m.producer.Flush(timeout)
}

// Close closes the current producer.
func (m *ProducerManager) Close() error {
	if m.producer == nil {
		return nil
	}
	err := m.producer.Close()
	m.producer = nil
	return err
}

// Ready reports whether a producer client is open.
func (m *ProducerManager) Ready() bool {
	return m.producer != nil
}
