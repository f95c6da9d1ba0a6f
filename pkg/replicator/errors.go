package replicator

import "errors"

var (
	// ErrConnection is returned when a client could not be created within the
	// configured number of attempts.
	ErrConnection = errors.New("connection error")
	// ErrProcessing wraps a failure to forward a single record.
	ErrProcessing = errors.New("processing error")
	// ErrHealthCheck wraps a failure to read lag or position for a partition.
	ErrHealthCheck = errors.New("health check error")
	// ErrNoConsumer is returned by ConsumerManager operations while no
	// consumer client is open, e.g. after a failed recreation.
	ErrNoConsumer = errors.New("consumer not available")
	// ErrNoProducer is the producer-side equivalent of ErrNoConsumer.
	ErrNoProducer = errors.New("producer not available")
)
