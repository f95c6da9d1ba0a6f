package replicator

import (
	"context"
	"time"
)

// Consumer is a consumer-group member subscribed to the source topics.
type Consumer interface {
	// Poll waits up to timeout for records and returns them grouped by
	// partition. An empty batch is not an error.
	Poll(ctx context.Context, timeout time.Duration) (Batch, error)
	// Assignment returns the partitions currently owned by this member.
	Assignment() []PartitionKey
	// Position returns the offset of the next record to be read from pk.
	Position(pk PartitionKey) (int64, error)
	// BeginningOffset returns the oldest available offset of pk.
	BeginningOffset(pk PartitionKey) (int64, error)
	// EndOffset returns the offset the next produced record of pk will get.
	EndOffset(pk PartitionKey) (int64, error)
	// Commit marks rec as consumed for the group. It is only meaningful when
	// offsets are not marked automatically on poll.
	Commit(rec Record)
	Close() error
}

// Delivery is the pending result of a Send.
type Delivery interface {
	// Wait blocks until the target acknowledged the record or timeout elapsed.
	Wait(timeout time.Duration) (Ack, error)
}

// Producer writes records to the target cluster.
type Producer interface {
	Send(topic string, key, value []byte, headers []Header, ts time.Time) (Delivery, error)
	// Flush blocks until all in-flight records are acknowledged or timeout elapsed.
	Flush(timeout time.Duration) error
	Close() error
}

// ConsumerFactory opens a new consumer client. It is called again on every
// retry and on recreation.
type ConsumerFactory func(ctx context.Context) (Consumer, error)

// ProducerFactory opens a new producer client.
type ProducerFactory func(ctx context.Context) (Producer, error)
