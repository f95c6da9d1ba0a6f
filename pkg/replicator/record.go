package replicator

import (
	"fmt"
	"time"
)

// PartitionKey identifies a physical partition on a cluster.
type PartitionKey struct {
	Topic     string
	Partition int32
}

func (pk PartitionKey) String() string {
	return fmt.Sprintf("%s-%d", pk.Topic, pk.Partition)
}

// Header is a record header. Values are kept byte-for-byte.
type Header struct {
	Key   []byte
	Value []byte
}

// Record is a single record read from the source cluster.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

// PartitionKey returns the source partition the record was read from.
func (r Record) PartitionKey() PartitionKey {
	return PartitionKey{Topic: r.Topic, Partition: r.Partition}
}

// ID returns the record identifier used for deduplication.
func (r Record) ID() string {
	return RecordID(r.Topic, r.Partition, r.Offset)
}

// RecordID formats a (topic, partition, offset) triple as "topic:partition:offset".
func RecordID(topic string, partition int32, offset int64) string {
	return fmt.Sprintf("%s:%d:%d", topic, partition, offset)
}

// Batch holds the records returned by one poll, grouped by source partition.
// Partitions are kept in the order they were first seen and records keep
// their arrival order within a partition.
type Batch struct {
	order   []PartitionKey
	records map[PartitionKey][]Record
}

// Add appends rec to its partition group.
func (b *Batch) Add(rec Record) {
	if b.records == nil {
		b.records = make(map[PartitionKey][]Record)
	}
	pk := rec.PartitionKey()
	if _, ok := b.records[pk]; !ok {
		b.order = append(b.order, pk)
	}
	b.records[pk] = append(b.records[pk], rec)
}

// Partitions returns the partitions present in the batch.
func (b *Batch) Partitions() []PartitionKey {
	return b.order
}

// Records returns the records polled from pk in arrival order.
func (b *Batch) Records(pk PartitionKey) []Record {
	return b.records[pk]
}

// Len returns the total number of records in the batch.
func (b *Batch) Len() int {
	n := 0
	for _, recs := range b.records {
		n += len(recs)
	}
	return n
}

// Empty reports whether the batch carries no records.
func (b *Batch) Empty() bool {
	return b.Len() == 0
}

// Ack is the target-side acknowledgement of a delivered record.
type Ack struct {
	Topic     string
	Partition int32
	Offset    int64
}

// TopicMapping maps source topic names to target topic names. It is built once
// at startup and never modified.
type TopicMapping map[string]string

// Target returns the target topic for source. Unknown topics map to themselves.
func (m TopicMapping) Target(source string) string {
	if target, ok := m[source]; ok && target != "" {
		return target
	}
	return source
}

// SourceTopics returns the subscribed source topics.
func (m TopicMapping) SourceTopics() []string {
	topics := make([]string, 0, len(m))
	for source := range m {
		topics = append(topics, source)
	}
	return topics
}

// ProcessedOffsets records the last forwarded offset per source partition.
// It is only updated after the target acknowledged the record and is never
// used for recovery.
type ProcessedOffsets map[PartitionKey]int64
