package replicator

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errBroker = errors.New("broker unavailable")

// fakeConsumer replays scripted poll results. When the script is exhausted
// onDrained is called and an empty batch is returned.
type fakeConsumer struct {
	mu sync.Mutex

	polls     []func() (Batch, error)
	onDrained func() error
	pollCount int

	assignment []PartitionKey
	positions  map[PartitionKey]int64
	ends       map[PartitionKey]int64
	endErr     map[PartitionKey]error
	endCalls   int

	commits []Record
	closed  bool
}

func newFakeConsumer(assignment ...PartitionKey) *fakeConsumer {
	return &fakeConsumer{
		assignment: assignment,
		positions:  make(map[PartitionKey]int64),
		ends:       make(map[PartitionKey]int64),
		endErr:     make(map[PartitionKey]error),
	}
}

func (c *fakeConsumer) script(batches ...Batch) *fakeConsumer {
	for _, b := range batches {
		c.polls = append(c.polls, func() (Batch, error) { return b, nil })
	}
	return c
}

func (c *fakeConsumer) Poll(ctx context.Context, _ time.Duration) (Batch, error) {
	c.mu.Lock()
	c.pollCount++
	var next func() (Batch, error)
	if len(c.polls) > 0 {
		next, c.polls = c.polls[0], c.polls[1:]
	}
	c.mu.Unlock()

	if next != nil {
		return next()
	}
	if c.onDrained != nil {
		if err := c.onDrained(); err != nil {
			return Batch{}, err
		}
	}
	return Batch{}, ctx.Err()
}

func (c *fakeConsumer) Assignment() []PartitionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignment
}

func (c *fakeConsumer) setAssignment(pks ...PartitionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assignment = pks
}

func (c *fakeConsumer) Position(pk PartitionKey) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[pk], nil
}

func (c *fakeConsumer) BeginningOffset(PartitionKey) (int64, error) {
	return 0, nil
}

func (c *fakeConsumer) EndOffset(pk PartitionKey) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endCalls++
	if err := c.endErr[pk]; err != nil {
		return 0, err
	}
	return c.ends[pk], nil
}

func (c *fakeConsumer) Commit(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, rec)
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type sentRecord struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

// fakeProducer acknowledges every record unless failSend or failAck says
// otherwise.
type fakeProducer struct {
	mu sync.Mutex

	sent     []sentRecord
	failSend func(topic string, key []byte) error
	failAck  func(topic string, key []byte) error
	onSend   func(n int)
	flushErr error
	flushes  []time.Duration
	closed   bool
	offset   int64
}

func (p *fakeProducer) Send(topic string, key, value []byte, headers []Header, ts time.Time) (Delivery, error) {
	p.mu.Lock()
	if p.failSend != nil {
		if err := p.failSend(topic, key); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	p.sent = append(p.sent, sentRecord{Topic: topic, Key: key, Value: value, Headers: headers, Timestamp: ts})
	n := len(p.sent)
	d := &fakeDelivery{ack: Ack{Topic: topic, Offset: p.offset}}
	p.offset++
	if p.failAck != nil {
		d.err = p.failAck(topic, key)
	}
	onSend := p.onSend
	p.mu.Unlock()

	if onSend != nil {
		onSend(n)
	}
	return d, nil
}

func (p *fakeProducer) Flush(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes = append(p.flushes, timeout)
	return p.flushErr
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProducer) sentTopics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		topics = append(topics, s.Topic)
	}
	return topics
}

type fakeDelivery struct {
	ack Ack
	err error
}

func (d *fakeDelivery) Wait(time.Duration) (Ack, error) {
	return d.ack, d.err
}

func record(topic string, partition int32, offset int64) Record {
	return Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       []byte(RecordID(topic, partition, offset)),
		Value:     []byte("value"),
		Timestamp: time.Unix(1700000000, 0),
	}
}

func batchOf(records ...Record) Batch {
	var b Batch
	for _, r := range records {
		b.Add(r)
	}
	return b
}

// fastRetry keeps retrying tests quick while preserving attempt counts.
var fastRetry = RetryPolicy{Attempts: DefaultRetryAttempts, Delay: time.Millisecond}
