package kafka

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/krep/pkg/replicator"
	"go.uber.org/zap"
)

const defaultMaxPollRecords = 100

var (
	ErrConsumerClosed = errors.New("consumer closed")
	ErrNoPosition     = errors.New("no position for partition")
)

// GroupConsumer is a consumer-group member with a poll-style API.
type GroupConsumer struct {
	client         sarama.Client
	group          sarama.ConsumerGroup
	topics         []string
	markOnPoll     bool
	maxPollRecords int
	records        chan *sarama.ConsumerMessage

	mu        sync.Mutex
	session   sarama.ConsumerGroupSession
	claims    map[string][]int32
	positions map[replicator.PartitionKey]int64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

var _ replicator.Consumer = (*GroupConsumer)(nil)

// NewGroupConsumer connects to the source cluster and joins opts.GroupID,
// subscribing to opts.Topics. Group membership runs in the background until
// Close is called.
func NewGroupConsumer(cfg *Config, opts ConsumerOptions, logger *zap.Logger) (*GroupConsumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conf, err := cfg.ConsumerSaramaConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama config: %w", err)
	}

	client, err := sarama.NewClient(cfg.GetBrokers(), conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	group, err := sarama.NewConsumerGroupFromClient(opts.GroupID, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	c := newGroupConsumer(client, group, opts, logger)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.consume(ctx)
	go c.logErrors()

	logger.Info("Joined consumer group",
		zap.String("group", opts.GroupID),
		zap.Strings("topics", opts.Topics),
		zap.String("clientID", conf.ClientID))
	return c, nil
}

func newGroupConsumer(client sarama.Client, group sarama.ConsumerGroup, opts ConsumerOptions, logger *zap.Logger) *GroupConsumer {
	maxPoll := opts.MaxPollRecords
	if maxPoll <= 0 {
		maxPoll = defaultMaxPollRecords
	}
	return &GroupConsumer{
		client:         client,
		group:          group,
		topics:         opts.Topics,
		markOnPoll:     opts.MarkOnPoll,
		maxPollRecords: maxPoll,
		records:        make(chan *sarama.ConsumerMessage, maxPoll),
		positions:      make(map[replicator.PartitionKey]int64),
		cancel:         func() {},
		done:           make(chan struct{}),
		logger:         logger,
	}
}

// consume keeps the member in the group across rebalances.
func (c *GroupConsumer) consume(ctx context.Context) {
	defer close(c.done)
	handler := &groupHandler{c: c}

	for {
		if err := c.group.Consume(ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.logger.Error("Consumer group session failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *GroupConsumer) logErrors() {
	for err := range c.group.Errors() {
		c.logger.Warn("Consumer group error", zap.Error(err))
	}
}

// Poll waits up to timeout for the first record, then drains whatever else is
// buffered, up to the max poll records.
func (c *GroupConsumer) Poll(ctx context.Context, timeout time.Duration) (replicator.Batch, error) {
	var batch replicator.Batch

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-c.records:
		c.add(&batch, msg)
	case <-timer.C:
		return batch, nil
	case <-ctx.Done():
		return batch, ctx.Err()
	case <-c.done:
		return batch, ErrConsumerClosed
	}

	for batch.Len() < c.maxPollRecords {
		select {
		case msg := <-c.records:
			c.add(&batch, msg)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// add appends msg to batch unless its partition was revoked since it was
// buffered. The next owner will read it again.
func (c *GroupConsumer) add(batch *replicator.Batch, msg *sarama.ConsumerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owns(msg.Topic, msg.Partition) {
		c.logger.Debug("Dropping record of revoked partition",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset))
		return
	}

	c.positions[replicator.PartitionKey{Topic: msg.Topic, Partition: msg.Partition}] = msg.Offset + 1
	if c.markOnPoll && c.session != nil {
		c.session.MarkMessage(msg, "")
	}
	batch.Add(toRecord(msg))
}

// owns must be called with mu held.
func (c *GroupConsumer) owns(topic string, partition int32) bool {
	return slices.Contains(c.claims[topic], partition)
}

// Commit marks rec as consumed. The offset is committed by the next
// auto-commit tick.
func (c *GroupConsumer) Commit(rec replicator.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || !c.owns(rec.Topic, rec.Partition) {
		return
	}
	c.session.MarkOffset(rec.Topic, rec.Partition, rec.Offset+1, "")
}

// Assignment returns the partitions claimed in the current group generation.
func (c *GroupConsumer) Assignment() []replicator.PartitionKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	var assignment []replicator.PartitionKey
	for topic, partitions := range c.claims {
		for _, p := range partitions {
			assignment = append(assignment, replicator.PartitionKey{Topic: topic, Partition: p})
		}
	}
	slices.SortFunc(assignment, comparePartitionKeys)
	return assignment
}

// Position returns the next offset to be read from pk. Before the first
// record arrives this is the claim's starting offset.
func (c *GroupConsumer) Position(pk replicator.PartitionKey) (int64, error) {
	c.mu.Lock()
	pos, ok := c.positions[pk]
	c.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("%w %s", ErrNoPosition, pk)
	}
	if pos < 0 {
		// OffsetOldest/OffsetNewest sentinel: the group had no committed offset
		return c.client.GetOffset(pk.Topic, pk.Partition, pos)
	}
	return pos, nil
}

// BeginningOffset returns the oldest offset still available in pk.
func (c *GroupConsumer) BeginningOffset(pk replicator.PartitionKey) (int64, error) {
	return c.client.GetOffset(pk.Topic, pk.Partition, sarama.OffsetOldest)
}

// EndOffset returns the high-water mark of pk.
func (c *GroupConsumer) EndOffset(pk replicator.PartitionKey) (int64, error) {
	return c.client.GetOffset(pk.Topic, pk.Partition, sarama.OffsetNewest)
}

// Close leaves the group, commits marked offsets and closes the client.
func (c *GroupConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.group.Close()
		<-c.done
		if !c.client.Closed() {
			err = errors.Join(err, c.client.Close())
		}
	})
	return err
}

func (c *GroupConsumer) setup(sess sarama.ConsumerGroupSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = sess
	c.claims = sess.Claims()
	c.logger.Info("Partitions assigned",
		zap.Int32("generation", sess.GenerationID()),
		zap.Any("claims", c.claims))
}

func (c *GroupConsumer) cleanup(sess sarama.ConsumerGroupSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("Partitions revoked", zap.Int32("generation", sess.GenerationID()))
	c.session = nil
	c.claims = nil
}

func (c *GroupConsumer) startClaim(claim sarama.ConsumerGroupClaim) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk := replicator.PartitionKey{Topic: claim.Topic(), Partition: claim.Partition()}
	c.positions[pk] = claim.InitialOffset()
}

// groupHandler implements sarama.ConsumerGroupHandler for a GroupConsumer.
type groupHandler struct {
	c *GroupConsumer
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.c.setup(sess)
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.c.cleanup(sess)
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.c.startClaim(claim)

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.c.records <- msg:
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

func toRecord(msg *sarama.ConsumerMessage) replicator.Record {
	rec := replicator.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		rec.Headers = append(rec.Headers, replicator.Header{Key: h.Key, Value: h.Value})
	}
	return rec
}

func comparePartitionKeys(a, b replicator.PartitionKey) int {
	return cmp.Or(strings.Compare(a.Topic, b.Topic), cmp.Compare(a.Partition, b.Partition))
}
