package kafka

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/krep/pkg/replicator"
	"go.uber.org/zap"
)

var (
	ErrProducerClosed  = errors.New("producer closed")
	ErrEnqueueTimeout  = errors.New("timed out enqueuing record")
	ErrDeliveryTimeout = errors.New("timed out waiting for acknowledgement")
	ErrFlushTimeout    = errors.New("timed out flushing producer")
)

// DefaultEnqueueTimeout bounds how long Send waits for room in the producer's
// input channel.
const DefaultEnqueueTimeout = 30 * time.Second

// Producer sends records to the target cluster through a sarama.AsyncProducer.
type Producer struct {
	producer       sarama.AsyncProducer
	inflight       *inflight
	enqueueTimeout time.Duration
	done           chan struct{}
	closed         atomic.Bool
	logger         *zap.Logger
}

var _ replicator.Producer = (*Producer)(nil)

// NewProducer connects to the target cluster.
func NewProducer(cfg *Config, logger *zap.Logger) (*Producer, error) {
	conf, err := cfg.ProducerSaramaConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama config: %w", err)
	}

	producer, err := sarama.NewAsyncProducer(cfg.GetBrokers(), conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create async producer: %w", err)
	}

	return newProducer(producer, logger), nil
}

func newProducer(producer sarama.AsyncProducer, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Producer{
		producer:       producer,
		inflight:       newInflight(),
		enqueueTimeout: DefaultEnqueueTimeout,
		done:           make(chan struct{}),
		logger:         logger,
	}
	go p.dispatch()
	return p
}

// dispatch resolves deliveries until both result channels are closed.
func (p *Producer) dispatch() {
	defer close(p.done)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for msg := range p.producer.Successes() {
			p.resolve(msg, nil)
		}
	}()
	go func() {
		defer wg.Done()
		for perr := range p.producer.Errors() {
			p.logger.Debug("Delivery failed",
				zap.String("topic", perr.Msg.Topic),
				zap.Error(perr.Err))
			p.resolve(perr.Msg, perr.Err)
		}
	}()
	wg.Wait()
}

func (p *Producer) resolve(msg *sarama.ProducerMessage, err error) {
	d, ok := msg.Metadata.(*delivery)
	if !ok {
		return
	}
	d.ack = replicator.Ack{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}
	d.err = err
	close(d.done)
	p.inflight.done()
}

// Send enqueues a record for topic. Key, value and headers are forwarded
// unchanged; nil key or value stay nil. It fails with ErrEnqueueTimeout when
// the input channel stays full for the enqueue timeout.
func (p *Producer) Send(topic string, key, value []byte, headers []replicator.Header, ts time.Time) (replicator.Delivery, error) {
	if p.closed.Load() {
		return nil, ErrProducerClosed
	}

	d := &delivery{done: make(chan struct{})}
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       encoder(key),
		Value:     encoder(value),
		Headers:   toRecordHeaders(headers),
		Timestamp: ts,
		Metadata:  d,
	}

	p.inflight.add()
	timer := time.NewTimer(p.enqueueTimeout)
	defer timer.Stop()

	select {
	case p.producer.Input() <- msg:
		return d, nil
	case <-timer.C:
		p.inflight.done()
		return nil, fmt.Errorf("%w to %s after %s", ErrEnqueueTimeout, topic, p.enqueueTimeout)
	}
}

// Flush waits until every sent record has been acknowledged or failed.
func (p *Producer) Flush(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.inflight.wait():
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %d records in flight after %s", ErrFlushTimeout, p.inflight.len(), timeout)
	}
}

// Close stops accepting records, waits for pending deliveries to resolve and
// shuts the underlying producer down.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.producer.AsyncClose()
	<-p.done
	return nil
}

// delivery is the future returned by Send.
type delivery struct {
	done chan struct{}
	ack  replicator.Ack
	err  error
}

func (d *delivery) Wait(timeout time.Duration) (replicator.Ack, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-d.done:
		return d.ack, d.err
	case <-timer.C:
		return replicator.Ack{}, fmt.Errorf("%w after %s", ErrDeliveryTimeout, timeout)
	}
}

// inflight counts unresolved deliveries. wait returns a channel closed when
// the count drops to zero.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newInflight() *inflight {
	idle := make(chan struct{})
	close(idle)
	return &inflight{idle: idle}
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
}

func (f *inflight) wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func encoder(b []byte) sarama.Encoder {
	if b == nil {
		return nil
	}
	return sarama.ByteEncoder(b)
}

func toRecordHeaders(headers []replicator.Header) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for _, h := range headers {
		out = append(out, sarama.RecordHeader{Key: h.Key, Value: h.Value})
	}
	return out
}
