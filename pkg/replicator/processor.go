package replicator

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/edgeflare/krep/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultAckTimeout  = 30 * time.Second
	DefaultRecordFlush = time.Second
	logEveryNthMessage = 100
	logFirstNMessages  = 10
)

// Sender is the producer surface the Processor needs.
type Sender interface {
	Send(topic string, key, value []byte, headers []Header, ts time.Time) (Delivery, error)
	Flush(timeout time.Duration) error
}

// Processor forwards single records. It shares the dedup window, counters and
// processed offsets with the Engine that owns them.
type Processor struct {
	mapping      TopicMapping
	dedup        *DedupCache
	stats        *Stats
	offsets      ProcessedOffsets
	ackTimeout   time.Duration
	flushTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewProcessor returns a Processor writing its bookkeeping into the given state.
func NewProcessor(mapping TopicMapping, dedup *DedupCache, stats *Stats, offsets ProcessedOffsets, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		mapping:      mapping,
		dedup:        dedup,
		stats:        stats,
		offsets:      offsets,
		ackTimeout:   DefaultAckTimeout,
		flushTimeout: DefaultRecordFlush,
		now:          time.Now,
		logger:       logger,
	}
}

// Process forwards rec to its mapped target topic and waits for the
// acknowledgement. It returns true when the record was delivered or had
// already been delivered, and false when forwarding failed. Failed records
// are not retried.
func (p *Processor) Process(rec Record, producer Sender) bool {
	id := rec.ID()
	if p.dedup.Contains(id) {
		metrics.DuplicateRecords.WithLabelValues(rec.Topic).Inc()
		return true
	}

	p.stats.Messages++
	p.stats.LastMessage = p.now()

	target := p.mapping.Target(rec.Topic)
	if n := p.stats.Messages; n <= logFirstNMessages || n%logEveryNthMessage == 0 {
		p.logger.Info(fmt.Sprintf("[MSG #%d] Processing", n),
			zap.String("record", id),
			zap.String("target", target))
	}
	if ce := p.logger.Check(zap.DebugLevel, "Record payload"); ce != nil {
		ce.Write(
			zap.String("record", id),
			zap.Any("key", decodeText(rec.Key)),
			zap.Any("value", decodeText(rec.Value)),
			zap.Int("headers", len(rec.Headers)))
	}

	timer := prometheus.NewTimer(metrics.ForwardDuration.WithLabelValues(target))
	ack, err := p.forward(rec, target, producer)
	timer.ObserveDuration()

	if err != nil {
		p.stats.Errors++
		metrics.ProcessingErrors.WithLabelValues(metrics.StageForward).Inc()
		p.logger.Error(fmt.Sprintf("[MSG #%d] Failed to process message", p.stats.Messages),
			zap.String("record", id),
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.String("target", target),
			zap.Error(err))
		return false
	}

	p.offsets[rec.PartitionKey()] = rec.Offset
	p.dedup.Add(id)
	p.dedup.Evict()

	metrics.ForwardedRecords.WithLabelValues(rec.Topic, target).Inc()
	metrics.DedupWindowSize.Set(float64(p.dedup.Len()))
	p.logger.Debug("Record forwarded",
		zap.String("record", id),
		zap.String("target", ack.Topic),
		zap.Int32("targetPartition", ack.Partition),
		zap.Int64("targetOffset", ack.Offset))
	return true
}

// forward sends rec to target, waits for the acknowledgement and flushes.
func (p *Processor) forward(rec Record, target string, producer Sender) (Ack, error) {
	delivery, err := producer.Send(target, rec.Key, rec.Value, rec.Headers, rec.Timestamp)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: send to %s: %w", ErrProcessing, target, err)
	}

	ack, err := delivery.Wait(p.ackTimeout)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: await acknowledgement from %s: %w", ErrProcessing, target, err)
	}

	if err := producer.Flush(p.flushTimeout); err != nil {
		return Ack{}, fmt.Errorf("%w: flush after %s: %w", ErrProcessing, target, err)
	}

	return ack, nil
}

// decodeText returns b as a string when it is valid UTF-8 and b unchanged
// otherwise. It never fails. The forwarded bytes are not affected.
func decodeText(b []byte) any {
	if b == nil {
		return nil
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return b
}
