package replicator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testOptions(mapping TopicMapping) Options {
	opts := DefaultOptions(mapping)
	opts.ConsumerRetry = fastRetry
	opts.ProducerRetry = fastRetry
	opts.AssignmentTimeout = 10 * time.Millisecond
	opts.PollTimeout = time.Millisecond
	opts.HeartbeatInterval = time.Hour
	return opts
}

type engineHarness struct {
	engine    *Engine
	shutdown  *Shutdown
	producer  *fakeProducer
	consumers []*fakeConsumer
	created   int
	pauses    []time.Duration
}

// newHarness builds an engine whose consumer factory hands out consumers in
// order and whose error pause is recorded instead of slept.
func newHarness(t *testing.T, opts Options, consumers ...*fakeConsumer) *engineHarness {
	t.Helper()
	h := &engineHarness{producer: &fakeProducer{}, consumers: consumers}
	h.shutdown = NewShutdown(zaptest.NewLogger(t))

	consumerFactory := func(context.Context) (Consumer, error) {
		if h.created >= len(h.consumers) {
			return nil, errBroker
		}
		c := h.consumers[h.created]
		h.created++
		return c, nil
	}
	producerFactory := func(context.Context) (Producer, error) { return h.producer, nil }

	h.engine = NewEngine(opts, consumerFactory, producerFactory, h.shutdown, zaptest.NewLogger(t))
	h.engine.sleep = func(_ context.Context, d time.Duration) { h.pauses = append(h.pauses, d) }
	return h
}

func (h *engineHarness) stopWhenDrained(c *fakeConsumer) {
	c.onDrained = func() error {
		h.shutdown.Request("test finished")
		return nil
	}
}

func TestEngineReplicatesBatch(t *testing.T) {
	mapping := TopicMapping{"orders": "orders-replica", "payments": "payments-replica"}
	fc := newFakeConsumer(p0).script(batchOf(
		record("orders", 0, 0),
		record("orders", 0, 1),
		record("payments", 0, 5),
	))
	h := newHarness(t, testOptions(mapping), fc)
	h.stopWhenDrained(fc)

	require.NoError(t, h.engine.Run())

	assert.Equal(t, []string{"orders-replica", "orders-replica", "payments-replica"}, h.producer.sentTopics())
	assert.Equal(t, []byte("orders:0:1"), h.producer.sent[1].Key)
	assert.Equal(t, uint64(3), h.engine.Stats().Messages)
	assert.Zero(t, h.engine.Stats().Errors)
	assert.Equal(t, ProcessedOffsets{
		{Topic: "orders", Partition: 0}:   1,
		{Topic: "payments", Partition: 0}: 5,
	}, h.engine.ProcessedOffsets())

	// per-record flushes, one batch flush, one drain flush
	require.NotEmpty(t, h.producer.flushes)
	assert.Equal(t, DefaultDrainFlushTimeout, h.producer.flushes[len(h.producer.flushes)-1])
	assert.Contains(t, h.producer.flushes, DefaultBatchFlushTimeout)

	assert.Equal(t, StateStopped, h.engine.State())
	assert.True(t, h.producer.closed)
	assert.True(t, fc.closed)
	assert.Empty(t, fc.commits, "auto commit mode never commits explicitly")
}

func TestEngineSkipsRedeliveredRecords(t *testing.T) {
	fc := newFakeConsumer(p0).script(
		batchOf(record("orders", 0, 42)),
		batchOf(record("orders", 0, 42), record("orders", 0, 43)),
	)
	h := newHarness(t, testOptions(TopicMapping{"orders": "orders-replica"}), fc)
	h.stopWhenDrained(fc)

	require.NoError(t, h.engine.Run())

	assert.Len(t, h.producer.sent, 2)
	assert.Equal(t, uint64(2), h.engine.Stats().Messages)
	assert.True(t, h.engine.Dedup().Contains("orders:0:42"))
}

func TestEngineShutdownMidBatch(t *testing.T) {
	records := make([]Record, 5)
	for i := range records {
		records[i] = record("orders", 0, int64(i))
	}
	fc := newFakeConsumer(p0).script(batchOf(records...))
	h := newHarness(t, testOptions(TopicMapping{"orders": "orders-replica"}), fc)
	h.producer.onSend = func(n int) {
		if n == 2 {
			h.shutdown.Request("received signal terminated")
		}
	}

	require.NoError(t, h.engine.Run())

	assert.Len(t, h.producer.sent, 2, "records after the shutdown request are not processed")
	assert.Contains(t, h.producer.flushes, DefaultBatchFlushTimeout, "the partial batch is still flushed")
	assert.True(t, h.producer.closed)
	assert.True(t, fc.closed)
	assert.Equal(t, StateStopped, h.engine.State())
}

func TestEngineRecreatesConsumerAfterEmptyPolls(t *testing.T) {
	lost := newFakeConsumer()
	replacement := newFakeConsumer(p0)
	h := newHarness(t, testOptions(nil), lost, replacement)

	replacement.polls = []func() (Batch, error){func() (Batch, error) {
		assert.Zero(t, h.engine.EmptyPolls(), "empty poll counter is reset after recreation")
		h.shutdown.Request("test finished")
		return Batch{}, context.Canceled
	}}

	require.NoError(t, h.engine.Run())

	assert.Equal(t, DefaultEmptyPollThreshold+1, lost.pollCount)
	assert.Equal(t, 2, h.created)
	assert.True(t, lost.closed)
	assert.Equal(t, uint64(1), h.engine.Stats().Recreations)
	assert.Zero(t, h.engine.Stats().Errors)
}

func TestEngineKeepsConsumerWithAssignment(t *testing.T) {
	fc := newFakeConsumer(p0)
	h := newHarness(t, testOptions(nil), fc)
	fc.onDrained = func() error {
		if fc.pollCount == 3*DefaultEmptyPollThreshold {
			h.shutdown.Request("test finished")
		}
		return nil
	}

	require.NoError(t, h.engine.Run())

	assert.Equal(t, 1, h.created)
	assert.Zero(t, h.engine.Stats().Recreations)
}

func TestEngineStartupFailure(t *testing.T) {
	t.Run("consumer", func(t *testing.T) {
		h := newHarness(t, testOptions(nil))

		err := h.engine.Run()
		require.ErrorIs(t, err, ErrConnection)
		assert.Equal(t, StateStopped, h.engine.State())
		assert.Empty(t, h.producer.sent)
		assert.False(t, h.producer.closed, "producer is never opened")
	})

	t.Run("producer", func(t *testing.T) {
		fc := newFakeConsumer(p0)
		shutdown := NewShutdown(nil)
		producerCalls := 0
		e := NewEngine(testOptions(nil),
			func(context.Context) (Consumer, error) { return fc, nil },
			func(context.Context) (Producer, error) {
				producerCalls++
				return nil, errBroker
			},
			shutdown, zaptest.NewLogger(t))

		err := e.Run()
		require.ErrorIs(t, err, ErrConnection)
		assert.Equal(t, DefaultRetryAttempts, producerCalls)
		assert.True(t, fc.closed, "consumer is closed during drain")
	})

	t.Run("shutdown during startup", func(t *testing.T) {
		h := newHarness(t, testOptions(nil))
		h.shutdown.Request("received signal interrupt")

		require.NoError(t, h.engine.Run())
		assert.Equal(t, StateStopped, h.engine.State())
	})
}

func TestEngineContinuesAfterForwardFailure(t *testing.T) {
	fc := newFakeConsumer(p0).script(batchOf(
		record("orders", 0, 0),
		record("orders", 0, 1),
		record("orders", 0, 2),
	))
	h := newHarness(t, testOptions(nil), fc)
	h.stopWhenDrained(fc)
	h.producer.failAck = func(_ string, key []byte) error {
		if string(key) == "orders:0:1" {
			return errors.New("request timed out")
		}
		return nil
	}

	require.NoError(t, h.engine.Run())

	assert.Len(t, h.producer.sent, 3)
	assert.Equal(t, uint64(3), h.engine.Stats().Messages)
	assert.Equal(t, uint64(1), h.engine.Stats().Errors)
	assert.Equal(t, int64(2), h.engine.ProcessedOffsets()[p0])
	assert.False(t, h.engine.Dedup().Contains("orders:0:1"))
}

func TestEngineCommitAfterAck(t *testing.T) {
	p1 := PartitionKey{Topic: "orders", Partition: 1}
	fc := newFakeConsumer(p0, p1).script(batchOf(
		record("orders", 0, 0),
		record("orders", 0, 1),
		record("orders", 0, 2),
		record("orders", 1, 7),
	))
	opts := testOptions(nil)
	opts.CommitMode = CommitAfterAck
	h := newHarness(t, opts, fc)
	h.stopWhenDrained(fc)
	h.producer.failAck = func(_ string, key []byte) error {
		if string(key) == "orders:0:1" {
			return errors.New("not enough replicas")
		}
		return nil
	}

	require.NoError(t, h.engine.Run())

	var committed []string
	for _, rec := range fc.commits {
		committed = append(committed, rec.ID())
	}
	// offset 2 was forwarded but committing it would skip the failed offset 1
	assert.Equal(t, []string{"orders:0:0", "orders:1:7"}, committed)
	assert.Equal(t, map[PartitionKey]int64{p0: 1}, h.engine.held)
}

func TestEngineReleasesHoldWhenFailedOffsetIsReadAgain(t *testing.T) {
	fc := newFakeConsumer(p0).script(
		batchOf(record("orders", 0, 0), record("orders", 0, 1), record("orders", 0, 2)),
		// a rebalance kept p0 here and the group rewound to the last commit
		batchOf(record("orders", 0, 1), record("orders", 0, 2), record("orders", 0, 3)),
	)
	opts := testOptions(nil)
	opts.CommitMode = CommitAfterAck
	h := newHarness(t, opts, fc)
	h.stopWhenDrained(fc)
	failed := false
	h.producer.failAck = func(_ string, key []byte) error {
		if string(key) == "orders:0:1" && !failed {
			failed = true
			return errors.New("not enough replicas")
		}
		return nil
	}

	require.NoError(t, h.engine.Run())

	var committed []string
	for _, rec := range fc.commits {
		committed = append(committed, rec.ID())
	}
	assert.Equal(t, []string{"orders:0:0", "orders:0:1", "orders:0:2", "orders:0:3"}, committed)
	assert.Empty(t, h.engine.held)
	// offset 2 was already delivered and is skipped on the second read
	assert.Len(t, h.producer.sent, 5)
}

func TestEngineHoldKeepsLowestFailedOffset(t *testing.T) {
	fc := newFakeConsumer(p0).script(
		batchOf(record("orders", 0, 5)),
		batchOf(record("orders", 0, 3), record("orders", 0, 6)),
	)
	opts := testOptions(nil)
	opts.CommitMode = CommitAfterAck
	h := newHarness(t, opts, fc)
	h.stopWhenDrained(fc)
	h.producer.failAck = func(_ string, key []byte) error {
		switch string(key) {
		case "orders:0:3", "orders:0:5":
			return errors.New("request timed out")
		}
		return nil
	}

	require.NoError(t, h.engine.Run())

	assert.Empty(t, fc.commits)
	assert.Equal(t, map[PartitionKey]int64{p0: 3}, h.engine.held)
}

func TestEngineReleasesHeldPartitions(t *testing.T) {
	p1 := PartitionKey{Topic: "orders", Partition: 1}
	fc := newFakeConsumer(p0, p1)
	opts := testOptions(nil)
	opts.CommitMode = CommitAfterAck
	h := newHarness(t, opts, fc)
	_, err := h.engine.consumers.Create(context.Background())
	require.NoError(t, err)

	h.engine.held[p0] = 3
	h.engine.held[p1] = 9
	fc.setAssignment(p1)

	h.engine.heartbeat()
	assert.NotContains(t, h.engine.held, p0, "revoked partition is released")
	assert.Equal(t, int64(9), h.engine.held[p1])
}

func TestEngineRecoversFromLoopErrors(t *testing.T) {
	fc := newFakeConsumer(p0)
	fc.polls = []func() (Batch, error){
		func() (Batch, error) { panic("corrupt record") },
		func() (Batch, error) { return Batch{}, errBroker },
		func() (Batch, error) { return batchOf(record("orders", 0, 9)), nil },
	}
	h := newHarness(t, testOptions(nil), fc)
	h.stopWhenDrained(fc)

	require.NoError(t, h.engine.Run())

	assert.Equal(t, uint64(2), h.engine.Stats().Errors)
	assert.Equal(t, []time.Duration{DefaultErrorPause, DefaultErrorPause}, h.pauses)
	assert.Len(t, h.producer.sent, 1, "the loop keeps running after errors")
}

func TestEngineBatchFlushFailureIsLoopError(t *testing.T) {
	fc := newFakeConsumer(p0).script(batchOf(record("orders", 0, 0)))
	h := newHarness(t, testOptions(nil), fc)
	h.stopWhenDrained(fc)
	h.producer.flushErr = errors.New("flush timed out")

	require.NoError(t, h.engine.Run())

	// one error from the record flush and one from the batch flush
	assert.Equal(t, uint64(2), h.engine.Stats().Errors)
	assert.Len(t, h.pauses, 1)
}

func TestEngineEmitsHeartbeat(t *testing.T) {
	fc := newFakeConsumer(p0)
	fc.positions[p0], fc.ends[p0] = 3, 10
	opts := testOptions(nil)
	opts.HeartbeatInterval = time.Minute
	h := newHarness(t, opts, fc)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	h.engine.now = func() time.Time { return clock }
	fc.onDrained = func() error {
		clock = clock.Add(31 * time.Second)
		if fc.pollCount == 4 {
			h.shutdown.Request("test finished")
		}
		return nil
	}

	require.NoError(t, h.engine.Run())

	// polls at t=0s, 31s, 62s and 93s; the heartbeat is due once at 62s and
	// reads the end offset for the lag and again for the debug state dump
	assert.Equal(t, 2, fc.endCalls)
	assert.Equal(t, start.Add(62*time.Second), h.engine.Stats().LastHeartbeat)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "STARTING", StateStarting.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "STOPPED", StateStopped.String())
}
