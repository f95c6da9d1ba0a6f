// Package kafka adapts github.com/IBM/sarama clients to the replicator's
// consumer and producer contracts.
//
// GroupConsumer joins a consumer group on the source cluster and exposes a
// poll-style API over sarama's callback-based ConsumerGroup: claims push
// records into a buffer, Poll drains it into a replicator.Batch.
//
// Producer wraps a sarama.AsyncProducer. Send returns a future that resolves
// when the target acknowledges the record, and Flush waits until every
// in-flight record has been resolved.
//
// Client exposes the cluster-admin calls used by the startup preflight
// (topic listing and creation).
//
// Client IDs:
// - `krep-<direction>-<id>` where id is a short random suffix
// - recreated consumers get a fresh id so they are distinguishable in broker logs
package kafka
