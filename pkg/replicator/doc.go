// Package replicator forwards records from topics on a source Kafka cluster
// to (possibly renamed) topics on a target cluster.
//
// An Engine owns a ConsumerManager, a ProducerManager, a Processor and a
// HealthMonitor and drives them from a single goroutine:
//
//	poll -> process each record -> flush once per batch
//
// Records are forwarded at least once. A bounded in-memory DedupCache
// suppresses re-sends of a (topic, partition, offset) that was already
// acknowledged by the target during the lifetime of the process.
//
// Cancellation is cooperative. The Shutdown controller is checked before each
// poll and before each record of a batch; blocking client calls are bounded by
// their own timeouts, so the worst-case shutdown latency equals the per-record
// acknowledgement timeout.
package replicator
