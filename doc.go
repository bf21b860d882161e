// Package tagpipe is an event-driven enrichment pipeline that turns social
// posts into a tag graph.
//
// Domain events (post.created, post.interacted) flow through a durable topic
// exchange into per-event-type queues. Consumers validate each message,
// enrich post text with 3-5 classification tags from an OpenAI-compatible
// chat model, and persist the result into Neo4j with idempotent MERGE
// writes, so redelivered events converge on the same graph state.
//
// # Packages
//
//   - amqpclient: broker connection, channels, and topology declaration
//   - message: event types, JSON codec, and tag validation
//   - consumer: per-queue processing loops with explicit ack decisions
//   - producer: persistent JSON event publishing
//   - enrich: tag extraction via chat completion
//   - graphstore: idempotent Neo4j writes
//   - poststore: relational reads for reprocessing
//   - config, errors, health, metric, pkg/retry: shared infrastructure
//
// The tagpipe binary under cmd/tagpipe runs the pipeline (consume), emits
// test events (publish), and re-runs enrichment over stored posts
// (reprocess).
package tagpipe
