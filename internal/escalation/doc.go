// Package escalation models the human-handled task queue: the task record
// published when automated drafting gives up, its validation, the consumer
// that persists tasks idempotently by email id, and the Store the task
// listing API reads from.
package escalation
