// Package executor runs chunk compute jobs. The Executor interface hides
// where computation happens: Local drives an in-process worker pool, Remote
// hands jobs to an external compute service over HTTP. Both deduplicate by
// idempotency key and support best-effort termination.
package executor
