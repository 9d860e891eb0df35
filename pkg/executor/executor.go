package executor

import "context"

// JobType identifies which computation a job runs.
type JobType string

const (
	// JobTypeSource bins raw presence sessions into per-interval counts.
	JobTypeSource JobType = "source_chunk"
	// JobTypeDerived sums already-materialized child results.
	JobTypeDerived JobType = "derived_chunk"
)

// Job describes one chunk computation to run. The idempotency key lets the
// execution substrate deduplicate retried submissions of the same logical
// work; retries after a timeout carry a different key so they are never
// deduplicated against the attempt they replace.
type Job struct {
	Type           JobType
	ChunkID        int64
	IdempotencyKey string
}

// Executor runs chunk jobs asynchronously. Implementations are responsible
// for eventually transitioning the chunk RUNNING->COMPLETED with a result
// location or RUNNING->FAILED with an error message; the state store's
// status guard absorbs any race with the timeout monitor.
type Executor interface {
	// Submit accepts a job and returns an opaque reference for it. An
	// error is a transient submission failure: the caller leaves the chunk
	// PENDING and the next scheduler tick retries.
	Submit(ctx context.Context, job Job) (string, error)
	// Terminate requests best-effort cancellation of an in-flight job.
	// False means the job was not found or could not be cancelled; the
	// caller's state transition proceeds regardless.
	Terminate(ctx context.Context, jobRef string) bool
}
