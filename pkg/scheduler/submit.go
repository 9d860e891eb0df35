package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/occusoft/occuplan/pkg/executor"
	"github.com/occusoft/occuplan/pkg/log"
	"github.com/occusoft/occuplan/pkg/metrics"
	"github.com/occusoft/occuplan/pkg/storage"
	"github.com/occusoft/occuplan/pkg/types"
)

// Gate is the submission precondition both schedulers consult each tick.
type Gate interface {
	Allow() bool
}

// TimeoutEstimator computes the deadline persisted on a chunk at submission.
type TimeoutEstimator interface {
	Estimate(ctx context.Context, spaceType types.SpaceType, intervalSeconds int64) (int64, error)
}

// IdempotencyKey derives the executor deduplication key for one submission
// attempt. It includes the retry count so a post-timeout resubmission is
// never deduplicated against the attempt it replaces.
func IdempotencyKey(chunkID int64, retryCount int) string {
	return fmt.Sprintf("chunk-%d-%d", chunkID, retryCount)
}

// submitter is the shared submit path: persist a timeout, hand the job to
// the executor, then claim the row PENDING->RUNNING.
type submitter struct {
	store storage.Store
	est   TimeoutEstimator
	exec  executor.Executor
}

// submit returns true when the chunk was claimed and handed to the executor.
// Any failure before the final transition leaves the row PENDING, so the
// next tick naturally retries.
func (s *submitter) submit(ctx context.Context, logger zerolog.Logger, rec *types.ChunkRecord, jobType executor.JobType) bool {
	logger = log.WithChunk(logger, rec.ChunkID, rec.Window.SpaceID)

	timeout, err := s.est.Estimate(ctx, rec.SpaceType, rec.Window.IntervalSeconds)
	if err != nil {
		logger.Warn().Err(err).Msg("Timeout estimation failed, leaving chunk pending")
		return false
	}
	if err := s.store.SetChunkTimeout(ctx, rec.ChunkID, timeout); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist chunk timeout, leaving chunk pending")
		return false
	}

	jobRef, err := s.exec.Submit(ctx, executor.Job{
		Type:           jobType,
		ChunkID:        rec.ChunkID,
		IdempotencyKey: IdempotencyKey(rec.ChunkID, rec.RetryCount),
	})
	if err != nil {
		metrics.SubmissionFailures.Inc()
		logger.Warn().Err(err).Msg("Job submission failed, leaving chunk pending")
		return false
	}

	ok, err := s.store.TransitionChunk(ctx, rec.ChunkID,
		types.ChunkStatusPending, types.ChunkStatusRunning,
		storage.Transition{JobRef: &jobRef})
	if err != nil {
		logger.Error().Err(err).Str("job_ref", jobRef).Msg("Failed to claim chunk after submission")
		return false
	}
	if !ok {
		logger.Debug().Str("job_ref", jobRef).Msg("Chunk claimed elsewhere, submission superseded")
		return false
	}

	metrics.ChunksSubmitted.WithLabelValues(string(jobType)).Inc()
	logger.Info().
		Str("job_ref", jobRef).
		Int64("timeout_seconds", timeout).
		Int("retry_count", rec.RetryCount).
		Msg("Chunk submitted")
	return true
}
