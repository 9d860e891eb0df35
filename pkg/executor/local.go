package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/occusoft/occuplan/pkg/log"
	"github.com/occusoft/occuplan/pkg/storage"
	"github.com/occusoft/occuplan/pkg/types"
)

// Engine is the actual chunk computation the local executor drives. Run
// returns the location of the materialized result.
type Engine interface {
	Run(ctx context.Context, rec *types.ChunkRecord) (string, error)
}

type LocalConfig struct {
	// Workers is the number of concurrent chunk computations.
	Workers int `yaml:"workers"`
	// QueueSize bounds jobs accepted but not yet picked up. A full queue
	// rejects Submit, which the schedulers treat as transient.
	QueueSize int `yaml:"queue_size"`
}

func DefaultLocalConfig() LocalConfig {
	return LocalConfig{Workers: 4, QueueSize: 256}
}

type localJob struct {
	job    Job
	jobRef string
}

// Local runs chunk jobs in-process on a fixed worker pool.
type Local struct {
	store  storage.Store
	engine Engine
	logger zerolog.Logger

	jobs    chan localJob
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	byKey   map[string]string // idempotency key -> job ref
	cancels map[string]context.CancelFunc
	started bool
}

func NewLocal(store storage.Store, engine Engine, cfg LocalConfig) *Local {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultLocalConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultLocalConfig().QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		store:   store,
		engine:  engine,
		logger:  log.WithComponent("executor"),
		jobs:    make(chan localJob, cfg.QueueSize),
		baseCtx: ctx,
		cancel:  cancel,
		byKey:   make(map[string]string),
		cancels: make(map[string]context.CancelFunc),
	}
	for i := 0; i < cfg.Workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	l.started = true
	return l
}

// Stop cancels all in-flight jobs and waits for the workers to drain.
func (l *Local) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	l.mu.Unlock()

	l.cancel()
	close(l.jobs)
	l.wg.Wait()
	l.logger.Info().Msg("Executor stopped")
}

// Submit queues the job, deduplicating by idempotency key against jobs that
// are still queued or running.
func (l *Local) Submit(ctx context.Context, job Job) (string, error) {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return "", fmt.Errorf("executor is stopped")
	}
	if ref, dup := l.byKey[job.IdempotencyKey]; dup {
		l.mu.Unlock()
		return ref, nil
	}
	jobRef := uuid.New().String()
	l.byKey[job.IdempotencyKey] = jobRef
	l.mu.Unlock()

	select {
	case l.jobs <- localJob{job: job, jobRef: jobRef}:
	default:
		l.mu.Lock()
		delete(l.byKey, job.IdempotencyKey)
		l.mu.Unlock()
		return "", fmt.Errorf("executor queue is full")
	}

	l.logger.Debug().
		Int64("chunk_id", job.ChunkID).
		Str("job_ref", jobRef).
		Str("job_type", string(job.Type)).
		Msg("Job queued")
	return jobRef, nil
}

// Terminate cancels the job's context if it is still running. Queued jobs
// that have not started yet are cancelled when they reach a worker.
func (l *Local) Terminate(ctx context.Context, jobRef string) bool {
	l.mu.Lock()
	cancel, ok := l.cancels[jobRef]
	l.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (l *Local) worker() {
	defer l.wg.Done()
	for lj := range l.jobs {
		l.run(lj)
	}
}

func (l *Local) run(lj localJob) {
	ctx, cancel := context.WithCancel(l.baseCtx)
	l.mu.Lock()
	l.cancels[lj.jobRef] = cancel
	l.mu.Unlock()
	defer func() {
		cancel()
		l.mu.Lock()
		delete(l.cancels, lj.jobRef)
		delete(l.byKey, lj.job.IdempotencyKey)
		l.mu.Unlock()
	}()

	logger := l.logger.With().
		Int64("chunk_id", lj.job.ChunkID).
		Str("job_ref", lj.jobRef).
		Logger()

	rec, err := l.store.GetChunk(ctx, lj.job.ChunkID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load chunk for job")
		return
	}

	location, runErr := l.engine.Run(ctx, rec)

	// Record the outcome on a fresh context: ctx may have been cancelled by
	// Terminate, and the status guard already rejects writes the timeout
	// monitor has superseded.
	wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wcancel()

	now := time.Now().UTC()
	if runErr != nil {
		msg := runErr.Error()
		if l.recordOutcome(wctx, logger, lj.jobRef, rec, types.ChunkStatusFailed,
			storage.Transition{ErrorMessage: &msg, CompletedAt: &now}) {
			logger.Warn().Str("error", msg).Msg("Chunk computation failed")
		}
		return
	}

	if l.recordOutcome(wctx, logger, lj.jobRef, rec, types.ChunkStatusCompleted,
		storage.Transition{ResultLocation: &location, CompletedAt: &now}) {
		logger.Info().Str("result_location", location).Msg("Chunk completed")
	}
}

// recordOutcome moves a finished job's chunk from RUNNING to its terminal
// status. Submission hands the job to the executor before claiming the row,
// so a fast job can finish while the chunk is still PENDING; the write then
// retries until the imminent claim lands. A row the attempt no longer owns,
// because it went terminal or the timeout monitor handed it to a new
// attempt, drops the outcome instead.
func (l *Local) recordOutcome(ctx context.Context, logger zerolog.Logger, jobRef string, start *types.ChunkRecord, next types.ChunkStatus, tr storage.Transition) bool {
	for {
		rec, err := l.store.GetChunk(ctx, start.ChunkID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load chunk for outcome")
			return false
		}

		switch rec.Status {
		case types.ChunkStatusRunning:
			if rec.JobRef != "" && rec.JobRef != jobRef {
				logger.Debug().Str("owner", rec.JobRef).Msg("Chunk claimed by another job, dropping outcome")
				return false
			}
			ok, err := l.store.TransitionChunk(ctx, rec.ChunkID,
				types.ChunkStatusRunning, next, tr)
			if err != nil {
				logger.Error().Err(err).Str("status", string(next)).Msg("Failed to record job outcome")
				return false
			}
			if ok {
				return true
			}
			// Lost the transition to a concurrent writer; re-read and decide.
		case types.ChunkStatusPending:
			if rec.RetryCount != start.RetryCount {
				logger.Debug().Msg("Chunk reset for retry, dropping outcome")
				return false
			}
			// The claim for this submission has not landed yet; wait below.
		default:
			logger.Debug().Str("status", string(rec.Status)).Msg("Chunk already terminal, dropping outcome")
			return false
		}

		select {
		case <-ctx.Done():
			logger.Warn().Msg("Gave up waiting for chunk claim, job outcome lost")
			return false
		case <-time.After(25 * time.Millisecond):
		}
	}
}
