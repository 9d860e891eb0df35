// Package monitor watches RUNNING chunks against their submission deadlines
// and applies the bounded retry policy: the first timeout sends a chunk back
// to PENDING for one more attempt, the second makes it permanently FAILED.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/occusoft/occuplan/pkg/executor"
	"github.com/occusoft/occuplan/pkg/log"
	"github.com/occusoft/occuplan/pkg/metrics"
	"github.com/occusoft/occuplan/pkg/storage"
	"github.com/occusoft/occuplan/pkg/types"
)

type Config struct {
	// TickInterval is how often running chunks are checked for overruns.
	TickInterval time.Duration `yaml:"tick_interval"`
}

func DefaultConfig() Config {
	return Config{TickInterval: 60 * time.Second}
}

type Monitor struct {
	store  storage.Store
	exec   executor.Executor
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(store storage.Store, exec executor.Executor, cfg Config) *Monitor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	return &Monitor{
		store:  store,
		exec:   exec,
		cfg:    cfg,
		logger: log.WithComponent("timeout-monitor"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	go m.loop()
	metrics.UpdateComponent(metrics.ComponentMonitor, true, "")
	m.logger.Info().Dur("tick_interval", m.cfg.TickInterval).Msg("Timeout monitor started")
}

func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
	metrics.UpdateComponent(metrics.ComponentMonitor, false, "stopped")
	m.logger.Info().Msg("Timeout monitor stopped")
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick(context.Background())
		}
	}
}

// Tick times out every RUNNING chunk whose deadline has passed.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.now().UTC()
	chunks, err := m.store.TimedOutChunks(ctx, now)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list timed out chunks")
		return
	}
	for _, rec := range chunks {
		m.handleTimeout(ctx, rec, now)
	}
}

func (m *Monitor) handleTimeout(ctx context.Context, rec *types.ChunkRecord, now time.Time) {
	elapsed := int64(now.Sub(rec.CreatedAt).Seconds())
	logger := log.WithChunk(m.logger, rec.ChunkID, rec.Window.SpaceID).With().
		Int64("timeout_seconds", rec.TimeoutSeconds).
		Int64("elapsed_seconds", elapsed).
		Int("retry_count", rec.RetryCount).
		Logger()

	// Best-effort termination. The state machine, not the executor, is
	// authoritative: a late completion write from the "cancelled" job
	// loses the status guard either way.
	if rec.JobRef != "" {
		if !m.exec.Terminate(ctx, rec.JobRef) {
			logger.Warn().Str("job_ref", rec.JobRef).Msg("Job termination failed or job unknown")
		}
	}

	if rec.RetryCount == 0 {
		retries := 1
		ok, err := m.store.TransitionChunk(ctx, rec.ChunkID,
			types.ChunkStatusRunning, types.ChunkStatusPending,
			storage.Transition{
				RetryCount:     &retries,
				ClearJobRef:    true,
				ClearError:     true,
				ClearCompleted: true,
			})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to reset timed out chunk")
			return
		}
		if ok {
			metrics.ChunkTimeouts.WithLabelValues("retried").Inc()
			logger.Warn().Msg("Chunk timed out, retrying once")
		}
		return
	}

	msg := fmt.Sprintf("chunk timed out after %ds (deadline %ds, retry %d)",
		elapsed, rec.TimeoutSeconds, rec.RetryCount)
	completedAt := now
	ok, err := m.store.TransitionChunk(ctx, rec.ChunkID,
		types.ChunkStatusRunning, types.ChunkStatusFailed,
		storage.Transition{ErrorMessage: &msg, CompletedAt: &completedAt})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to fail timed out chunk")
		return
	}
	if ok {
		metrics.ChunkTimeouts.WithLabelValues("failed").Inc()
		logger.Error().Msg("Chunk timed out again, permanently failed")
	}
}
