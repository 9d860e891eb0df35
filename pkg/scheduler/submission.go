package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/occusoft/occuplan/pkg/executor"
	"github.com/occusoft/occuplan/pkg/log"
	"github.com/occusoft/occuplan/pkg/metrics"
	"github.com/occusoft/occuplan/pkg/storage"
)

type SubmissionConfig struct {
	// TickInterval is how often pending source chunks are polled.
	TickInterval time.Duration `yaml:"tick_interval"`
	// BatchSize caps chunks submitted per tick; the rest wait.
	BatchSize int `yaml:"batch_size"`
}

func DefaultSubmissionConfig() SubmissionConfig {
	return SubmissionConfig{
		TickInterval: 30 * time.Second,
		BatchSize:    100,
	}
}

// Submission polls PENDING source chunks oldest-first and submits their
// compute jobs, subject to the backpressure gate.
type Submission struct {
	submitter
	gate   Gate
	cfg    SubmissionConfig
	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewSubmission(store storage.Store, gate Gate, est TimeoutEstimator, exec executor.Executor, cfg SubmissionConfig) *Submission {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultSubmissionConfig().TickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSubmissionConfig().BatchSize
	}
	return &Submission{
		submitter: submitter{store: store, est: est, exec: exec},
		gate:      gate,
		cfg:       cfg,
		logger:    log.WithComponent("submission-scheduler"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (s *Submission) Start() {
	go s.loop()
	metrics.UpdateComponent(metrics.ComponentSubmission, true, "")
	s.logger.Info().
		Dur("tick_interval", s.cfg.TickInterval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("Submission scheduler started")
}

func (s *Submission) Stop() {
	close(s.stopCh)
	<-s.doneCh
	metrics.UpdateComponent(metrics.ComponentSubmission, false, "stopped")
	s.logger.Info().Msg("Submission scheduler stopped")
}

func (s *Submission) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick runs one scheduling pass. A tick denied by backpressure returns
// immediately without touching any rows.
func (s *Submission) Tick(ctx context.Context) {
	if !s.gate.Allow() {
		metrics.TicksSkipped.WithLabelValues("submission").Inc()
		s.logger.Debug().Msg("Tick skipped by backpressure")
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration.WithLabelValues("submission"))

	chunks, err := s.store.PendingSourceChunks(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list pending source chunks")
		return
	}
	if len(chunks) == 0 {
		return
	}

	submitted := 0
	for _, rec := range chunks {
		if s.submit(ctx, s.logger, rec, executor.JobTypeSource) {
			submitted++
		}
	}
	s.logger.Debug().
		Int("candidates", len(chunks)).
		Int("submitted", submitted).
		Msg("Submission tick complete")
}
