package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/occusoft/occuplan/pkg/executor"
	"github.com/occusoft/occuplan/pkg/hierarchy"
	"github.com/occusoft/occuplan/pkg/log"
	"github.com/occusoft/occuplan/pkg/metrics"
	"github.com/occusoft/occuplan/pkg/storage"
	"github.com/occusoft/occuplan/pkg/types"
)

// dependencyCursorName keys the scan cursor in the cursor store.
const dependencyCursorName = "dependency-scheduler"

type DependencyConfig struct {
	// TickInterval is how often pending derived chunks are polled.
	TickInterval time.Duration `yaml:"tick_interval"`
	// BatchSize caps candidates examined per tick. The cursor advances
	// past a full batch and resets to the start on a partial one, which
	// guarantees eventual full re-scan at the cost of repeated re-scans
	// under a steady trickle of new chunks.
	BatchSize int `yaml:"batch_size"`
}

func DefaultDependencyConfig() DependencyConfig {
	return DependencyConfig{
		TickInterval: 30 * time.Second,
		BatchSize:    50,
	}
}

// Dependency polls PENDING derived chunks and submits their aggregation jobs
// once every child chunk sharing the same window is COMPLETED. Children with
// no record for the window contribute nothing and never block.
type Dependency struct {
	submitter
	gate    Gate
	hier    hierarchy.Source
	cursors *CursorStore
	cfg     DependencyConfig
	logger  zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewDependency(store storage.Store, gate Gate, est TimeoutEstimator, exec executor.Executor, hier hierarchy.Source, cursors *CursorStore, cfg DependencyConfig) *Dependency {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultDependencyConfig().TickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultDependencyConfig().BatchSize
	}
	return &Dependency{
		submitter: submitter{store: store, est: est, exec: exec},
		gate:      gate,
		hier:      hier,
		cursors:   cursors,
		cfg:       cfg,
		logger:    log.WithComponent("dependency-scheduler"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (d *Dependency) Start() {
	go d.loop()
	metrics.UpdateComponent(metrics.ComponentDependency, true, "")
	d.logger.Info().
		Dur("tick_interval", d.cfg.TickInterval).
		Int("batch_size", d.cfg.BatchSize).
		Msg("Dependency scheduler started")
}

func (d *Dependency) Stop() {
	close(d.stopCh)
	<-d.doneCh
	metrics.UpdateComponent(metrics.ComponentDependency, false, "stopped")
	d.logger.Info().Msg("Dependency scheduler stopped")
}

func (d *Dependency) loop() {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Tick(context.Background())
		}
	}
}

// Tick runs one scheduling pass over the cursor-bounded candidate window.
func (d *Dependency) Tick(ctx context.Context) {
	if !d.gate.Allow() {
		metrics.TicksSkipped.WithLabelValues("dependency").Inc()
		d.logger.Debug().Msg("Tick skipped by backpressure")
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration.WithLabelValues("dependency"))

	cursor, err := d.cursors.Get(dependencyCursorName)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to read scan cursor")
		return
	}

	chunks, err := d.store.PendingDerivedChunksAfter(ctx, cursor, d.cfg.BatchSize)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to list pending derived chunks")
		return
	}

	// Full batch: continue from here next tick. Partial batch: reset so
	// the next tick re-scans from the beginning.
	next := int64(0)
	if len(chunks) == d.cfg.BatchSize {
		next = chunks[len(chunks)-1].ChunkID
	}
	if err := d.cursors.Set(dependencyCursorName, next); err != nil {
		d.logger.Error().Err(err).Msg("Failed to persist scan cursor")
	}

	if len(chunks) == 0 {
		return
	}

	edges, err := d.hier.SpaceEdges(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to load space edges")
		return
	}

	submitted := 0
	for _, rec := range chunks {
		if d.trySubmit(ctx, rec, edges) {
			submitted++
		}
	}
	d.logger.Debug().
		Int64("cursor", cursor).
		Int("candidates", len(chunks)).
		Int("submitted", submitted).
		Msg("Dependency tick complete")
}

func (d *Dependency) trySubmit(ctx context.Context, rec *types.ChunkRecord, edges []types.SpaceEdge) bool {
	children := hierarchy.ChildSpaces(edges, rec.Window.SpaceID)
	if len(children) == 0 {
		// A derived chunk without children is a planning anomaly; leave
		// it pending rather than running an empty aggregation.
		d.logger.Warn().
			Int64("chunk_id", rec.ChunkID).
			Int64("space_id", rec.Window.SpaceID).
			Msg("Derived chunk has no child spaces, skipping")
		return false
	}

	siblings, err := d.store.SiblingChunks(ctx, children, rec.Window.IntervalSeconds,
		rec.Window.ChunkStart, rec.Window.ChunkEnd)
	if err != nil {
		d.logger.Error().Err(err).Int64("chunk_id", rec.ChunkID).Msg("Failed to load child chunks")
		return false
	}
	for _, sib := range siblings {
		if sib.Status != types.ChunkStatusCompleted {
			return false
		}
	}

	return d.submit(ctx, d.logger, rec, executor.JobTypeDerived)
}
