// Package planner turns datasets into chunk records. Planning is idempotent:
// it can run repeatedly for the same dataset without duplicating rows or
// disturbing completed work, so a background loop simply re-plans every
// dataset still in the INITIALIZING state each tick.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/occusoft/occuplan/pkg/hierarchy"
	"github.com/occusoft/occuplan/pkg/log"
	"github.com/occusoft/occuplan/pkg/metrics"
	"github.com/occusoft/occuplan/pkg/storage"
	"github.com/occusoft/occuplan/pkg/types"
	"github.com/occusoft/occuplan/pkg/window"
)

type Config struct {
	// TickInterval is how often the loop re-plans INITIALIZING datasets.
	TickInterval time.Duration `yaml:"tick_interval"`
}

func DefaultConfig() Config {
	return Config{TickInterval: 10 * time.Second}
}

type Planner struct {
	store    storage.Store
	resolver *hierarchy.Resolver
	cfg      Config
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(store storage.Store, resolver *hierarchy.Resolver, cfg Config) *Planner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	return &Planner{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		logger:   log.WithComponent("planner"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background planning loop.
func (p *Planner) Start() {
	go p.loop()
	metrics.UpdateComponent(metrics.ComponentPlanner, true, "")
	p.logger.Info().Dur("tick_interval", p.cfg.TickInterval).Msg("Planner started")
}

// Stop signals the loop to exit and waits for the current tick to finish.
func (p *Planner) Stop() {
	close(p.stopCh)
	<-p.doneCh
	metrics.UpdateComponent(metrics.ComponentPlanner, false, "stopped")
	p.logger.Info().Msg("Planner stopped")
}

func (p *Planner) loop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(context.Background())
		}
	}
}

func (p *Planner) tick(ctx context.Context) {
	datasets, err := p.store.DatasetsByStatus(ctx, types.DatasetStatusInitializing)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to list initializing datasets")
		return
	}
	for _, ds := range datasets {
		if err := p.Plan(ctx, ds); err != nil {
			p.logger.Error().Err(err).Int64("dataset_id", ds.DatasetID).Msg("Planning failed")
		}
	}
}

// Plan creates the chunk records a dataset needs and moves it to RUNNING, or
// straight to COMPLETED when its subtree holds no session data at all. A
// hierarchy lookup failure marks the dataset FAILED.
func (p *Planner) Plan(ctx context.Context, ds *types.Dataset) error {
	logger := p.logger.With().Int64("dataset_id", ds.DatasetID).Logger()

	res, err := p.resolver.Resolve(ctx, ds.RootSpaceID, ds.StartTime, ds.EndTime)
	if err != nil {
		p.failDataset(ctx, ds, fmt.Sprintf("hierarchy resolution failed: %v", err))
		return fmt.Errorf("resolve hierarchy for dataset %d: %w", ds.DatasetID, err)
	}

	// No session data anywhere under the root: a valid zero-chunk dataset.
	if len(res.Sources) == 0 {
		logger.Info().Msg("No source spaces in range, dataset complete with zero chunks")
		return p.store.UpdateDatasetStatus(ctx, ds.DatasetID, types.DatasetStatusCompleted, "")
	}

	wins, err := window.Windows(ds.StartTime, ds.EndTime, ds.IntervalSeconds, ds.ChunkSpanSeconds)
	if err != nil {
		p.failDataset(ctx, ds, fmt.Sprintf("invalid chunk window range: %v", err))
		return fmt.Errorf("windows for dataset %d: %w", ds.DatasetID, err)
	}

	created := 0
	n, err := p.upsertChunks(ctx, res.Sources, wins, types.SpaceTypeSource)
	if err != nil {
		return fmt.Errorf("plan source chunks for dataset %d: %w", ds.DatasetID, err)
	}
	created += n

	// Deepest derived spaces first. Creation order does not affect
	// correctness, eligibility is re-checked by the dependency scheduler.
	n, err = p.upsertChunks(ctx, res.Derived, wins, types.SpaceTypeDerived)
	if err != nil {
		return fmt.Errorf("plan derived chunks for dataset %d: %w", ds.DatasetID, err)
	}
	created += n

	logger.Info().
		Int("source_spaces", len(res.Sources)).
		Int("derived_spaces", len(res.Derived)).
		Int("windows", len(wins)).
		Int("chunks_created", created).
		Msg("Dataset planned")

	return p.store.UpdateDatasetStatus(ctx, ds.DatasetID, types.DatasetStatusRunning, "")
}

func (p *Planner) upsertChunks(ctx context.Context, spaceIDs []int64, wins []types.ChunkWindow, spaceType types.SpaceType) (int, error) {
	created := 0
	for _, spaceID := range spaceIDs {
		for _, w := range wins {
			w.SpaceID = spaceID
			rec := &types.ChunkRecord{
				Window:    w,
				SpaceType: spaceType,
				Status:    types.ChunkStatusPending,
			}
			ok, err := p.store.InsertChunkIfAbsent(ctx, rec)
			if err != nil {
				return created, err
			}
			if ok {
				created++
			}
		}
	}
	return created, nil
}

func (p *Planner) failDataset(ctx context.Context, ds *types.Dataset, msg string) {
	if err := p.store.UpdateDatasetStatus(ctx, ds.DatasetID, types.DatasetStatusFailed, msg); err != nil {
		p.logger.Error().Err(err).Int64("dataset_id", ds.DatasetID).Msg("Failed to mark dataset failed")
	}
}
