// Package dataset exposes dataset creation and observation on top of the
// chunk store. Datasets never mutate chunk rows directly; their status is
// derived lazily from the root space's chunk records each time they are
// read.
package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/occusoft/occuplan/pkg/log"
	"github.com/occusoft/occuplan/pkg/storage"
	"github.com/occusoft/occuplan/pkg/types"
)

// DefaultChunkSpanSeconds is one day, the planning granularity used when a
// dataset does not specify its own span.
const DefaultChunkSpanSeconds = int64(86400)

// allowedIntervals are the aggregation granularities the compute engine
// materializes, from 15 minutes up to one day.
var allowedIntervals = []int64{900, 1800, 3600, 7200, 14400, 28800, 86400}

func intervalAllowed(v int64) bool {
	for _, iv := range allowedIntervals {
		if v == iv {
			return true
		}
	}
	return false
}

// BoundsSource resolves the observed session time range under a root space,
// used to fill in missing dataset time bounds.
type BoundsSource interface {
	SessionBounds(ctx context.Context, rootSpaceID int64) (min, max time.Time, found bool, err error)
}

type Service struct {
	store  storage.Store
	bounds BoundsSource
	logger zerolog.Logger
}

func NewService(store storage.Store, bounds BoundsSource) *Service {
	return &Service{
		store:  store,
		bounds: bounds,
		logger: log.WithComponent("dataset"),
	}
}

type CreateRequest struct {
	Name             string
	Description      string
	RootSpaceID      int64
	StartTime        time.Time
	EndTime          time.Time
	IntervalSeconds  int64
	ChunkSpanSeconds int64
}

func (r *CreateRequest) validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.RootSpaceID <= 0 {
		return fmt.Errorf("root_space_id is required")
	}
	if !intervalAllowed(r.IntervalSeconds) {
		return fmt.Errorf("interval_seconds must be one of %v", allowedIntervals)
	}
	if r.ChunkSpanSeconds < 0 {
		return fmt.Errorf("chunk_span_seconds must not be negative")
	}
	return nil
}

// resolveBounds fills a zero start or end time from the session data range
// under the root space. A root with no session data at all cannot anchor a
// dataset and reports ErrNotFound.
func (s *Service) resolveBounds(ctx context.Context, req CreateRequest) (time.Time, time.Time, error) {
	start, end := req.StartTime, req.EndTime
	if !start.IsZero() && !end.IsZero() {
		return start, end, nil
	}
	if s.bounds == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_time and end_time are required")
	}

	min, max, found, err := s.bounds.SessionBounds(ctx, req.RootSpaceID)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("resolve session bounds for space %d: %w", req.RootSpaceID, err)
	}
	if !found {
		return time.Time{}, time.Time{}, fmt.Errorf("no session data found for space %d: %w", req.RootSpaceID, storage.ErrNotFound)
	}
	if start.IsZero() {
		start = min
	}
	if end.IsZero() {
		end = max
	}
	return start, end, nil
}

// Create registers a dataset in the INITIALIZING state; the planner picks it
// up on its next tick. A missing start or end time is resolved from the
// session data observed under the root space.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Dataset, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	start, end, err := s.resolveBounds(ctx, req)
	if err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, fmt.Errorf("end_time must be after start_time")
	}
	span := req.ChunkSpanSeconds
	if span == 0 {
		span = DefaultChunkSpanSeconds
	}
	ds := &types.Dataset{
		Name:             req.Name,
		Description:      req.Description,
		RootSpaceID:      req.RootSpaceID,
		StartTime:        start.UTC(),
		EndTime:          end.UTC(),
		IntervalSeconds:  req.IntervalSeconds,
		ChunkSpanSeconds: span,
		Status:           types.DatasetStatusInitializing,
	}
	if err := s.store.CreateDataset(ctx, ds); err != nil {
		return nil, err
	}
	s.logger.Info().
		Int64("dataset_id", ds.DatasetID).
		Str("name", ds.Name).
		Int64("root_space_id", ds.RootSpaceID).
		Msg("Dataset created")
	return ds, nil
}

// Get returns the dataset with its status refreshed from chunk state.
func (s *Service) Get(ctx context.Context, datasetID int64) (*types.Dataset, error) {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, ds)
}

// List returns all datasets, each with a refreshed status.
func (s *Service) List(ctx context.Context) ([]*types.Dataset, error) {
	datasets, err := s.store.ListDatasets(ctx)
	if err != nil {
		return nil, err
	}
	for i, ds := range datasets {
		refreshed, err := s.refresh(ctx, ds)
		if err != nil {
			return nil, err
		}
		datasets[i] = refreshed
	}
	return datasets, nil
}

// Progress summarizes chunk completion for a dataset's root space.
type Progress struct {
	Dataset         *types.Dataset `json:"dataset"`
	TotalChunks     int            `json:"total_chunks"`
	PendingChunks   int            `json:"pending_chunks"`
	RunningChunks   int            `json:"running_chunks"`
	CompletedChunks int            `json:"completed_chunks"`
	FailedChunks    int            `json:"failed_chunks"`
	Results         []ChunkResult  `json:"results,omitempty"`
}

// ChunkResult points at one materialized root-space window.
type ChunkResult struct {
	ChunkStart     time.Time `json:"chunk_start"`
	ChunkEnd       time.Time `json:"chunk_end"`
	ResultLocation string    `json:"result_location"`
}

// Status returns the refreshed dataset together with per-status chunk counts
// over its root space and the locations of completed results.
func (s *Service) Status(ctx context.Context, datasetID int64) (*Progress, error) {
	ds, err := s.Get(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	chunks, err := s.store.ChunksForSpace(ctx, ds.RootSpaceID, ds.IntervalSeconds, ds.StartTime, ds.EndTime)
	if err != nil {
		return nil, fmt.Errorf("load root chunks for dataset %d: %w", ds.DatasetID, err)
	}

	p := &Progress{Dataset: ds, TotalChunks: len(chunks)}
	for _, c := range chunks {
		switch c.Status {
		case types.ChunkStatusPending:
			p.PendingChunks++
		case types.ChunkStatusRunning:
			p.RunningChunks++
		case types.ChunkStatusCompleted:
			p.CompletedChunks++
			p.Results = append(p.Results, ChunkResult{
				ChunkStart:     c.Window.ChunkStart,
				ChunkEnd:       c.Window.ChunkEnd,
				ResultLocation: c.ResultLocation,
			})
		case types.ChunkStatusFailed:
			p.FailedChunks++
		}
	}
	return p, nil
}

// Retry resets every FAILED chunk overlapping the dataset's range back to
// PENDING with a cleared error and retry budget, then moves the dataset back
// to RUNNING. Returns the number of chunks reset.
func (s *Service) Retry(ctx context.Context, datasetID int64) (int64, error) {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return 0, err
	}

	n, err := s.store.ResetFailedChunks(ctx, ds.IntervalSeconds, ds.StartTime, ds.EndTime)
	if err != nil {
		return 0, err
	}
	if err := s.store.UpdateDatasetStatus(ctx, ds.DatasetID, types.DatasetStatusRunning, ""); err != nil {
		return n, err
	}
	s.logger.Info().
		Int64("dataset_id", datasetID).
		Int64("chunks_reset", n).
		Msg("Failed chunks reset for retry")
	return n, nil
}

// refresh derives a RUNNING dataset's status from its root space's chunks:
// any FAILED chunk fails the dataset and surfaces the first error, all
// COMPLETED completes it. Terminal and still-initializing datasets are
// returned as stored.
func (s *Service) refresh(ctx context.Context, ds *types.Dataset) (*types.Dataset, error) {
	if ds.Status != types.DatasetStatusRunning {
		return ds, nil
	}

	chunks, err := s.store.ChunksForSpace(ctx, ds.RootSpaceID, ds.IntervalSeconds, ds.StartTime, ds.EndTime)
	if err != nil {
		return nil, fmt.Errorf("load root chunks for dataset %d: %w", ds.DatasetID, err)
	}
	if len(chunks) == 0 {
		return ds, nil
	}

	completed := 0
	for _, c := range chunks {
		switch c.Status {
		case types.ChunkStatusFailed:
			msg := c.ErrorMessage
			if msg == "" {
				msg = fmt.Sprintf("chunk %d failed", c.ChunkID)
			}
			if err := s.store.UpdateDatasetStatus(ctx, ds.DatasetID, types.DatasetStatusFailed, msg); err != nil {
				return nil, err
			}
			return s.store.GetDataset(ctx, ds.DatasetID)
		case types.ChunkStatusCompleted:
			completed++
		}
	}
	if completed == len(chunks) {
		if err := s.store.UpdateDatasetStatus(ctx, ds.DatasetID, types.DatasetStatusCompleted, ""); err != nil {
			return nil, err
		}
		return s.store.GetDataset(ctx, ds.DatasetID)
	}
	return ds, nil
}
