package storage

import (
	"context"
	"errors"
	"time"

	"github.com/occusoft/occuplan/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Transition carries the optional field updates applied together with a
// status-guarded chunk transition. Nil pointers leave a column untouched;
// the Clear* flags null a column out (used when resetting a chunk for retry).
type Transition struct {
	JobRef         *string
	ResultLocation *string
	ErrorMessage   *string
	RetryCount     *int
	CompletedAt    *time.Time
	ClearJobRef    bool
	ClearError     bool
	ClearCompleted bool
}

// StatusCount is one cell of the chunk status breakdown used by the metrics
// collector.
type StatusCount struct {
	SpaceType types.SpaceType
	Status    types.ChunkStatus
	Count     int64
}

// Store is the durable state shared by the planner, the schedulers, the
// timeout monitor, and the executor. It is the only mutable shared resource
// in the system: every status change goes through TransitionChunk, a
// compare-and-swap guarded by the row's expected current status, so that
// racing loops resolve to exactly one winner and silent no-ops.
type Store interface {
	// Chunks
	InsertChunkIfAbsent(ctx context.Context, rec *types.ChunkRecord) (bool, error)
	GetChunk(ctx context.Context, chunkID int64) (*types.ChunkRecord, error)
	FindChunk(ctx context.Context, win types.ChunkWindow) (*types.ChunkRecord, error)
	PendingSourceChunks(ctx context.Context, limit int) ([]*types.ChunkRecord, error)
	PendingDerivedChunksAfter(ctx context.Context, afterChunkID int64, limit int) ([]*types.ChunkRecord, error)
	TimedOutChunks(ctx context.Context, now time.Time) ([]*types.ChunkRecord, error)
	SiblingChunks(ctx context.Context, spaceIDs []int64, intervalSeconds int64, chunkStart, chunkEnd time.Time) ([]*types.ChunkRecord, error)
	ChunksForSpace(ctx context.Context, spaceID, intervalSeconds int64, rangeStart, rangeEnd time.Time) ([]*types.ChunkRecord, error)
	SetChunkTimeout(ctx context.Context, chunkID, timeoutSeconds int64) error
	TransitionChunk(ctx context.Context, chunkID int64, expected, next types.ChunkStatus, tr Transition) (bool, error)
	ResetFailedChunks(ctx context.Context, intervalSeconds int64, rangeStart, rangeEnd time.Time) (int64, error)
	AvgCompletionSeconds(ctx context.Context, spaceType types.SpaceType, intervalSeconds int64, since time.Time) (float64, bool, error)
	ChunkStatusCounts(ctx context.Context) ([]StatusCount, error)

	// Datasets
	CreateDataset(ctx context.Context, ds *types.Dataset) error
	GetDataset(ctx context.Context, datasetID int64) (*types.Dataset, error)
	ListDatasets(ctx context.Context) ([]*types.Dataset, error)
	DatasetsByStatus(ctx context.Context, status types.DatasetStatus) ([]*types.Dataset, error)
	UpdateDatasetStatus(ctx context.Context, datasetID int64, status types.DatasetStatus, errorMessage string) error

	// Utility
	Close() error
}
