package dataset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occusoft/occuplan/pkg/storage"
	"github.com/occusoft/occuplan/pkg/types"
)

var (
	dsStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	dsEnd   = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
)

type fakeBounds struct {
	min, max time.Time
	found    bool
	err      error
}

func (f *fakeBounds) SessionBounds(ctx context.Context, rootSpaceID int64) (time.Time, time.Time, bool, error) {
	return f.min, f.max, f.found, f.err
}

func newService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	s, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewService(s, &fakeBounds{min: dsStart, max: dsEnd, found: true}), s
}

func createDataset(t *testing.T, svc *Service) *types.Dataset {
	t.Helper()
	ds, err := svc.Create(context.Background(), CreateRequest{
		Name:            "march",
		RootSpaceID:     1,
		StartTime:       dsStart,
		EndTime:         dsEnd,
		IntervalSeconds: 3600,
	})
	require.NoError(t, err)
	return ds
}

func addRootChunk(t *testing.T, s storage.Store, day int) *types.ChunkRecord {
	t.Helper()
	start := time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC)
	rec := &types.ChunkRecord{
		Window: types.ChunkWindow{
			SpaceID:         1,
			IntervalSeconds: 3600,
			ChunkStart:      start,
			ChunkEnd:        start.Add(24 * time.Hour),
		},
		SpaceType: types.SpaceTypeDerived,
		Status:    types.ChunkStatusPending,
	}
	created, err := s.InsertChunkIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, created)
	return rec
}

func completeChunk(t *testing.T, s storage.Store, chunkID int64) {
	t.Helper()
	ctx := context.Background()
	loc := "blob://x"
	now := time.Now().UTC()
	ok, err := s.TransitionChunk(ctx, chunkID,
		types.ChunkStatusPending, types.ChunkStatusRunning, storage.Transition{})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TransitionChunk(ctx, chunkID,
		types.ChunkStatusRunning, types.ChunkStatusCompleted,
		storage.Transition{ResultLocation: &loc, CompletedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)
}

func failChunk(t *testing.T, s storage.Store, chunkID int64, msg string) {
	t.Helper()
	ctx := context.Background()
	retries := 1
	now := time.Now().UTC()
	ok, err := s.TransitionChunk(ctx, chunkID,
		types.ChunkStatusPending, types.ChunkStatusRunning, storage.Transition{})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TransitionChunk(ctx, chunkID,
		types.ChunkStatusRunning, types.ChunkStatusFailed,
		storage.Transition{ErrorMessage: &msg, RetryCount: &retries, CompletedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	ds := createDataset(t, svc)
	assert.Equal(t, types.DatasetStatusInitializing, ds.Status)
	assert.Equal(t, DefaultChunkSpanSeconds, ds.ChunkSpanSeconds)

	_, err := svc.Create(ctx, CreateRequest{RootSpaceID: 1, StartTime: dsStart, EndTime: dsEnd, IntervalSeconds: 3600})
	assert.Error(t, err, "name is required")

	_, err = svc.Create(ctx, CreateRequest{Name: "x", RootSpaceID: 1, StartTime: dsEnd, EndTime: dsStart, IntervalSeconds: 3600})
	assert.Error(t, err, "range must be non-empty")

	_, err = svc.Create(ctx, CreateRequest{Name: "x", RootSpaceID: 1, StartTime: dsStart, EndTime: dsEnd})
	assert.Error(t, err, "interval is required")

	_, err = svc.Create(ctx, CreateRequest{Name: "x", RootSpaceID: 1, StartTime: dsStart, EndTime: dsEnd, IntervalSeconds: 1234})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval_seconds must be one of")
}

func TestCreateResolvesMissingBounds(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	ds, err := svc.Create(ctx, CreateRequest{
		Name:            "auto",
		RootSpaceID:     1,
		IntervalSeconds: 3600,
	})
	require.NoError(t, err)
	assert.True(t, ds.StartTime.Equal(dsStart), "start fills from the earliest session")
	assert.True(t, ds.EndTime.Equal(dsEnd), "end fills from the latest session")

	// A provided bound is kept; only the missing one is resolved.
	mid := dsStart.Add(24 * time.Hour)
	ds, err = svc.Create(ctx, CreateRequest{
		Name:            "auto-end",
		RootSpaceID:     1,
		StartTime:       mid,
		IntervalSeconds: 3600,
	})
	require.NoError(t, err)
	assert.True(t, ds.StartTime.Equal(mid))
	assert.True(t, ds.EndTime.Equal(dsEnd))
}

func TestCreateNoSessionDataForBounds(t *testing.T) {
	s, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	svc := NewService(s, &fakeBounds{})

	_, err = svc.Create(context.Background(), CreateRequest{
		Name:            "empty",
		RootSpaceID:     7,
		IntervalSeconds: 3600,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Explicit bounds never consult session data.
	_, err = svc.Create(context.Background(), CreateRequest{
		Name:            "explicit",
		RootSpaceID:     7,
		StartTime:       dsStart,
		EndTime:         dsEnd,
		IntervalSeconds: 3600,
	})
	assert.NoError(t, err)
}

func TestGetDerivesCompletion(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	ds := createDataset(t, svc)
	require.NoError(t, s.UpdateDatasetStatus(ctx, ds.DatasetID, types.DatasetStatusRunning, ""))

	a := addRootChunk(t, s, 1)
	b := addRootChunk(t, s, 2)

	got, err := svc.Get(ctx, ds.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, types.DatasetStatusRunning, got.Status, "incomplete chunks keep the dataset running")

	completeChunk(t, s, a.ChunkID)
	got, err = svc.Get(ctx, ds.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, types.DatasetStatusRunning, got.Status)

	completeChunk(t, s, b.ChunkID)
	got, err = svc.Get(ctx, ds.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, types.DatasetStatusCompleted, got.Status)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestGetSurfacesFirstChunkError(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	ds := createDataset(t, svc)
	require.NoError(t, s.UpdateDatasetStatus(ctx, ds.DatasetID, types.DatasetStatusRunning, ""))

	a := addRootChunk(t, s, 1)
	addRootChunk(t, s, 2)
	failChunk(t, s, a.ChunkID, "aggregation exploded")

	got, err := svc.Get(ctx, ds.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, types.DatasetStatusFailed, got.Status)
	assert.Equal(t, "aggregation exploded", got.ErrorMessage)
}

func TestGetInitializingUntouched(t *testing.T) {
	svc, s := newService(t)
	ds := createDataset(t, svc)
	addRootChunk(t, s, 1)

	got, err := svc.Get(context.Background(), ds.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, types.DatasetStatusInitializing, got.Status, "status derivation waits for planning")
}

func TestRetryResetsFailedChunks(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	ds := createDataset(t, svc)
	require.NoError(t, s.UpdateDatasetStatus(ctx, ds.DatasetID, types.DatasetStatusRunning, ""))

	a := addRootChunk(t, s, 1)
	b := addRootChunk(t, s, 2)
	failChunk(t, s, a.ChunkID, "boom")
	completeChunk(t, s, b.ChunkID)

	// Observe the failure first.
	got, err := svc.Get(ctx, ds.DatasetID)
	require.NoError(t, err)
	require.Equal(t, types.DatasetStatusFailed, got.Status)

	n, err := svc.Retry(ctx, ds.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	chunk, err := s.GetChunk(ctx, a.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusPending, chunk.Status)
	assert.Zero(t, chunk.RetryCount, "retry restores the full timeout budget")
	assert.Empty(t, chunk.ErrorMessage)

	chunk, err = s.GetChunk(ctx, b.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusCompleted, chunk.Status, "completed work is untouched")

	got, err = svc.Get(ctx, ds.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, types.DatasetStatusRunning, got.Status)
}

func TestStatusCountsAndResults(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	ds := createDataset(t, svc)
	require.NoError(t, s.UpdateDatasetStatus(ctx, ds.DatasetID, types.DatasetStatusRunning, ""))

	a := addRootChunk(t, s, 1)
	addRootChunk(t, s, 2)
	completeChunk(t, s, a.ChunkID)

	p, err := svc.Status(ctx, ds.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.TotalChunks)
	assert.Equal(t, 1, p.CompletedChunks)
	assert.Equal(t, 1, p.PendingChunks)
	assert.Zero(t, p.FailedChunks)
	require.Len(t, p.Results, 1)
	assert.Equal(t, "blob://x", p.Results[0].ResultLocation)
	assert.True(t, p.Results[0].ChunkStart.Equal(a.Window.ChunkStart))

	_, err = svc.Status(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListRefreshesEachDataset(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	ds := createDataset(t, svc)
	require.NoError(t, s.UpdateDatasetStatus(ctx, ds.DatasetID, types.DatasetStatusRunning, ""))

	a := addRootChunk(t, s, 1)
	completeChunk(t, s, a.ChunkID)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.DatasetStatusCompleted, all[0].Status)
}
