package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occusoft/occuplan/pkg/executor"
	"github.com/occusoft/occuplan/pkg/storage"
	"github.com/occusoft/occuplan/pkg/types"
)

type fakeHierarchy struct {
	edges []types.SpaceEdge
}

func (f *fakeHierarchy) SpaceEdges(ctx context.Context) ([]types.SpaceEdge, error) {
	return f.edges, nil
}

func (f *fakeHierarchy) DataRanges(ctx context.Context, spaceIDs []int64) ([]types.SpaceDataRange, error) {
	return nil, nil
}

func newCursorStore(t *testing.T) *CursorStore {
	t.Helper()
	cs, err := OpenCursorStore(filepath.Join(t.TempDir(), "cursors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

// Root 1 with children 2 and 3.
func treeHierarchy() *fakeHierarchy {
	return &fakeHierarchy{edges: []types.SpaceEdge{
		{SpaceID: 1, ParentSpaceID: 0},
		{SpaceID: 2, ParentSpaceID: 1},
		{SpaceID: 3, ParentSpaceID: 1},
	}}
}

func newDependency(t *testing.T, s storage.Store, exec executor.Executor, hier *fakeHierarchy, cfg DependencyConfig) *Dependency {
	t.Helper()
	return NewDependency(s, &fakeGate{allow: true}, &fakeEstimator{timeout: 900}, exec, hier, newCursorStore(t), cfg)
}

func TestDependencyGatesOnChildCompletion(t *testing.T) {
	s := newStore(t)
	exec := &fakeExecutor{}
	dep := newDependency(t, s, exec, treeHierarchy(), DefaultDependencyConfig())
	ctx := context.Background()

	parent := addChunk(t, s, 1, 1, types.SpaceTypeDerived)
	childA := addChunk(t, s, 2, 1, types.SpaceTypeSource)
	childB := addChunk(t, s, 3, 1, types.SpaceTypeSource)

	// Children still pending: parent stays put.
	dep.Tick(ctx)
	assert.Empty(t, exec.submitted())

	// One child done, one running: still blocked.
	completeChunk(t, s, childA.ChunkID)
	ok, err := s.TransitionChunk(ctx, childB.ChunkID,
		types.ChunkStatusPending, types.ChunkStatusRunning, storage.Transition{})
	require.NoError(t, err)
	require.True(t, ok)
	dep.Tick(ctx)
	assert.Empty(t, exec.submitted())

	// All children completed: parent becomes eligible.
	loc := "blob://b"
	now := time.Now().UTC()
	ok, err = s.TransitionChunk(ctx, childB.ChunkID,
		types.ChunkStatusRunning, types.ChunkStatusCompleted,
		storage.Transition{ResultLocation: &loc, CompletedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	dep.Tick(ctx)
	jobs := exec.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, executor.JobTypeDerived, jobs[0].Type)
	assert.Equal(t, parent.ChunkID, jobs[0].ChunkID)

	got, err := s.GetChunk(ctx, parent.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusRunning, got.Status)
}

func TestDependencyFailedChildBlocks(t *testing.T) {
	s := newStore(t)
	exec := &fakeExecutor{}
	dep := newDependency(t, s, exec, treeHierarchy(), DefaultDependencyConfig())
	ctx := context.Background()

	addChunk(t, s, 1, 1, types.SpaceTypeDerived)
	childA := addChunk(t, s, 2, 1, types.SpaceTypeSource)
	childB := addChunk(t, s, 3, 1, types.SpaceTypeSource)
	completeChunk(t, s, childA.ChunkID)

	msg := "boom"
	ok, err := s.TransitionChunk(ctx, childB.ChunkID,
		types.ChunkStatusPending, types.ChunkStatusRunning, storage.Transition{})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TransitionChunk(ctx, childB.ChunkID,
		types.ChunkStatusRunning, types.ChunkStatusFailed, storage.Transition{ErrorMessage: &msg})
	require.NoError(t, err)
	require.True(t, ok)

	dep.Tick(ctx)
	assert.Empty(t, exec.submitted(), "a failed child blocks the parent")
}

func TestDependencyVacuousChildSatisfaction(t *testing.T) {
	s := newStore(t)
	exec := &fakeExecutor{}
	dep := newDependency(t, s, exec, treeHierarchy(), DefaultDependencyConfig())
	ctx := context.Background()

	// Child 3 has no chunk record at all for the window.
	parent := addChunk(t, s, 1, 1, types.SpaceTypeDerived)
	childA := addChunk(t, s, 2, 1, types.SpaceTypeSource)
	completeChunk(t, s, childA.ChunkID)

	dep.Tick(ctx)
	jobs := exec.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, parent.ChunkID, jobs[0].ChunkID)
}

func TestDependencyDifferentWindowDoesNotSatisfy(t *testing.T) {
	s := newStore(t)
	exec := &fakeExecutor{}
	dep := newDependency(t, s, exec, treeHierarchy(), DefaultDependencyConfig())
	ctx := context.Background()

	addChunk(t, s, 1, 1, types.SpaceTypeDerived)
	// Child has a pending chunk in the parent's window and a completed one
	// in a different window; the pending one blocks.
	addChunk(t, s, 2, 1, types.SpaceTypeSource)
	other := addChunk(t, s, 2, 2, types.SpaceTypeSource)
	completeChunk(t, s, other.ChunkID)

	dep.Tick(ctx)
	assert.Empty(t, exec.submitted())
}

func TestDependencyNoChildrenSkipped(t *testing.T) {
	s := newStore(t)
	exec := &fakeExecutor{}
	dep := newDependency(t, s, exec, &fakeHierarchy{edges: []types.SpaceEdge{{SpaceID: 1, ParentSpaceID: 0}}}, DefaultDependencyConfig())
	ctx := context.Background()

	rec := addChunk(t, s, 1, 1, types.SpaceTypeDerived)
	dep.Tick(ctx)

	assert.Empty(t, exec.submitted())
	got, err := s.GetChunk(ctx, rec.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusPending, got.Status, "planning anomaly stays pending, not failed")
}

func TestDependencyBackpressureSkipsTick(t *testing.T) {
	s := newStore(t)
	exec := &fakeExecutor{}
	dep := NewDependency(s, &fakeGate{allow: false}, &fakeEstimator{timeout: 900}, exec,
		treeHierarchy(), newCursorStore(t), DefaultDependencyConfig())
	ctx := context.Background()

	parent := addChunk(t, s, 1, 1, types.SpaceTypeDerived)
	childA := addChunk(t, s, 2, 1, types.SpaceTypeSource)
	completeChunk(t, s, childA.ChunkID)

	dep.Tick(ctx)
	assert.Empty(t, exec.submitted())
	got, err := s.GetChunk(ctx, parent.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusPending, got.Status)
	assert.Zero(t, got.TimeoutSeconds)
}

func TestDependencyCursorAdvanceAndReset(t *testing.T) {
	s := newStore(t)
	exec := &fakeExecutor{}
	cs := newCursorStore(t)
	// Single-parent tree with many derived chunks across windows; no
	// children exist, so nothing is ever submitted and every candidate
	// stays pending across ticks.
	hier := &fakeHierarchy{edges: []types.SpaceEdge{{SpaceID: 1, ParentSpaceID: 0}}}
	dep := NewDependency(s, &fakeGate{allow: true}, &fakeEstimator{timeout: 900}, exec, hier, cs,
		DependencyConfig{TickInterval: time.Second, BatchSize: 2})
	ctx := context.Background()

	var ids []int64
	for day := 1; day <= 5; day++ {
		rec := addChunk(t, s, 1, day, types.SpaceTypeDerived)
		ids = append(ids, rec.ChunkID)
	}

	// Full batch: cursor advances past the last examined chunk.
	dep.Tick(ctx)
	pos, err := cs.Get(dependencyCursorName)
	require.NoError(t, err)
	assert.Equal(t, ids[1], pos)

	dep.Tick(ctx)
	pos, err = cs.Get(dependencyCursorName)
	require.NoError(t, err)
	assert.Equal(t, ids[3], pos)

	// Partial batch (one candidate left): cursor resets to the start.
	dep.Tick(ctx)
	pos, err = cs.Get(dependencyCursorName)
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestCursorStoreRoundTrip(t *testing.T) {
	cs := newCursorStore(t)

	pos, err := cs.Get("unset")
	require.NoError(t, err)
	assert.Zero(t, pos, "unset cursor reads as the start")

	require.NoError(t, cs.Set("scan", 42))
	pos, err = cs.Get("scan")
	require.NoError(t, err)
	assert.Equal(t, int64(42), pos)

	require.NoError(t, cs.Set("scan", 0))
	pos, err = cs.Get("scan")
	require.NoError(t, err)
	assert.Zero(t, pos)
}
