package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occusoft/occuplan/pkg/storage"
	"github.com/occusoft/occuplan/pkg/types"
)

type fakeEngine struct {
	result  string
	err     error
	block   chan struct{} // when non-nil, Run waits on it or ctx
	started chan int64
}

func (f *fakeEngine) Run(ctx context.Context, rec *types.ChunkRecord) (string, error) {
	if f.started != nil {
		f.started <- rec.ChunkID
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.result, f.err
}

func newPendingChunk(t *testing.T, s storage.Store, day int) *types.ChunkRecord {
	t.Helper()
	start := time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC)
	rec := &types.ChunkRecord{
		Window: types.ChunkWindow{
			SpaceID:         1,
			IntervalSeconds: 3600,
			ChunkStart:      start,
			ChunkEnd:        start.Add(24 * time.Hour),
		},
		SpaceType: types.SpaceTypeSource,
		Status:    types.ChunkStatusPending,
	}
	created, err := s.InsertChunkIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, created)
	return rec
}

func newRunningChunk(t *testing.T, s storage.Store, day int) *types.ChunkRecord {
	t.Helper()
	rec := newPendingChunk(t, s, day)
	ok, err := s.TransitionChunk(context.Background(), rec.ChunkID,
		types.ChunkStatusPending, types.ChunkStatusRunning, storage.Transition{})
	require.NoError(t, err)
	require.True(t, ok)
	return rec
}

func waitForStatus(t *testing.T, s storage.Store, chunkID int64, want types.ChunkStatus) *types.ChunkRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := s.GetChunk(context.Background(), chunkID)
		require.NoError(t, err)
		if rec.Status == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("chunk %d never reached status %s", chunkID, want)
	return nil
}

func TestLocalCompletesChunk(t *testing.T) {
	s, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	l := NewLocal(s, &fakeEngine{result: "blob://results/1"}, LocalConfig{Workers: 1})
	defer l.Stop()

	rec := newRunningChunk(t, s, 1)
	ref, err := l.Submit(context.Background(), Job{
		Type:           JobTypeSource,
		ChunkID:        rec.ChunkID,
		IdempotencyKey: fmt.Sprintf("%d-0", rec.ChunkID),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	got := waitForStatus(t, s, rec.ChunkID, types.ChunkStatusCompleted)
	assert.Equal(t, "blob://results/1", got.ResultLocation)
	assert.False(t, got.CompletedAt.IsZero())
}

// The schedulers hand a job to the executor before claiming the chunk, so a
// fast job can finish while the row is still PENDING. The outcome must land
// once the claim does instead of being dropped.
func TestLocalWaitsForClaimOnFastJob(t *testing.T) {
	s, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	l := NewLocal(s, &fakeEngine{result: "blob://results/fast"}, LocalConfig{Workers: 1})
	defer l.Stop()

	rec := newPendingChunk(t, s, 8)
	ref, err := l.Submit(context.Background(), Job{
		Type:           JobTypeSource,
		ChunkID:        rec.ChunkID,
		IdempotencyKey: fmt.Sprintf("%d-0", rec.ChunkID),
	})
	require.NoError(t, err)

	// Let the job finish against the still-pending row, then claim it the
	// way the submission scheduler would.
	time.Sleep(100 * time.Millisecond)
	ok, err := s.TransitionChunk(context.Background(), rec.ChunkID,
		types.ChunkStatusPending, types.ChunkStatusRunning,
		storage.Transition{JobRef: &ref})
	require.NoError(t, err)
	require.True(t, ok)

	got := waitForStatus(t, s, rec.ChunkID, types.ChunkStatusCompleted)
	assert.Equal(t, "blob://results/fast", got.ResultLocation)
	assert.False(t, got.CompletedAt.IsZero())
}

// A chunk the timeout monitor reset while the job was unclaimed belongs to
// the next attempt; the stale outcome is dropped.
func TestLocalDropsOutcomeAfterRetryReset(t *testing.T) {
	s, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	engine := &fakeEngine{result: "blob://results/stale", block: make(chan struct{}), started: make(chan int64, 1)}
	l := NewLocal(s, engine, LocalConfig{Workers: 1})
	defer l.Stop()

	rec := newPendingChunk(t, s, 9)
	_, err = l.Submit(context.Background(), Job{
		Type:           JobTypeSource,
		ChunkID:        rec.ChunkID,
		IdempotencyKey: fmt.Sprintf("%d-0", rec.ChunkID),
	})
	require.NoError(t, err)
	<-engine.started

	// The monitor's reset bumps the retry count while the row is PENDING.
	retries := 1
	ok, err := s.TransitionChunk(context.Background(), rec.ChunkID,
		types.ChunkStatusPending, types.ChunkStatusPending,
		storage.Transition{RetryCount: &retries})
	require.NoError(t, err)
	require.True(t, ok)

	close(engine.block)

	// The stale outcome never lands; the row stays claimable for the retry.
	time.Sleep(200 * time.Millisecond)
	got, err := s.GetChunk(context.Background(), rec.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusPending, got.Status)
	assert.Empty(t, got.ResultLocation)
}

func TestLocalRecordsFailure(t *testing.T) {
	s, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	l := NewLocal(s, &fakeEngine{err: errors.New("bad sessions")}, LocalConfig{Workers: 1})
	defer l.Stop()

	rec := newRunningChunk(t, s, 2)
	_, err = l.Submit(context.Background(), Job{
		Type:           JobTypeSource,
		ChunkID:        rec.ChunkID,
		IdempotencyKey: fmt.Sprintf("%d-0", rec.ChunkID),
	})
	require.NoError(t, err)

	got := waitForStatus(t, s, rec.ChunkID, types.ChunkStatusFailed)
	assert.Equal(t, "bad sessions", got.ErrorMessage)
}

func TestLocalDeduplicatesByIdempotencyKey(t *testing.T) {
	s, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	engine := &fakeEngine{block: make(chan struct{}), started: make(chan int64, 1)}
	l := NewLocal(s, engine, LocalConfig{Workers: 1})
	defer l.Stop()

	rec := newRunningChunk(t, s, 3)
	key := fmt.Sprintf("%d-0", rec.ChunkID)

	ref1, err := l.Submit(context.Background(), Job{Type: JobTypeSource, ChunkID: rec.ChunkID, IdempotencyKey: key})
	require.NoError(t, err)
	<-engine.started

	ref2, err := l.Submit(context.Background(), Job{Type: JobTypeSource, ChunkID: rec.ChunkID, IdempotencyKey: key})
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2, "same key while in flight returns the same job ref")

	// A retry carries a new key and gets a new job.
	ref3, err := l.Submit(context.Background(), Job{Type: JobTypeSource, ChunkID: rec.ChunkID, IdempotencyKey: fmt.Sprintf("%d-1", rec.ChunkID)})
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref3)

	close(engine.block)
}

func TestLocalTerminateCancelsRun(t *testing.T) {
	s, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	engine := &fakeEngine{block: make(chan struct{}), started: make(chan int64, 1)}
	l := NewLocal(s, engine, LocalConfig{Workers: 1})
	defer l.Stop()

	rec := newRunningChunk(t, s, 4)
	ref, err := l.Submit(context.Background(), Job{
		Type:           JobTypeSource,
		ChunkID:        rec.ChunkID,
		IdempotencyKey: fmt.Sprintf("%d-0", rec.ChunkID),
	})
	require.NoError(t, err)
	<-engine.started

	assert.True(t, l.Terminate(context.Background(), ref))
	waitForStatus(t, s, rec.ChunkID, types.ChunkStatusFailed)

	assert.False(t, l.Terminate(context.Background(), "no-such-ref"))
}

func TestLocalQueueFullRejectsSubmit(t *testing.T) {
	s, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	engine := &fakeEngine{block: make(chan struct{}), started: make(chan int64, 1)}
	l := NewLocal(s, engine, LocalConfig{Workers: 1, QueueSize: 1})
	defer l.Stop()

	first := newRunningChunk(t, s, 5)
	_, err = l.Submit(context.Background(), Job{Type: JobTypeSource, ChunkID: first.ChunkID, IdempotencyKey: "a-0"})
	require.NoError(t, err)
	<-engine.started

	second := newRunningChunk(t, s, 6)
	_, err = l.Submit(context.Background(), Job{Type: JobTypeSource, ChunkID: second.ChunkID, IdempotencyKey: "b-0"})
	require.NoError(t, err)

	third := newRunningChunk(t, s, 7)
	_, err = l.Submit(context.Background(), Job{Type: JobTypeSource, ChunkID: third.ChunkID, IdempotencyKey: "c-0"})
	assert.Error(t, err, "worker busy and queue full")

	close(engine.block)
}
