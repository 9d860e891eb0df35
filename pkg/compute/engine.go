package compute

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"

	"github.com/occusoft/occuplan/pkg/hierarchy"
	"github.com/occusoft/occuplan/pkg/log"
	"github.com/occusoft/occuplan/pkg/storage"
	"github.com/occusoft/occuplan/pkg/types"
)

// Engine materializes chunk results: session binning for source chunks,
// child summation for derived chunks. It satisfies the local executor's
// engine contract.
type Engine struct {
	bucket   *blob.Bucket
	sessions hierarchy.SessionSource
	hier     hierarchy.Source
	store    storage.Store
	logger   zerolog.Logger
}

func NewEngine(bucket *blob.Bucket, sessions hierarchy.SessionSource, hier hierarchy.Source, store storage.Store) *Engine {
	return &Engine{
		bucket:   bucket,
		sessions: sessions,
		hier:     hier,
		store:    store,
		logger:   log.WithComponent("compute"),
	}
}

// Run computes and materializes one chunk, returning the result location.
func (e *Engine) Run(ctx context.Context, rec *types.ChunkRecord) (string, error) {
	switch rec.SpaceType {
	case types.SpaceTypeSource:
		return e.runSource(ctx, rec)
	case types.SpaceTypeDerived:
		return e.runDerived(ctx, rec)
	default:
		return "", fmt.Errorf("unknown space type %q for chunk %d", rec.SpaceType, rec.ChunkID)
	}
}

// runSource counts sessions overlapping each interval bin of the window.
func (e *Engine) runSource(ctx context.Context, rec *types.ChunkRecord) (string, error) {
	win := rec.Window
	sessions, err := e.sessions.Sessions(ctx, win.SpaceID, win.ChunkStart, win.ChunkEnd)
	if err != nil {
		return "", fmt.Errorf("load sessions for space %d: %w", win.SpaceID, err)
	}

	bins := emptyBins(win)
	for _, sess := range sessions {
		ss, se := sess.StartTime.Unix(), sess.EndTime.Unix()
		for i := range bins {
			if ss < bins[i].BinEnd && se > bins[i].BinStart {
				bins[i].Count++
			}
		}
	}

	key := ResultKey(win)
	if err := WriteBins(ctx, e.bucket, key, bins); err != nil {
		return "", err
	}
	e.logger.Debug().
		Int64("chunk_id", rec.ChunkID).
		Int("sessions", len(sessions)).
		Int("bins", len(bins)).
		Msg("Source chunk materialized")
	return key, nil
}

// runDerived sums the already-materialized results of the space's children
// for the same window. Children with no chunk record contribute zero.
func (e *Engine) runDerived(ctx context.Context, rec *types.ChunkRecord) (string, error) {
	win := rec.Window
	edges, err := e.hier.SpaceEdges(ctx)
	if err != nil {
		return "", fmt.Errorf("load space edges: %w", err)
	}
	children := hierarchy.ChildSpaces(edges, win.SpaceID)
	if len(children) == 0 {
		return "", fmt.Errorf("derived space %d has no children", win.SpaceID)
	}

	siblings, err := e.store.SiblingChunks(ctx, children, win.IntervalSeconds, win.ChunkStart, win.ChunkEnd)
	if err != nil {
		return "", fmt.Errorf("load child chunks: %w", err)
	}

	total := emptyBins(win)
	for _, child := range siblings {
		if child.Status != types.ChunkStatusCompleted {
			return "", fmt.Errorf("child chunk %d for space %d is %s, not completed",
				child.ChunkID, child.Window.SpaceID, child.Status)
		}
		childBins, err := ReadBins(ctx, e.bucket, child.ResultLocation)
		if err != nil {
			return "", err
		}
		byStart := make(map[int64]int64, len(childBins))
		for _, b := range childBins {
			byStart[b.BinStart] += b.Count
		}
		for i := range total {
			total[i].Count += byStart[total[i].BinStart]
		}
	}

	key := ResultKey(win)
	if err := WriteBins(ctx, e.bucket, key, total); err != nil {
		return "", err
	}
	e.logger.Debug().
		Int64("chunk_id", rec.ChunkID).
		Int("children", len(siblings)).
		Msg("Derived chunk materialized")
	return key, nil
}
