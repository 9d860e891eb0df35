package hierarchy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/occusoft/occuplan/pkg/types"
)

// Source is the read-only view of the external space tree and its raw
// presence data coverage.
type Source interface {
	// SpaceEdges returns every (space, parent) edge. A parent of 0 marks a
	// top-level space.
	SpaceEdges(ctx context.Context) ([]types.SpaceEdge, error)
	// DataRanges returns, for each of the given spaces that has any raw
	// session data, the [min, max] time range that data covers. Spaces with
	// no data are absent from the result.
	DataRanges(ctx context.Context, spaceIDs []int64) ([]types.SpaceDataRange, error)
}

// SessionSource yields the raw presence sessions for one space, used by the
// source-chunk computation.
type SessionSource interface {
	Sessions(ctx context.Context, spaceID int64, start, end time.Time) ([]types.Session, error)
}

// Resolution is the classified subtree under one root for one time range.
// Spaces that are neither SOURCE nor an ancestor of a SOURCE are excluded
// entirely.
type Resolution struct {
	Root     int64
	Parents  map[int64]int64   // space -> parent, 0 for the root
	Children map[int64][]int64 // adjacency within the subtree, sorted
	Depths   map[int64]int     // root is depth 0

	// Sources are spaces with raw session data overlapping the range,
	// sorted by space id.
	Sources []int64
	// Derived are strict ancestors of at least one source, deepest first
	// (ties broken by space id).
	Derived []int64
}

// Contains reports whether the space survived classification.
func (r *Resolution) Contains(spaceID int64) bool {
	_, ok := r.Depths[spaceID]
	return ok
}

// Resolver walks the space tree iteratively over an adjacency map, so depth
// is bounded only by memory, not by the stack.
type Resolver struct {
	src Source
}

func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve classifies the subtree under root against the half-open range
// [start, end). A root with no session data anywhere in its subtree yields a
// Resolution with empty Sources and Derived, which callers treat as a valid
// zero-chunk outcome rather than an error.
func (r *Resolver) Resolve(ctx context.Context, root int64, start, end time.Time) (*Resolution, error) {
	edges, err := r.src.SpaceEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("load space edges: %w", err)
	}

	parents, depths, order := walkSubtree(edges, root)

	ranges, err := r.src.DataRanges(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("load data ranges: %w", err)
	}

	sourceSet := make(map[int64]bool)
	for _, dr := range ranges {
		if _, inTree := depths[dr.SpaceID]; !inTree {
			continue
		}
		if dr.MinTime.Before(end) && dr.MaxTime.After(start) {
			sourceSet[dr.SpaceID] = true
		}
	}

	// Every strict ancestor of a source, up to and including the root, is
	// derived. A source that also has source descendants stays a source.
	derivedSet := make(map[int64]bool)
	for id := range sourceSet {
		for p := parents[id]; p != 0; p = parents[p] {
			if !sourceSet[p] {
				derivedSet[p] = true
			}
			if p == root {
				break
			}
		}
	}

	res := &Resolution{
		Root:     root,
		Parents:  make(map[int64]int64),
		Children: make(map[int64][]int64),
		Depths:   make(map[int64]int),
	}
	for id := range depths {
		if !sourceSet[id] && !derivedSet[id] {
			continue
		}
		res.Parents[id] = parents[id]
		res.Depths[id] = depths[id]
	}
	for id := range res.Depths {
		if p, ok := res.Parents[id]; ok && p != 0 {
			res.Children[p] = append(res.Children[p], id)
		}
	}
	for _, kids := range res.Children {
		sort.Slice(kids, func(i, j int) bool { return kids[i] < kids[j] })
	}

	for id := range sourceSet {
		res.Sources = append(res.Sources, id)
	}
	sort.Slice(res.Sources, func(i, j int) bool { return res.Sources[i] < res.Sources[j] })

	for id := range derivedSet {
		res.Derived = append(res.Derived, id)
	}
	sort.Slice(res.Derived, func(i, j int) bool {
		di, dj := res.Depths[res.Derived[i]], res.Depths[res.Derived[j]]
		if di != dj {
			return di > dj
		}
		return res.Derived[i] < res.Derived[j]
	})

	return res, nil
}

// walkSubtree runs a BFS from root over the edge list. The visited check
// guards against malformed cycles in the external tree.
func walkSubtree(edges []types.SpaceEdge, root int64) (parents map[int64]int64, depths map[int64]int, order []int64) {
	children := make(map[int64][]int64)
	for _, e := range edges {
		if e.ParentSpaceID != 0 {
			children[e.ParentSpaceID] = append(children[e.ParentSpaceID], e.SpaceID)
		}
	}

	parents = map[int64]int64{root: 0}
	depths = map[int64]int{root: 0}
	order = []int64{root}
	for i := 0; i < len(order); i++ {
		p := order[i]
		for _, c := range children[p] {
			if _, seen := depths[c]; seen {
				continue
			}
			parents[c] = p
			depths[c] = depths[p] + 1
			order = append(order, c)
		}
	}
	return parents, depths, order
}

// SessionBounds returns the earliest and latest session timestamps observed
// anywhere in the subtree under root. found is false when no space under
// the root carries any session data.
func (r *Resolver) SessionBounds(ctx context.Context, root int64) (min, max time.Time, found bool, err error) {
	edges, err := r.src.SpaceEdges(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("load space edges: %w", err)
	}
	_, depths, order := walkSubtree(edges, root)

	ranges, err := r.src.DataRanges(ctx, order)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("load data ranges: %w", err)
	}
	for _, dr := range ranges {
		if _, inTree := depths[dr.SpaceID]; !inTree {
			continue
		}
		if !found || dr.MinTime.Before(min) {
			min = dr.MinTime
		}
		if !found || dr.MaxTime.After(max) {
			max = dr.MaxTime
		}
		found = true
	}
	return min, max, found, nil
}

// ChildSpaces returns the immediate children of one space from the full
// tree, independent of any dataset range. The dependency scheduler calls
// this once per tick per distinct parent.
func ChildSpaces(edges []types.SpaceEdge, spaceID int64) []int64 {
	var kids []int64
	for _, e := range edges {
		if e.ParentSpaceID == spaceID {
			kids = append(kids, e.SpaceID)
		}
	}
	sort.Slice(kids, func(i, j int) bool { return kids[i] < kids[j] })
	return kids
}
