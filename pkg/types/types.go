package types

import (
	"time"
)

// SpaceType classifies how a space's occupancy is produced.
type SpaceType string

const (
	// SpaceTypeSource marks spaces with raw presence sessions directly available.
	SpaceTypeSource SpaceType = "source"

	// SpaceTypeDerived marks spaces whose occupancy is the sum of their
	// children's occupancy for the same window.
	SpaceTypeDerived SpaceType = "derived"
)

// ChunkStatus represents the lifecycle state of a chunk.
type ChunkStatus string

const (
	ChunkStatusPending   ChunkStatus = "PENDING"
	ChunkStatusRunning   ChunkStatus = "RUNNING"
	ChunkStatusCompleted ChunkStatus = "COMPLETED"
	ChunkStatusFailed    ChunkStatus = "FAILED"
)

// Terminal reports whether a chunk in this status accepts further transitions.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkStatusCompleted || s == ChunkStatusFailed
}

// ChunkWindow identifies one unit of schedulable work: a specific space over
// a specific epoch-aligned time window at a specific bin granularity.
// The four fields together form the natural key of a chunk.
type ChunkWindow struct {
	SpaceID         int64     `json:"space_id"`
	IntervalSeconds int64     `json:"interval_seconds"`
	ChunkStart      time.Time `json:"chunk_start"`
	ChunkEnd        time.Time `json:"chunk_end"`
}

// Equal reports whether two windows identify the same chunk.
func (w ChunkWindow) Equal(o ChunkWindow) bool {
	return w.SpaceID == o.SpaceID &&
		w.IntervalSeconds == o.IntervalSeconds &&
		w.ChunkStart.Equal(o.ChunkStart) &&
		w.ChunkEnd.Equal(o.ChunkEnd)
}

// ChunkRecord is the durable state of one chunk. Rows are created once by the
// planner and mutated only through status-guarded transitions on the store.
type ChunkRecord struct {
	ChunkID        int64       `json:"chunk_id"`
	Window         ChunkWindow `json:"window"`
	SpaceType      SpaceType   `json:"space_type"`
	Status         ChunkStatus `json:"status"`
	ResultLocation string      `json:"result_location,omitempty"` // set only on COMPLETED
	JobRef         string      `json:"job_ref,omitempty"`         // opaque executor job identifier, set on submission
	ErrorMessage   string      `json:"error_message,omitempty"`   // set only on FAILED
	RetryCount     int         `json:"retry_count"`
	TimeoutSeconds int64       `json:"timeout_seconds,omitempty"` // 0 = not yet submitted
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    time.Time   `json:"completed_at,omitzero"` // zero until terminal
}

// DatasetStatus represents the lifecycle state of a dataset.
type DatasetStatus string

const (
	DatasetStatusInitializing DatasetStatus = "INITIALIZING"
	DatasetStatusRunning      DatasetStatus = "RUNNING"
	DatasetStatusCompleted    DatasetStatus = "COMPLETED"
	DatasetStatusFailed       DatasetStatus = "FAILED"
)

// Dataset is a user-requested occupancy computation: a root space over a time
// range at a fixed bin granularity. Datasets never mutate chunk rows directly;
// their status is derived from the chunk records covering their windows.
type Dataset struct {
	DatasetID        int64         `json:"dataset_id"`
	Name             string        `json:"name"`
	Description      string        `json:"description,omitempty"`
	RootSpaceID      int64         `json:"root_space_id"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	IntervalSeconds  int64         `json:"interval_seconds"`
	ChunkSpanSeconds int64         `json:"chunk_span_seconds"` // window length used for chunking (default 1 day)
	Status           DatasetStatus `json:"status"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      time.Time     `json:"completed_at,omitzero"`
}

// SpaceEdge is one parent link in the external space hierarchy.
// ParentSpaceID is zero for spaces without a parent.
type SpaceEdge struct {
	SpaceID       int64
	ParentSpaceID int64
}

// SpaceDataRange reports the extent of raw session data available for a space
// within a queried time range.
type SpaceDataRange struct {
	SpaceID int64
	MinTime time.Time
	MaxTime time.Time
}

// Session is one raw presence session observed in a space.
type Session struct {
	SpaceID   int64
	StartTime time.Time
	EndTime   time.Time
}
