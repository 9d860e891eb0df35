// Package types defines the shared data model for Occuplan: chunk windows,
// chunk records and their status machine, datasets, and the read-only shapes
// returned by the external space/session collaborator.
//
// All cross-component coordination happens through ChunkRecord rows persisted
// in the state store; the types here carry no behavior beyond equality and
// status predicates.
package types
