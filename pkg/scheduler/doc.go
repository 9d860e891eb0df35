// Package scheduler contains the two polling loops that turn PENDING chunks
// into submitted jobs: Submission for source chunks and Dependency for
// derived chunks gated on their children's completion. The loops share no
// in-memory state; all coordination goes through the chunk store's
// status-guarded transitions, so overlapping ticks resolve to one winner.
package scheduler
