// Package log wraps zerolog with a process-global logger and helpers for the
// structured fields used throughout Occuplan (component, chunk_id, dataset_id,
// space_id). Call Init once at startup, then derive child loggers with the
// With* helpers.
package log
