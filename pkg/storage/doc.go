// Package storage provides the durable chunk and dataset state behind the
// planner, schedulers, and timeout monitor. The SQLite implementation keeps
// two tables: chunks, keyed by an autoincrement chunk_id with a unique
// natural key (space_id, interval_seconds, chunk_start, chunk_end), and
// datasets. All status changes go through a compare-and-swap UPDATE guarded
// by the expected current status.
package storage
