package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/occusoft/occuplan/pkg/types"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id         INTEGER PRIMARY KEY AUTOINCREMENT,
	space_id         INTEGER NOT NULL,
	interval_seconds INTEGER NOT NULL,
	chunk_start      INTEGER NOT NULL,
	chunk_end        INTEGER NOT NULL,
	space_type       TEXT NOT NULL,
	status           TEXT NOT NULL,
	result_location  TEXT,
	job_ref          TEXT,
	error_message    TEXT,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	timeout_seconds  INTEGER,
	created_at       INTEGER NOT NULL,
	completed_at     INTEGER,
	UNIQUE (space_id, interval_seconds, chunk_start, chunk_end)
);
CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks (space_type, status);
CREATE INDEX IF NOT EXISTS idx_chunks_space_window ON chunks (space_id, interval_seconds, chunk_start);

CREATE TABLE IF NOT EXISTS datasets (
	dataset_id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT NOT NULL,
	description        TEXT,
	root_space_id      INTEGER NOT NULL,
	start_time         INTEGER NOT NULL,
	end_time           INTEGER NOT NULL,
	interval_seconds   INTEGER NOT NULL,
	chunk_span_seconds INTEGER NOT NULL,
	status             TEXT NOT NULL,
	error_message      TEXT,
	created_at         INTEGER NOT NULL,
	completed_at       INTEGER
);
`

const chunkColumns = `chunk_id, space_id, interval_seconds, chunk_start, chunk_end,
	space_type, status, result_location, job_ref, error_message,
	retry_count, timeout_seconds, created_at, completed_at`

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the state database at path.
// ":memory:" opens a private in-memory database, used by tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state db path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: SQLite serializes writers anyway, and a single
	// conn makes the CAS update + RowsAffected check race-free in-process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertChunkIfAbsent inserts a chunk row under its natural key, skipping
// (never overwriting) an existing row. Returns true when a row was created;
// on insert the record's ChunkID and CreatedAt are filled in.
func (s *SQLiteStore) InsertChunkIfAbsent(ctx context.Context, rec *types.ChunkRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (space_id, interval_seconds, chunk_start, chunk_end,
			space_type, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (space_id, interval_seconds, chunk_start, chunk_end) DO NOTHING`,
		rec.Window.SpaceID, rec.Window.IntervalSeconds,
		rec.Window.ChunkStart.Unix(), rec.Window.ChunkEnd.Unix(),
		string(rec.SpaceType), string(rec.Status), rec.CreatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("insert chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	rec.ChunkID = id
	return true, nil
}

func (s *SQLiteStore) GetChunk(ctx context.Context, chunkID int64) (*types.ChunkRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE chunk_id = ?`, chunkID)
	return scanChunk(row)
}

func (s *SQLiteStore) FindChunk(ctx context.Context, win types.ChunkWindow) (*types.ChunkRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE space_id = ? AND interval_seconds = ? AND chunk_start = ? AND chunk_end = ?`,
		win.SpaceID, win.IntervalSeconds, win.ChunkStart.Unix(), win.ChunkEnd.Unix())
	return scanChunk(row)
}

// PendingSourceChunks returns up to limit PENDING source chunks, oldest first.
func (s *SQLiteStore) PendingSourceChunks(ctx context.Context, limit int) ([]*types.ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE space_type = ? AND status = ?
		ORDER BY created_at ASC, chunk_id ASC
		LIMIT ?`,
		string(types.SpaceTypeSource), string(types.ChunkStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending source chunks: %w", err)
	}
	return scanChunks(rows)
}

// PendingDerivedChunksAfter returns up to limit PENDING derived chunks with
// chunk_id greater than afterChunkID, in chunk_id order. This is the query
// behind the dependency scheduler's resumable cursor.
func (s *SQLiteStore) PendingDerivedChunksAfter(ctx context.Context, afterChunkID int64, limit int) ([]*types.ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE space_type = ? AND status = ? AND chunk_id > ?
		ORDER BY chunk_id ASC
		LIMIT ?`,
		string(types.SpaceTypeDerived), string(types.ChunkStatusPending), afterChunkID, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending derived chunks: %w", err)
	}
	return scanChunks(rows)
}

// TimedOutChunks returns RUNNING chunks whose submission deadline has passed.
func (s *SQLiteStore) TimedOutChunks(ctx context.Context, now time.Time) ([]*types.ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE status = ?
		  AND timeout_seconds IS NOT NULL
		  AND (? - created_at) > timeout_seconds
		ORDER BY chunk_id ASC`,
		string(types.ChunkStatusRunning), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query timed out chunks: %w", err)
	}
	return scanChunks(rows)
}

// SiblingChunks returns the chunk rows for the given spaces at one exact
// window. Spaces without a row for the window are simply absent from the
// result; the dependency scheduler treats them as vacuously satisfied.
func (s *SQLiteStore) SiblingChunks(ctx context.Context, spaceIDs []int64, intervalSeconds int64, chunkStart, chunkEnd time.Time) ([]*types.ChunkRecord, error) {
	if len(spaceIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(spaceIDs)), ",")
	args := make([]any, 0, len(spaceIDs)+3)
	for _, id := range spaceIDs {
		args = append(args, id)
	}
	args = append(args, intervalSeconds, chunkStart.Unix(), chunkEnd.Unix())

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE space_id IN (`+placeholders+`)
		  AND interval_seconds = ? AND chunk_start = ? AND chunk_end = ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query sibling chunks: %w", err)
	}
	return scanChunks(rows)
}

// ChunksForSpace returns the chunk rows for one space whose windows overlap
// [rangeStart, rangeEnd), ordered by window start. Used for dataset status.
func (s *SQLiteStore) ChunksForSpace(ctx context.Context, spaceID, intervalSeconds int64, rangeStart, rangeEnd time.Time) ([]*types.ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE space_id = ? AND interval_seconds = ?
		  AND chunk_start < ? AND chunk_end > ?
		ORDER BY chunk_start ASC`,
		spaceID, intervalSeconds, rangeEnd.Unix(), rangeStart.Unix())
	if err != nil {
		return nil, fmt.Errorf("query chunks for space: %w", err)
	}
	return scanChunks(rows)
}

// SetChunkTimeout persists the estimator-computed deadline before submission.
func (s *SQLiteStore) SetChunkTimeout(ctx context.Context, chunkID, timeoutSeconds int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET timeout_seconds = ? WHERE chunk_id = ?`,
		timeoutSeconds, chunkID)
	if err != nil {
		return fmt.Errorf("set chunk timeout: %w", err)
	}
	return nil
}

// TransitionChunk atomically moves a chunk from expected to next, applying
// the field updates in tr. Returns false without error when the row is no
// longer in the expected status: losing the race is a no-op, not a failure.
func (s *SQLiteStore) TransitionChunk(ctx context.Context, chunkID int64, expected, next types.ChunkStatus, tr Transition) (bool, error) {
	sets := []string{"status = ?"}
	args := []any{string(next)}

	if tr.JobRef != nil {
		sets = append(sets, "job_ref = ?")
		args = append(args, *tr.JobRef)
	} else if tr.ClearJobRef {
		sets = append(sets, "job_ref = NULL")
	}
	if tr.ResultLocation != nil {
		sets = append(sets, "result_location = ?")
		args = append(args, *tr.ResultLocation)
	}
	if tr.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *tr.ErrorMessage)
	} else if tr.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	if tr.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *tr.RetryCount)
	}
	if tr.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, tr.CompletedAt.Unix())
	} else if tr.ClearCompleted {
		sets = append(sets, "completed_at = NULL")
	}

	args = append(args, chunkID, string(expected))
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET `+strings.Join(sets, ", ")+` WHERE chunk_id = ? AND status = ?`,
		args...)
	if err != nil {
		return false, fmt.Errorf("transition chunk %d %s->%s: %w", chunkID, expected, next, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResetFailedChunks puts FAILED chunks at the given interval whose windows
// fall inside [rangeStart, rangeEnd] back to PENDING, clearing error state so
// they re-enter the normal scheduling path. Returns the number of rows reset.
func (s *SQLiteStore) ResetFailedChunks(ctx context.Context, intervalSeconds int64, rangeStart, rangeEnd time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks
		SET status = ?, job_ref = NULL, error_message = NULL,
		    completed_at = NULL, retry_count = 0
		WHERE interval_seconds = ? AND status = ?
		  AND chunk_start < ? AND chunk_end > ?`,
		string(types.ChunkStatusPending), intervalSeconds,
		string(types.ChunkStatusFailed), rangeEnd.Unix(), rangeStart.Unix())
	if err != nil {
		return 0, fmt.Errorf("reset failed chunks: %w", err)
	}
	return res.RowsAffected()
}

// AvgCompletionSeconds returns the mean completion duration of COMPLETED
// chunks of the given type and interval completed at or after since. The
// second return value is false when no history exists.
func (s *SQLiteStore) AvgCompletionSeconds(ctx context.Context, spaceType types.SpaceType, intervalSeconds int64, since time.Time) (float64, bool, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(completed_at - created_at) FROM chunks
		WHERE status = ?
		  AND space_type = ?
		  AND interval_seconds = ?
		  AND completed_at IS NOT NULL
		  AND completed_at >= ?`,
		string(types.ChunkStatusCompleted), string(spaceType),
		intervalSeconds, since.Unix()).Scan(&avg)
	if err != nil {
		return 0, false, fmt.Errorf("query avg completion: %w", err)
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return avg.Float64, true, nil
}

// ChunkStatusCounts returns the chunk count per (space_type, status).
func (s *SQLiteStore) ChunkStatusCounts(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT space_type, status, COUNT(*) FROM chunks GROUP BY space_type, status`)
	if err != nil {
		return nil, fmt.Errorf("query chunk counts: %w", err)
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var c StatusCount
		var st, status string
		if err := rows.Scan(&st, &status, &c.Count); err != nil {
			return nil, err
		}
		c.SpaceType = types.SpaceType(st)
		c.Status = types.ChunkStatus(status)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// Dataset operations

func (s *SQLiteStore) CreateDataset(ctx context.Context, ds *types.Dataset) error {
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
	}
	if ds.Status == "" {
		ds.Status = types.DatasetStatusInitializing
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (name, description, root_space_id, start_time, end_time,
			interval_seconds, chunk_span_seconds, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.Name, ds.Description, ds.RootSpaceID,
		ds.StartTime.Unix(), ds.EndTime.Unix(),
		ds.IntervalSeconds, ds.ChunkSpanSeconds, string(ds.Status), ds.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ds.DatasetID = id
	return nil
}

const datasetColumns = `dataset_id, name, description, root_space_id, start_time, end_time,
	interval_seconds, chunk_span_seconds, status, error_message, created_at, completed_at`

func (s *SQLiteStore) GetDataset(ctx context.Context, datasetID int64) (*types.Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE dataset_id = ?`, datasetID)
	return scanDataset(row)
}

func (s *SQLiteStore) ListDatasets(ctx context.Context) ([]*types.Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets ORDER BY dataset_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return scanDatasets(rows)
}

func (s *SQLiteStore) DatasetsByStatus(ctx context.Context, status types.DatasetStatus) ([]*types.Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE status = ? ORDER BY dataset_id ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("query datasets by status: %w", err)
	}
	return scanDatasets(rows)
}

// UpdateDatasetStatus sets a dataset's status, recording completed_at when
// the status is terminal and the error message when non-empty.
func (s *SQLiteStore) UpdateDatasetStatus(ctx context.Context, datasetID int64, status types.DatasetStatus, errorMessage string) error {
	sets := []string{"status = ?"}
	args := []any{string(status)}
	if errorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, errorMessage)
	} else {
		sets = append(sets, "error_message = NULL")
	}
	if status == types.DatasetStatusCompleted || status == types.DatasetStatusFailed {
		sets = append(sets, "completed_at = ?")
		args = append(args, time.Now().UTC().Unix())
	} else {
		sets = append(sets, "completed_at = NULL")
	}
	args = append(args, datasetID)
	_, err := s.db.ExecContext(ctx,
		`UPDATE datasets SET `+strings.Join(sets, ", ")+` WHERE dataset_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update dataset %d status: %w", datasetID, err)
	}
	return nil
}

// Row scanning helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*types.ChunkRecord, error) {
	var (
		rec                 types.ChunkRecord
		startSec, endSec    int64
		createdSec          int64
		spaceType, status   string
		resultLoc, jobRef   sql.NullString
		errMsg              sql.NullString
		timeoutSec, doneSec sql.NullInt64
	)
	err := row.Scan(&rec.ChunkID, &rec.Window.SpaceID, &rec.Window.IntervalSeconds,
		&startSec, &endSec, &spaceType, &status, &resultLoc, &jobRef, &errMsg,
		&rec.RetryCount, &timeoutSec, &createdSec, &doneSec)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	rec.Window.ChunkStart = time.Unix(startSec, 0).UTC()
	rec.Window.ChunkEnd = time.Unix(endSec, 0).UTC()
	rec.SpaceType = types.SpaceType(spaceType)
	rec.Status = types.ChunkStatus(status)
	rec.ResultLocation = resultLoc.String
	rec.JobRef = jobRef.String
	rec.ErrorMessage = errMsg.String
	if timeoutSec.Valid {
		rec.TimeoutSeconds = timeoutSec.Int64
	}
	rec.CreatedAt = time.Unix(createdSec, 0).UTC()
	if doneSec.Valid {
		rec.CompletedAt = time.Unix(doneSec.Int64, 0).UTC()
	}
	return &rec, nil
}

func scanChunks(rows *sql.Rows) ([]*types.ChunkRecord, error) {
	defer rows.Close()
	var out []*types.ChunkRecord
	for rows.Next() {
		rec, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanDataset(row rowScanner) (*types.Dataset, error) {
	var (
		ds                   types.Dataset
		desc, errMsg, status sql.NullString
		startSec, endSec     int64
		createdSec           int64
		doneSec              sql.NullInt64
	)
	err := row.Scan(&ds.DatasetID, &ds.Name, &desc, &ds.RootSpaceID,
		&startSec, &endSec, &ds.IntervalSeconds, &ds.ChunkSpanSeconds,
		&status, &errMsg, &createdSec, &doneSec)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dataset: %w", err)
	}
	ds.Description = desc.String
	ds.StartTime = time.Unix(startSec, 0).UTC()
	ds.EndTime = time.Unix(endSec, 0).UTC()
	ds.Status = types.DatasetStatus(status.String)
	ds.ErrorMessage = errMsg.String
	ds.CreatedAt = time.Unix(createdSec, 0).UTC()
	if doneSec.Valid {
		ds.CompletedAt = time.Unix(doneSec.Int64, 0).UTC()
	}
	return &ds, nil
}

func scanDatasets(rows *sql.Rows) ([]*types.Dataset, error) {
	defer rows.Close()
	var out []*types.Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}
