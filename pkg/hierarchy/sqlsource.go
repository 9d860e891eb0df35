package hierarchy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/occusoft/occuplan/pkg/types"
	_ "modernc.org/sqlite"
)

// SQLSource reads the space tree and presence sessions from a SQL database.
// Expected tables:
//
//	spaces   (space_id INTEGER PRIMARY KEY, parent_space_id INTEGER, name TEXT)
//	sessions (space_id INTEGER, start_time INTEGER, end_time INTEGER)
//
// Timestamps are unix seconds. A NULL or 0 parent_space_id marks a top-level
// space.
type SQLSource struct {
	db *sql.DB
}

// OpenSQLSource opens the presence database at path with the sqlite driver.
func OpenSQLSource(path string) (*SQLSource, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open presence db: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping presence db: %w", err)
	}
	return &SQLSource{db: db}, nil
}

// NewSQLSource wraps an already-open database handle.
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}

func (s *SQLSource) SpaceEdges(ctx context.Context) ([]types.SpaceEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT space_id, COALESCE(parent_space_id, 0) FROM spaces`)
	if err != nil {
		return nil, fmt.Errorf("query space edges: %w", err)
	}
	defer rows.Close()

	var edges []types.SpaceEdge
	for rows.Next() {
		var e types.SpaceEdge
		if err := rows.Scan(&e.SpaceID, &e.ParentSpaceID); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *SQLSource) DataRanges(ctx context.Context, spaceIDs []int64) ([]types.SpaceDataRange, error) {
	if len(spaceIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(spaceIDs)), ",")
	args := make([]any, len(spaceIDs))
	for i, id := range spaceIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT space_id, MIN(start_time), MAX(end_time)
		FROM sessions
		WHERE space_id IN (`+placeholders+`)
		GROUP BY space_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query data ranges: %w", err)
	}
	defer rows.Close()

	var ranges []types.SpaceDataRange
	for rows.Next() {
		var dr types.SpaceDataRange
		var minSec, maxSec int64
		if err := rows.Scan(&dr.SpaceID, &minSec, &maxSec); err != nil {
			return nil, err
		}
		dr.MinTime = time.Unix(minSec, 0).UTC()
		dr.MaxTime = time.Unix(maxSec, 0).UTC()
		ranges = append(ranges, dr)
	}
	return ranges, rows.Err()
}

// Sessions returns the sessions for spaceID overlapping [start, end),
// ordered by start time.
func (s *SQLSource) Sessions(ctx context.Context, spaceID int64, start, end time.Time) ([]types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT space_id, start_time, end_time
		FROM sessions
		WHERE space_id = ? AND start_time < ? AND end_time > ?
		ORDER BY start_time ASC`,
		spaceID, end.Unix(), start.Unix())
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []types.Session
	for rows.Next() {
		var sess types.Session
		var startSec, endSec int64
		if err := rows.Scan(&sess.SpaceID, &startSec, &endSec); err != nil {
			return nil, err
		}
		sess.StartTime = time.Unix(startSec, 0).UTC()
		sess.EndTime = time.Unix(endSec, 0).UTC()
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
