// Package store persists job results by tracking id in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("record not found")

// Fixed width so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const (
	StatusQueued    = "queued"
	StatusCompleted = "completed"
)

// Record is the persisted state of one tracking id. Result holds the JSON
// response body once the job or batch has finished.
type Record struct {
	TrackingID string    `json:"tracking_id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type SQLite struct {
	db *sql.DB
}

// Open creates the database file and its directory if needed.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS results (
			tracking_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_results_updated ON results(updated_at);
		`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Save inserts rec or updates the existing row for its tracking id, keeping
// the original creation time. A completed row is never reset to queued, so a
// late gateway write cannot hide a finished result.
func (s *SQLite) Save(ctx context.Context, rec Record) error {
	if rec.TrackingID == "" {
		return errors.New("tracking id is required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (tracking_id, kind, status, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tracking_id) DO UPDATE SET
			kind = excluded.kind,
			status = excluded.status,
			result = excluded.result,
			updated_at = excluded.updated_at
		WHERE results.status != 'completed' OR excluded.status = 'completed'`,
		rec.TrackingID,
		rec.Kind,
		rec.Status,
		rec.Result,
		now.Format(timeFormat),
		now.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to save result %s: %w", rec.TrackingID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, trackingID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tracking_id, kind, status, result, created_at, updated_at
		FROM results WHERE tracking_id = ?`, trackingID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get result %s: %w", trackingID, err)
	}
	return rec, nil
}

// List returns the most recently updated records first.
func (s *SQLite) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tracking_id, kind, status, result, created_at, updated_at
		FROM results ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var rec Record
	var created, updated string
	if err := sc.Scan(&rec.TrackingID, &rec.Kind, &rec.Status, &rec.Result, &created, &updated); err != nil {
		return Record{}, err
	}
	rec.CreatedAt, _ = time.Parse(timeFormat, created)
	rec.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return rec, nil
}
