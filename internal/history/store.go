// Package history keeps a local SQLite index of produced archives so
// operators can find earlier bundles without grepping the filesystem.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// Entry is one recorded collection run.
type Entry struct {
	RunID       string
	Host        string
	Target      string
	ArchivePath string
	SizeBytes   int64
	SHA256      string
	Completed   int
	Skipped     int
	Failed      int
	CreatedAt   time.Time
}

// Store is the SQLite-backed run index.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the index at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if _, err := db.Exec(migrationV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating history database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one run. Re-recording the same run id overwrites the
// previous row.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, host, target, archive_path, size_bytes, sha256,
			completed, skipped, failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			archive_path = excluded.archive_path,
			size_bytes   = excluded.size_bytes,
			sha256       = excluded.sha256,
			completed    = excluded.completed,
			skipped      = excluded.skipped,
			failed       = excluded.failed`,
		e.RunID, e.Host, e.Target, e.ArchivePath, e.SizeBytes, e.SHA256,
		e.Completed, e.Skipped, e.Failed, e.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, host, target, archive_path, size_bytes, sha256,
			completed, skipped, failed, created_at
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.RunID, &e.Host, &e.Target, &e.ArchivePath, &e.SizeBytes,
			&e.SHA256, &e.Completed, &e.Skipped, &e.Failed, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
