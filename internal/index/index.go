// Package index maintains the authoritative record of stored uploads: what
// exists, its size and type, and when it was last accessed. It backs both
// the dedup lookup and the expiry sweep.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("upload record not found")

// Record is the metadata row for one stored upload. The id is the salted
// content address; the storage locator is "<id>.<extension>". LastAccessedAt
// is the only field that changes after creation and never moves backwards.
type Record struct {
	ID             string
	MIMEType       string
	Extension      string
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Locator returns the backend locator for the record's payload.
func (r Record) Locator() string {
	return r.ID + "." + r.Extension
}

// Stats summarizes the index for reporting.
type Stats struct {
	Files     int64
	SizeBytes int64
}

// Index is a sqlite-backed upload index. A single writer connection keeps
// sqlite happy under concurrent request handling.
type Index struct {
	db *sql.DB
}

// Open opens (or creates) the index database at path. Use ":memory:" for an
// ephemeral index alongside the in-memory storage backend.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	// sqlite supports one writer; serializing through a single connection
	// avoids SQLITE_BUSY and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS uploads (
			id TEXT PRIMARY KEY,
			mime_type TEXT NOT NULL,
			extension TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_accessed_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_last_accessed ON uploads(last_accessed_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Upsert inserts the record or replaces an existing one with the same id.
func (ix *Index) Upsert(ctx context.Context, rec Record) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO uploads(id, mime_type, extension, size, created_at, last_accessed_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			mime_type=excluded.mime_type,
			extension=excluded.extension,
			size=excluded.size,
			last_accessed_at=excluded.last_accessed_at`,
		rec.ID, rec.MIMEType, rec.Extension, rec.SizeBytes,
		rec.CreatedAt.UTC(), rec.LastAccessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert upload record: %w", err)
	}
	return nil
}

// Get loads the record for id.
func (ix *Index) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := ix.db.QueryRowContext(ctx,
		`SELECT id, mime_type, extension, size, created_at, last_accessed_at
		 FROM uploads WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.MIMEType, &rec.Extension, &rec.SizeBytes, &rec.CreatedAt, &rec.LastAccessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load upload record: %w", err)
	}
	return rec, nil
}

// Touch advances the record's last-access time to now. The MAX guard keeps
// the timestamp monotonically non-decreasing when touches race.
func (ix *Index) Touch(ctx context.Context, id string, now time.Time) error {
	res, err := ix.db.ExecContext(ctx,
		`UPDATE uploads SET last_accessed_at = MAX(last_accessed_at, ?) WHERE id = ?`,
		now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch upload record: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes the record for id. Removing an absent record is not an
// error.
func (ix *Index) Remove(ctx context.Context, id string) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove upload record: %w", err)
	}
	return nil
}

// ListExpired returns every record whose last access is at or before
// now-threshold.
func (ix *Index) ListExpired(ctx context.Context, threshold time.Duration, now time.Time) ([]Record, error) {
	cutoff := now.UTC().Add(-threshold)

	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, mime_type, extension, size, created_at, last_accessed_at
		 FROM uploads WHERE last_accessed_at <= ?`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Enumerate returns every record, for startup reconciliation.
func (ix *Index) Enumerate(ctx context.Context) ([]Record, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, mime_type, extension, size, created_at, last_accessed_at FROM uploads`,
	)
	if err != nil {
		return nil, fmt.Errorf("enumerate records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Stats reports the number of stored uploads and their total plaintext size.
func (ix *Index) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM uploads`,
	).Scan(&st.Files, &st.SizeBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("collect index stats: %w", err)
	}
	return st, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.MIMEType, &rec.Extension, &rec.SizeBytes, &rec.CreatedAt, &rec.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scan upload record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
