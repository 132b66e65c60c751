// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package records provides the deduplicated record store. Records are
// keyed by run; uniqueness of (run_id, fingerprint) is enforced by index,
// so replays and backup-file recovery are idempotent.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrUnavailable is returned when the store cannot be reached. The ingest
// pipeline reacts by spilling batches to backup files.
var ErrUnavailable = errors.New("record store unavailable")

// Record is one decoded crawl record.
type Record struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Fingerprint string    `json:"fingerprint"`
	Payload     []byte    `json:"payload"`
	SourceURL   string    `json:"source_url,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// Store is a SQLite-backed record store.
type Store struct {
	db *sql.DB
}

// Open creates or opens a record store at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to record database: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			payload BLOB NOT NULL,
			source_url TEXT,
			acquired_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_run_fingerprint ON records(run_id, fingerprint)`,
		`CREATE INDEX IF NOT EXISTS idx_records_run ON records(run_id)`,
	}
	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("record migration failed: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertBatch writes records carrying their fingerprints, silently
// skipping any whose (run_id, fingerprint) is already present. The whole
// batch commits atomically; the return value is the number of distinct
// new records actually inserted.
func (s *Store) InsertBatch(ctx context.Context, runID string, batch []Record) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO records (run_id, fingerprint, payload, source_url, acquired_at)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, wrap(err)
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range batch {
		acquired := rec.AcquiredAt
		if acquired.IsZero() {
			acquired = time.Now()
		}
		res, err := stmt.ExecContext(ctx, runID, rec.Fingerprint, rec.Payload, rec.SourceURL,
			acquired.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return 0, wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, wrap(err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap(err)
	}
	return inserted, nil
}

// Count returns the exact number of stored records for a run.
func (s *Store) Count(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

// List returns a run's records in insertion order.
func (s *Store) List(ctx context.Context, runID string, offset, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, fingerprint, payload, source_url, acquired_at
		 FROM records WHERE run_id = ? ORDER BY id LIMIT ? OFFSET ?`,
		runID, limit, offset)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var (
			rec      Record
			url      sql.NullString
			acquired string
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Fingerprint, &rec.Payload, &url, &acquired); err != nil {
			return nil, wrap(err)
		}
		rec.SourceURL = url.String
		t, err := time.Parse(time.RFC3339Nano, acquired)
		if err != nil {
			return nil, fmt.Errorf("invalid record timestamp: %w", err)
		}
		rec.AcquiredAt = t
		result = append(result, rec)
	}
	return result, wrap(rows.Err())
}

// Purge removes all records of a run. Used by GC when a run is deleted.
func (s *Store) Purge(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE run_id = ?`, runID)
	return wrap(err)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is closed") || strings.Contains(msg, "disk I/O error") {
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	}
	return err
}
