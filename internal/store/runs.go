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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRunParams carries the inputs for CreateRun.
type CreateRunParams struct {
	// ID is optional; a fresh UUID is generated when empty. Callers that
	// derive per-run paths from the ID allocate it up front.
	ID string

	SpiderID   string
	ScheduleID string
	Origin     RunOrigin
	Settings   map[string]string
	OutputPath string
}

// CreateRun materializes a pending run. It fails with ErrNotFound if the
// spider or its project is missing or the project is marked for deletion.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (*Run, error) {
	sp, err := s.GetSpider(ctx, p.SpiderID)
	if err != nil {
		return nil, err
	}
	proj, err := s.GetProject(ctx, sp.ProjectID)
	if err != nil {
		return nil, err
	}
	if proj.Deleting {
		return nil, fmt.Errorf("project %s is marked for deletion: %w", proj.Name, ErrNotFound)
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	run := &Run{
		ID:         id,
		ProjectID:  sp.ProjectID,
		SpiderID:   sp.ID,
		ScheduleID: p.ScheduleID,
		State:      RunStatePending,
		OutputPath: p.OutputPath,
		Settings:   p.Settings,
		CreatedAt:  time.Now().UTC(),
	}

	var scheduleID any
	if run.ScheduleID != "" {
		scheduleID = run.ScheduleID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, spider_id, schedule_id, state, output_path, settings, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.SpiderID, scheduleID, run.State,
		run.OutputPath, encodeSettings(run.Settings), encodeTime(run.CreatedAt))
	if err != nil {
		return nil, wrapErr("create run", err)
	}
	return run, nil
}

// TransitionFields carries the optional fields written alongside a state
// transition.
type TransitionFields struct {
	StartedAt     *time.Time
	FinishedAt    *time.Time
	PID           *int
	CommandDigest string
	ItemsCount    *int64
	RequestsCount *int64
	ErrorMessage  *string
}

// Transition performs a conditional state update: it succeeds only if the
// run's current state equals from. A false return with nil error means
// the precondition did not hold (another writer won).
func (s *Store) Transition(ctx context.Context, runID string, from, to RunState, fields TransitionFields) (bool, error) {
	query := `UPDATE runs SET state = ?`
	args := []any{to}

	if fields.StartedAt != nil {
		query += `, started_at = ?`
		args = append(args, encodeTime(*fields.StartedAt))
	}
	if fields.FinishedAt != nil {
		query += `, finished_at = ?`
		args = append(args, encodeTime(*fields.FinishedAt))
	}
	if fields.PID != nil {
		query += `, pid = ?`
		args = append(args, *fields.PID)
	}
	if fields.CommandDigest != "" {
		query += `, command_digest = ?`
		args = append(args, fields.CommandDigest)
	}
	if fields.ItemsCount != nil {
		query += `, items_count = ?`
		args = append(args, *fields.ItemsCount)
	}
	if fields.RequestsCount != nil {
		query += `, requests_count = ?`
		args = append(args, *fields.RequestsCount)
	}
	if fields.ErrorMessage != nil {
		query += `, error_message = ?`
		args = append(args, *fields.ErrorMessage)
	}

	query += ` WHERE id = ? AND state = ?`
	args = append(args, runID, from)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrapErr("transition run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("transition run", err)
	}
	return n == 1, nil
}

// BumpCounters atomically adds deltas to a run's counters.
func (s *Store) BumpCounters(ctx context.Context, runID string, dItems, dRequests, dErrors int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET items_count = items_count + ?,
		                 requests_count = requests_count + ?,
		                 error_count = error_count + ?
		 WHERE id = ?`,
		dItems, dRequests, dErrors, runID)
	if err != nil {
		return wrapErr("bump counters", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bump counters: %w", ErrNotFound)
	}
	return nil
}

// SetIngestDegraded flags a run whose ingest spilled to backup files.
func (s *Store) SetIngestDegraded(ctx context.Context, runID string, degraded bool) error {
	v := 0
	if degraded {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET ingest_degraded = ? WHERE id = ?`, v, runID)
	return wrapErr("set ingest degraded", err)
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns runs matching the filter, most recent first.
func (s *Store) ListRuns(ctx context.Context, f ListFilter) ([]*Run, error) {
	query := selectRun + ` WHERE 1=1`
	var args []any
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, f.State)
	}
	if f.SpiderID != "" {
		query += ` AND spider_id = ?`
		args = append(args, f.SpiderID)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list runs", err)
	}
	defer rows.Close()

	var result []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, wrapErr("list runs", rows.Err())
}

// ListRecentTerminal returns terminal runs that finished after the cutoff,
// the reconciliation sweep's candidate set.
func (s *Store) ListRecentTerminal(ctx context.Context, since time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRun+` WHERE state IN (?, ?, ?) AND finished_at >= ? ORDER BY finished_at`,
		RunStateFinished, RunStateFailed, RunStateCancelled, encodeTime(since))
	if err != nil {
		return nil, wrapErr("list recent terminal", err)
	}
	defer rows.Close()

	var result []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, wrapErr("list recent terminal", rows.Err())
}

// ListTerminalBefore returns terminal runs that finished before the
// cutoff, the GC sweep's candidate set.
func (s *Store) ListTerminalBefore(ctx context.Context, before time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRun+` WHERE state IN (?, ?, ?) AND finished_at < ? ORDER BY finished_at`,
		RunStateFinished, RunStateFailed, RunStateCancelled, encodeTime(before))
	if err != nil {
		return nil, wrapErr("list terminal before", err)
	}
	defer rows.Close()

	var result []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, wrapErr("list terminal before", rows.Err())
}

// CountActive returns the number of pending or running runs, optionally
// scoped to a spider or project. Empty scope arguments mean "all".
func (s *Store) CountActive(ctx context.Context, spiderID, projectID string) (int, error) {
	query := `SELECT COUNT(*) FROM runs WHERE state IN (?, ?)`
	args := []any{RunStatePending, RunStateRunning}
	if spiderID != "" {
		query += ` AND spider_id = ?`
		args = append(args, spiderID)
	}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrapErr("count active", err)
	}
	return n, nil
}

// ReconcileUpdate applies reconciliation corrections in a single
// conditional write. Counters only ever move up; the state flip and the
// error-message clear ride the same statement so the repair is atomic.
func (s *Store) ReconcileUpdate(ctx context.Context, runID string, from, to RunState, items, requests int64, clearError bool) (bool, error) {
	query := `UPDATE runs SET state = ?,
		items_count = MAX(items_count, ?),
		requests_count = MAX(requests_count, ?)`
	args := []any{to, items, requests}
	if clearError {
		query += `, error_message = NULL`
	}
	query += ` WHERE id = ? AND state = ?`
	args = append(args, runID, from)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrapErr("reconcile update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("reconcile update", err)
	}
	return n == 1, nil
}

// PurgeRun removes a terminal run's row. Record Store purge and run
// directory removal are the caller's responsibility.
func (s *Store) PurgeRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id = ? AND state IN (?, ?, ?)`,
		runID, RunStateFinished, RunStateFailed, RunStateCancelled)
	if err != nil {
		return wrapErr("purge run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("purge run: not terminal or missing: %w", ErrConflict)
	}
	return nil
}

const selectRun = `SELECT id, project_id, spider_id, schedule_id, state,
	items_count, requests_count, error_count, output_path, settings,
	pid, command_digest, error_message, ingest_degraded,
	created_at, started_at, finished_at FROM runs`

func scanRun(row rowScanner) (*Run, error) {
	var (
		run        Run
		scheduleID sql.NullString
		settings   sql.NullString
		pid        sql.NullInt64
		digest     sql.NullString
		errMsg     sql.NullString
		degraded   int
		created    string
		started    sql.NullString
		finished   sql.NullString
	)
	err := row.Scan(&run.ID, &run.ProjectID, &run.SpiderID, &scheduleID, &run.State,
		&run.ItemsCount, &run.RequestsCount, &run.ErrorCount, &run.OutputPath, &settings,
		&pid, &digest, &errMsg, &degraded, &created, &started, &finished)
	if err != nil {
		return nil, wrapErr("scan run", err)
	}

	run.ScheduleID = scheduleID.String
	run.Settings, err = decodeSettings(settings)
	if err != nil {
		return nil, err
	}
	run.PID = int(pid.Int64)
	run.CommandDigest = digest.String
	run.ErrorMessage = errMsg.String
	run.IngestDegraded = degraded != 0

	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("invalid run timestamp: %w", err)
	}
	run.CreatedAt = t
	if run.StartedAt, err = decodeTime(started); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = decodeTime(finished); err != nil {
		return nil, err
	}
	return &run, nil
}
