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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateProject materializes a new project.
func (s *Store) CreateProject(ctx context.Context, name, rootPath string) (*Project, error) {
	p := &Project{
		ID:        uuid.NewString(),
		Name:      name,
		RootPath:  rootPath,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, root_path, deleting, created_at) VALUES (?, ?, ?, 0, ?)`,
		p.ID, p.Name, p.RootPath, encodeTime(p.CreatedAt))
	if err != nil {
		return nil, wrapErr("create project", err)
	}
	return p, nil
}

// GetProject returns a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, root_path, deleting, created_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// MarkProjectDeleting flags a project for deletion. New runs against its
// spiders are refused once the flag is set; the project row itself is
// removed by DeleteProject when no non-terminal runs remain.
func (s *Store) MarkProjectDeleting(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET deleting = 1 WHERE id = ?`, id)
	if err != nil {
		return wrapErr("mark project deleting", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("mark project deleting: %w", ErrNotFound)
	}
	return nil
}

// DeleteProject removes a project. It fails with ErrConflict while any of
// the project's runs are in a non-terminal state.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("delete project", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE project_id = ? AND state IN (?, ?)`,
		id, RunStatePending, RunStateRunning).Scan(&active)
	if err != nil {
		return wrapErr("delete project", err)
	}
	if active > 0 {
		return fmt.Errorf("delete project: %d runs still active: %w", active, ErrConflict)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return wrapErr("delete project", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete project: %w", ErrNotFound)
	}

	return wrapErr("delete project", tx.Commit())
}

// CreateSpider adds a spider to a project. (project, name) is unique.
func (s *Store) CreateSpider(ctx context.Context, projectID, name string, settings map[string]string, fingerprintQuery string) (*Spider, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	sp := &Spider{
		ID:               uuid.NewString(),
		ProjectID:        projectID,
		Name:             name,
		Settings:         settings,
		FingerprintQuery: fingerprintQuery,
		CreatedAt:        time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spiders (id, project_id, name, settings, fingerprint_query, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.ProjectID, sp.Name, encodeSettings(sp.Settings), sp.FingerprintQuery, encodeTime(sp.CreatedAt))
	if err != nil {
		return nil, wrapErr("create spider", err)
	}
	return sp, nil
}

// GetSpider returns a spider by ID.
func (s *Store) GetSpider(ctx context.Context, id string) (*Spider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, settings, fingerprint_query, created_at
		 FROM spiders WHERE id = ?`, id)
	return scanSpider(row)
}

// ListSpiders returns all spiders in a project.
func (s *Store) ListSpiders(ctx context.Context, projectID string) ([]*Spider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, settings, fingerprint_query, created_at
		 FROM spiders WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, wrapErr("list spiders", err)
	}
	defer rows.Close()

	var result []*Spider
	for rows.Next() {
		sp, err := scanSpider(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sp)
	}
	return result, wrapErr("list spiders", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p        Project
		deleting int
		created  string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.RootPath, &deleting, &created); err != nil {
		return nil, wrapErr("scan project", err)
	}
	p.Deleting = deleting != 0
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("invalid project timestamp: %w", err)
	}
	p.CreatedAt = t
	return &p, nil
}

func scanSpider(row rowScanner) (*Spider, error) {
	var (
		sp       Spider
		settings sql.NullString
		fpq      sql.NullString
		created  string
	)
	if err := row.Scan(&sp.ID, &sp.ProjectID, &sp.Name, &settings, &fpq, &created); err != nil {
		return nil, wrapErr("scan spider", err)
	}
	var err error
	sp.Settings, err = decodeSettings(settings)
	if err != nil {
		return nil, err
	}
	sp.FingerprintQuery = fpq.String
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("invalid spider timestamp: %w", err)
	}
	sp.CreatedAt = t
	return &sp, nil
}

func encodeSettings(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}

func decodeSettings(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("invalid settings json: %w", err)
	}
	return m, nil
}
