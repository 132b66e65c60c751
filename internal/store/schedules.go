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

// CreateSchedule attaches a cron rule to a spider. nextFire is the first
// cron-matching instant after creation, computed by the caller.
func (s *Store) CreateSchedule(ctx context.Context, spiderID, cron string, active bool, nextFire time.Time, settings map[string]string) (*Schedule, error) {
	if _, err := s.GetSpider(ctx, spiderID); err != nil {
		return nil, err
	}

	sched := &Schedule{
		ID:           uuid.NewString(),
		SpiderID:     spiderID,
		Cron:         cron,
		Active:       active,
		NextFireTime: &nextFire,
		Settings:     settings,
		UpdatedAt:    time.Now().UTC(),
	}
	activeVal := 0
	if active {
		activeVal = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, spider_id, cron, active, last_fire_time, next_fire_time, settings, updated_at)
		 VALUES (?, ?, ?, ?, NULL, ?, ?, ?)`,
		sched.ID, sched.SpiderID, sched.Cron, activeVal,
		encodeTime(nextFire), encodeSettings(settings), encodeTime(sched.UpdatedAt))
	if err != nil {
		return nil, wrapErr("create schedule", err)
	}
	return sched, nil
}

// GetSchedule returns a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, selectSchedule+` WHERE id = ?`, id)
	return scanSchedule(row)
}

// SetScheduleActive flips the active flag. Inactive schedules emit no
// dispatches.
func (s *Store) SetScheduleActive(ctx context.Context, id string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET active = ?, updated_at = ? WHERE id = ?`,
		v, encodeTime(time.Now()), id)
	if err != nil {
		return wrapErr("set schedule active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set schedule active: %w", ErrNotFound)
	}
	return nil
}

// LoadDueSchedules returns active schedules whose next_fire_time <= now.
func (s *Store) LoadDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		selectSchedule+` WHERE active = 1 AND next_fire_time IS NOT NULL AND next_fire_time <= ?
		 ORDER BY next_fire_time`,
		encodeTime(now))
	if err != nil {
		return nil, wrapErr("load due schedules", err)
	}
	defer rows.Close()

	var result []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sched)
	}
	return result, wrapErr("load due schedules", rows.Err())
}

// AdvanceSchedule is a compare-and-set on last_fire_time: it succeeds only
// if the stored value still equals prevLastFire (nil for never-fired).
// At most one concurrent caller observes success per fire time, which is
// the platform's at-most-once-per-tick dispatch guarantee.
func (s *Store) AdvanceSchedule(ctx context.Context, id string, prevLastFire *time.Time, firedAt, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_fire_time = ?, next_fire_time = ?, updated_at = ?
		 WHERE id = ? AND active = 1 AND IFNULL(last_fire_time, '') = IFNULL(?, '')`,
		encodeTime(firedAt), encodeTime(next), encodeTime(time.Now()),
		id, encodeTimePtr(prevLastFire))
	if err != nil {
		return false, wrapErr("advance schedule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("advance schedule", err)
	}
	return n == 1, nil
}

// ListSchedules returns every schedule, active or not.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, selectSchedule+` ORDER BY updated_at`)
	if err != nil {
		return nil, wrapErr("list schedules", err)
	}
	defer rows.Close()

	var result []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sched)
	}
	return result, wrapErr("list schedules", rows.Err())
}

const selectSchedule = `SELECT id, spider_id, cron, active, last_fire_time, next_fire_time, settings, updated_at FROM schedules`

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched    Schedule
		active   int
		last     sql.NullString
		next     sql.NullString
		settings sql.NullString
		updated  string
	)
	err := row.Scan(&sched.ID, &sched.SpiderID, &sched.Cron, &active, &last, &next, &settings, &updated)
	if err != nil {
		return nil, wrapErr("scan schedule", err)
	}
	sched.Active = active != 0
	if sched.LastFireTime, err = decodeTime(last); err != nil {
		return nil, err
	}
	if sched.NextFireTime, err = decodeTime(next); err != nil {
		return nil, err
	}
	if sched.Settings, err = decodeSettings(settings); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule timestamp: %w", err)
	}
	sched.UpdatedAt = t
	return &sched, nil
}
