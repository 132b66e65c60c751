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

import "time"

// RunState represents the lifecycle state of a run. Transitions are
// monotone along pending -> running -> {finished | failed | cancelled}.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateFinished  RunState = "finished"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateFinished, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}

// Project is an isolated crawl codebase.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RootPath  string    `json:"root_path"`
	Deleting  bool      `json:"deleting"`
	CreatedAt time.Time `json:"created_at"`
}

// Spider is a named crawl program inside a project.
type Spider struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	Name      string            `json:"name"`
	Settings  map[string]string `json:"settings,omitempty"`

	// FingerprintQuery is an optional gojq expression selecting the
	// payload values that form a record's dedup identity. Empty means
	// all payload fields sorted by key.
	FingerprintQuery string `json:"fingerprint_query,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Schedule attaches a cron rule to a spider.
type Schedule struct {
	ID           string            `json:"id"`
	SpiderID     string            `json:"spider_id"`
	Cron         string            `json:"cron"`
	Active       bool              `json:"active"`
	LastFireTime *time.Time        `json:"last_fire_time,omitempty"`
	NextFireTime *time.Time        `json:"next_fire_time,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// RunOrigin identifies what requested a run.
type RunOrigin string

const (
	OriginSchedule RunOrigin = "schedule"
	OriginManual   RunOrigin = "manual"
)

// Run is one execution of a spider, from dispatch to terminal state.
type Run struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	SpiderID       string            `json:"spider_id"`
	ScheduleID     string            `json:"schedule_id,omitempty"`
	State          RunState          `json:"state"`
	ItemsCount     int64             `json:"items_count"`
	RequestsCount  int64             `json:"requests_count"`
	ErrorCount     int64             `json:"error_count"`
	OutputPath     string            `json:"output_path"`
	Settings       map[string]string `json:"settings,omitempty"`
	PID            int               `json:"pid,omitempty"`
	CommandDigest  string            `json:"command_digest,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	IngestDegraded bool              `json:"ingest_degraded"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

// Duration returns the run's wall-clock duration, or zero while it has
// not both started and finished.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// ListFilter narrows ListRuns results.
type ListFilter struct {
	State    RunState
	SpiderID string
	Limit    int
}
