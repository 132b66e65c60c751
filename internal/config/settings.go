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

// Package config loads control-plane settings from the environment and
// an optional crawld.yaml in the data root. The settings record is a
// closed set: unknown YAML keys are rejected at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Settings is the effective control-plane configuration.
type Settings struct {
	// DataRoot is the directory holding runs/, pids/ and logs/.
	DataRoot string `yaml:"data_root"`

	// MaxConcurrentRuns caps simultaneous crawl subprocesses.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
	// MaxPerSpider caps simultaneous runs of one spider.
	MaxPerSpider int `yaml:"max_per_spider"`
	// MaxPerProject caps simultaneous runs per project. 0 means unlimited.
	MaxPerProject int `yaml:"max_per_project"`

	// ShortRunThreshold is the duration below which a zero-item FINISHED
	// run is eligible for counter rescue during reconciliation.
	ShortRunThreshold time.Duration `yaml:"short_run_threshold"`
	// RequestFloor is the minimum requests_count reconciliation assumes
	// on top of observed items.
	RequestFloor int64 `yaml:"request_floor"`

	// SchedulerTick is the scheduler evaluation interval. Floor 1s.
	SchedulerTick time.Duration `yaml:"scheduler_tick"`

	// TailPoll is the tailer stat interval. Floor 100ms.
	TailPoll time.Duration `yaml:"tail_poll"`
	// TailFileWait is how long the tailer waits for the output file to
	// appear after spawn before signalling SpawnNoOutput.
	TailFileWait time.Duration `yaml:"tail_file_wait"`
	// TailHighWater is the per-run buffered-bytes mark past which the
	// tailer throttles reads.
	TailHighWater int64 `yaml:"tail_high_water"`

	// IngestBatchSize is the record-buffer flush threshold.
	IngestBatchSize int `yaml:"ingest_batch_size"`
	// IngestFlushInterval is the time-based flush trigger.
	IngestFlushInterval time.Duration `yaml:"ingest_flush_interval"`
	// IngestRetries bounds per-batch store retries before spilling.
	IngestRetries int `yaml:"ingest_retries"`

	// BroadcastInterval rate-limits per-run progress updates.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`

	// ReconcileInterval is the periodic reconciliation sweep interval.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// RunRetention is how long a terminal run, its records and its run
	// directory are kept before the GC sweep purges them. 0 disables GC.
	RunRetention time.Duration `yaml:"run_retention"`
	// GCInterval is the GC sweep interval.
	GCInterval time.Duration `yaml:"gc_interval"`

	// RunWallClock is the per-run wall-clock limit.
	RunWallClock time.Duration `yaml:"run_wall_clock"`
	// RunMemoryMB is the per-run RSS ceiling in megabytes.
	RunMemoryMB int64 `yaml:"run_memory_mb"`
	// RunDrain is the window given to the tailer after subprocess exit.
	RunDrain time.Duration `yaml:"run_drain"`
	// ShutdownGrace is the SIGTERM-to-SIGKILL escalation window.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// MaxRestarts and RestartWindow bound supervisor restarts.
	MaxRestarts   int           `yaml:"max_restarts"`
	RestartWindow time.Duration `yaml:"restart_window"`

	// RequeueLimit is how many times a dispatch request may be requeued
	// before it ages to high priority.
	RequeueLimit int `yaml:"requeue_limit"`

	// ListenAddr is the health/metrics listener address.
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the built-in defaults from the platform contract.
func Default() *Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Settings{
		DataRoot:            filepath.Join(home, ".crawld"),
		MaxConcurrentRuns:   3,
		MaxPerSpider:        1,
		MaxPerProject:       0,
		ShortRunThreshold:   10 * time.Second,
		RequestFloor:        10,
		SchedulerTick:       10 * time.Second,
		TailPoll:            500 * time.Millisecond,
		TailFileWait:        30 * time.Second,
		TailHighWater:       10 << 20,
		IngestBatchSize:     100,
		IngestFlushInterval: 2 * time.Second,
		IngestRetries:       5,
		BroadcastInterval:   15 * time.Second,
		ReconcileInterval:   5 * time.Minute,
		RunRetention:        30 * 24 * time.Hour,
		GCInterval:          time.Hour,
		RunWallClock:        time.Hour,
		RunMemoryMB:         500,
		RunDrain:            5 * time.Second,
		ShutdownGrace:       10 * time.Second,
		MaxRestarts:         5,
		RestartWindow:       5 * time.Minute,
		RequeueLimit:        100,
		ListenAddr:          "127.0.0.1:6800",
	}
}

// FromEnv returns the defaults overlaid with recognized CTL_* environment
// variables. Malformed values are reported rather than ignored.
func FromEnv() (*Settings, error) {
	s := Default()

	if v := os.Getenv("CTL_DATA_ROOT"); v != "" {
		s.DataRoot = v
	}

	var err error
	set := func(name string, apply func(int64)) {
		if err != nil {
			return
		}
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			err = fmt.Errorf("invalid %s: %q", name, v)
			return
		}
		apply(n)
	}

	set("CTL_MAX_CONCURRENT_RUNS", func(n int64) { s.MaxConcurrentRuns = int(n) })
	set("CTL_SHORT_RUN_THRESHOLD_SEC", func(n int64) { s.ShortRunThreshold = time.Duration(n) * time.Second })
	set("CTL_SCHEDULER_TICK_SEC", func(n int64) { s.SchedulerTick = time.Duration(n) * time.Second })
	set("CTL_TAIL_POLL_MS", func(n int64) { s.TailPoll = time.Duration(n) * time.Millisecond })
	set("CTL_INGEST_BATCH_SIZE", func(n int64) { s.IngestBatchSize = int(n) })
	set("CTL_INGEST_FLUSH_SEC", func(n int64) { s.IngestFlushInterval = time.Duration(n) * time.Second })
	set("CTL_BROADCAST_INTERVAL_SEC", func(n int64) { s.BroadcastInterval = time.Duration(n) * time.Second })
	set("CTL_RECONCILE_INTERVAL_SEC", func(n int64) { s.ReconcileInterval = time.Duration(n) * time.Second })
	set("CTL_RUN_RETENTION_SEC", func(n int64) { s.RunRetention = time.Duration(n) * time.Second })
	set("CTL_GC_INTERVAL_SEC", func(n int64) { s.GCInterval = time.Duration(n) * time.Second })
	set("CTL_RUN_WALL_CLOCK_SEC", func(n int64) { s.RunWallClock = time.Duration(n) * time.Second })
	set("CTL_RUN_MEMORY_MB", func(n int64) { s.RunMemoryMB = n })
	set("CTL_MAX_RESTARTS", func(n int64) { s.MaxRestarts = int(n) })
	set("CTL_RESTART_WINDOW_SEC", func(n int64) { s.RestartWindow = time.Duration(n) * time.Second })
	if err != nil {
		return nil, err
	}

	s.clamp()
	return s, nil
}

// clamp enforces documented floors.
func (s *Settings) clamp() {
	if s.SchedulerTick < time.Second {
		s.SchedulerTick = time.Second
	}
	if s.TailPoll < 100*time.Millisecond {
		s.TailPoll = 100 * time.Millisecond
	}
	if s.MaxConcurrentRuns < 1 {
		s.MaxConcurrentRuns = 1
	}
	if s.IngestBatchSize < 1 {
		s.IngestBatchSize = 1
	}
}

// Validate checks cross-field consistency.
func (s *Settings) Validate() error {
	if s.DataRoot == "" {
		return fmt.Errorf("data_root must not be empty")
	}
	if s.MaxPerSpider < 0 || s.MaxPerProject < 0 {
		return fmt.Errorf("per-scope concurrency caps must be >= 0")
	}
	if s.RunWallClock <= 0 {
		return fmt.Errorf("run_wall_clock must be positive")
	}
	return nil
}

// Layout helpers for the persisted state tree.

// RunDir returns <data_root>/runs/<run_id>.
func (s *Settings) RunDir(runID string) string {
	return filepath.Join(s.DataRoot, "runs", runID)
}

// OutputPath returns the per-run output file path.
func (s *Settings) OutputPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "output.jsonl")
}

// StatsPath returns the per-run sibling stats file path.
func (s *Settings) StatsPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "stats.json")
}

// RunLogPath returns the per-run subprocess log path.
func (s *Settings) RunLogPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "log.txt")
}

// BackupDir returns the per-run degraded-ingest spill directory.
func (s *Settings) BackupDir(runID string) string {
	return filepath.Join(s.RunDir(runID), "backup")
}

// PIDPath returns <data_root>/pids/<service>.pid.
func (s *Settings) PIDPath(service string) string {
	return filepath.Join(s.DataRoot, "pids", service+".pid")
}

// ServiceLogPath returns <data_root>/logs/<service>.log.
func (s *Settings) ServiceLogPath(service string) string {
	return filepath.Join(s.DataRoot, "logs", service+".log")
}

// DatabasePath returns the SQLite database path.
func (s *Settings) DatabasePath() string {
	return filepath.Join(s.DataRoot, "crawld.db")
}
