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

// Package reconcile repairs terminal runs after the fact: it replays
// spilled ingest batches, derives canonical counters from every
// available evidence source, and corrects misclassified terminal states.
package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/crawld/crawld/internal/config"
	"github.com/crawld/crawld/internal/ingest"
	"github.com/crawld/crawld/internal/log"
	"github.com/crawld/crawld/internal/metrics"
	"github.com/crawld/crawld/internal/stats"
	"github.com/crawld/crawld/internal/store"
	"github.com/crawld/crawld/internal/store/records"
)

// RunStore is the slice of the run store the engine uses.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	GetSpider(ctx context.Context, id string) (*store.Spider, error)
	ListRecentTerminal(ctx context.Context, since time.Time) ([]*store.Run, error)
	ReconcileUpdate(ctx context.Context, runID string, from, to store.RunState, items, requests int64, clearError bool) (bool, error)
	SetIngestDegraded(ctx context.Context, runID string, degraded bool) error
}

// RecordStore is the slice of the record store the engine uses.
type RecordStore interface {
	Count(ctx context.Context, runID string) (int64, error)
	InsertBatch(ctx context.Context, runID string, batch []records.Record) (int, error)
}

// Config contains engine configuration.
type Config struct {
	Settings *config.Settings

	// Interval is the periodic sweep interval. Default 5m.
	Interval time.Duration

	// Lookback bounds the periodic sweep's candidate window. Default 24h.
	Lookback time.Duration

	// OnCorrected is called after a run row changed. Optional.
	OnCorrected func(runID string)

	Logger *slog.Logger
}

// Engine reconciles terminal runs.
type Engine struct {
	cfg     Config
	store   RunStore
	records RecordStore
	logger  *slog.Logger
}

// New creates a reconciliation engine.
func New(cfg Config, st RunStore, recs RecordStore) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		records: recs,
		logger:  log.WithComponent(cfg.Logger, "reconcile"),
	}
}

// Run sweeps periodically until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep reconciles every recently-terminal run once.
func (e *Engine) Sweep(ctx context.Context) {
	runs, err := e.store.ListRecentTerminal(ctx, time.Now().Add(-e.cfg.Lookback))
	if err != nil {
		e.logger.Error("failed to list sweep candidates", log.Error(err))
		return
	}
	for _, run := range runs {
		if err := e.ReconcileRun(ctx, run.ID); err != nil {
			e.logger.Warn("reconciliation failed",
				slog.String(log.RunIDKey, run.ID), log.Error(err))
		}
	}
}

// ReconcileRun reconciles one terminal run. It is idempotent: applying
// it twice to the same evidence changes nothing the second time.
func (e *Engine) ReconcileRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.State.Terminal() {
		// Runs are finalized before reconciliation; a live run here means
		// the caller raced the supervisor. Skip, the sweep will return.
		return nil
	}

	// Spilled batches first, so their records count as DB evidence.
	if run.IngestDegraded {
		if err := e.replayBackups(ctx, run); err != nil {
			e.logger.Warn("backup replay incomplete",
				slog.String(log.RunIDKey, runID), log.Error(err))
		}
	}

	dbRecords, err := e.records.Count(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to count records: %w", err)
	}
	fileItems := countNonEmptyLines(run.OutputPath)
	var fileRequests int64
	var finishReason string
	if st, err := stats.Read(e.cfg.Settings.StatsPath(runID)); err == nil && st != nil {
		fileRequests = st.RequestCount
		finishReason = st.FinishReason
	}
	duration := run.Duration()

	// A clean exit after an in-band cancel is already accurate; leave the
	// run exactly as the supervisor recorded it.
	if run.State == store.RunStateFinished && finishReason == "cancelled" {
		return nil
	}

	items := maxInt64(dbRecords, fileItems, run.ItemsCount)
	requests := maxInt64(fileRequests, items+e.cfg.Settings.RequestFloor, run.RequestsCount)

	// A legitimate quick completion can lose its lines to the tail-race
	// at file close. Credit it minimally rather than flipping it failed.
	if run.State == store.RunStateFinished && items == 0 && duration < e.cfg.Settings.ShortRunThreshold {
		items = 1
		requests = e.cfg.Settings.RequestFloor
		metrics.ReconcileCorrections.WithLabelValues("short_run_rescue").Inc()
	}

	to := run.State
	clearError := false
	switch {
	case items > 0 && run.State == store.RunStateFailed:
		// The spider did produce data; the failure classification was
		// wrong.
		to = store.RunStateFinished
		clearError = true
		metrics.ReconcileCorrections.WithLabelValues("failed_to_finished").Inc()
	case items == 0 && run.State == store.RunStateFinished && duration >= e.cfg.Settings.ShortRunThreshold:
		to = store.RunStateFailed
		metrics.ReconcileCorrections.WithLabelValues("finished_to_failed").Inc()
	}

	changed := to != run.State || items > run.ItemsCount || requests > run.RequestsCount
	if !changed {
		return nil
	}

	applied, err := e.store.ReconcileUpdate(ctx, runID, run.State, to, items, requests, clearError)
	if err != nil {
		return err
	}
	if applied {
		e.logger.Info("run reconciled",
			slog.String(log.RunIDKey, runID),
			slog.String("state", string(to)),
			slog.Int64("items", items),
			slog.Int64("requests", requests))
		if e.cfg.OnCorrected != nil {
			e.cfg.OnCorrected(runID)
		}
	}
	return nil
}

// replayBackups re-ingests every spilled batch file. The record store's
// unique index makes replays idempotent; files are removed only after a
// fully successful replay, and the degraded flag clears with the last
// one.
func (e *Engine) replayBackups(ctx context.Context, run *store.Run) error {
	pattern := filepath.Join(e.cfg.Settings.BackupDir(run.ID), "ingest-*.jsonl")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return fmt.Errorf("failed to glob backup files: %w", err)
	}
	if len(matches) == 0 {
		return e.store.SetIngestDegraded(ctx, run.ID, false)
	}

	spider, err := e.store.GetSpider(ctx, run.SpiderID)
	if err != nil {
		return err
	}
	fp, err := ingest.NewFingerprinter(spider.FingerprintQuery)
	if err != nil {
		return err
	}

	var firstErr error
	for _, path := range matches {
		if err := e.replayFile(ctx, run.ID, path, fp); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.Remove(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return e.store.SetIngestDegraded(ctx, run.ID, false)
}

// replayFile ingests one backup line file as a single batch.
func (e *Engine) replayFile(ctx context.Context, runID, path string, fp *ingest.Fingerprinter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var batch []records.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			e.logger.Warn("skipping malformed backup line",
				slog.String("path", path), log.Error(err))
			continue
		}
		fingerprint, err := fp.Fingerprint(payload)
		if err != nil {
			continue
		}
		batch = append(batch, records.Record{
			RunID:       runID,
			Fingerprint: fingerprint,
			Payload:     []byte(line),
			SourceURL:   ingest.SourceURL(payload),
			AcquiredAt:  time.Now(),
		})
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	n, err := e.records.InsertBatch(ctx, runID, batch)
	if err != nil {
		return err
	}
	e.logger.Info("backup file replayed",
		slog.String(log.RunIDKey, runID),
		slog.String("path", path),
		slog.Int("inserted", n))
	return nil
}

// countNonEmptyLines counts the output file's non-blank lines. Missing
// files count as zero evidence.
func countNonEmptyLines(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var n int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			n++
		}
	}
	return n
}

func maxInt64(vals ...int64) int64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
