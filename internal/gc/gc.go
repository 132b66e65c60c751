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

// Package gc reclaims expired terminal runs: the run row, its records
// and its on-disk run directory.
package gc

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/crawld/crawld/internal/config"
	"github.com/crawld/crawld/internal/log"
	"github.com/crawld/crawld/internal/metrics"
	"github.com/crawld/crawld/internal/store"
)

// RunStore is the slice of the run store the sweeper uses.
type RunStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]*store.Run, error)
	PurgeRun(ctx context.Context, runID string) error
}

// RecordStore is the slice of the record store the sweeper uses.
type RecordStore interface {
	Purge(ctx context.Context, runID string) error
}

// Config contains sweeper configuration.
type Config struct {
	Settings *config.Settings

	// Interval is the periodic sweep interval. Default 1h.
	Interval time.Duration

	// Retention is how long terminal runs are kept. 0 disables the
	// sweep entirely.
	Retention time.Duration

	Logger *slog.Logger
}

// Sweeper purges expired runs on a fixed interval.
type Sweeper struct {
	cfg     Config
	store   RunStore
	records RecordStore
	logger  *slog.Logger
}

// New creates a GC sweeper.
func New(cfg Config, st RunStore, recs RecordStore) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		cfg:     cfg,
		store:   st,
		records: recs,
		logger:  log.WithComponent(cfg.Logger, "gc"),
	}
}

// Run sweeps periodically until the context is cancelled. With zero
// retention it only waits for cancellation.
func (g *Sweeper) Run(ctx context.Context) error {
	if g.cfg.Retention <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep purges every terminal run that finished before the retention
// cutoff.
func (g *Sweeper) Sweep(ctx context.Context) {
	if g.cfg.Retention <= 0 {
		return
	}
	runs, err := g.store.ListTerminalBefore(ctx, time.Now().UTC().Add(-g.cfg.Retention))
	if err != nil {
		g.logger.Error("failed to list expired runs", log.Error(err))
		return
	}
	for _, run := range runs {
		if err := g.purge(ctx, run); err != nil {
			g.logger.Warn("failed to purge expired run",
				slog.String(log.RunIDKey, run.ID), log.Error(err))
		}
	}
}

// purge removes one expired run. Records go first so a partial failure
// leaves the run row, and with it another sweep attempt.
func (g *Sweeper) purge(ctx context.Context, run *store.Run) error {
	if err := g.records.Purge(ctx, run.ID); err != nil {
		return err
	}
	if err := g.store.PurgeRun(ctx, run.ID); err != nil {
		return err
	}
	if err := os.RemoveAll(g.cfg.Settings.RunDir(run.ID)); err != nil {
		return err
	}

	metrics.RunsPurged.Inc()
	g.logger.Info("expired run purged",
		slog.String(log.RunIDKey, run.ID),
		slog.String("state", string(run.State)))
	return nil
}
