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

// Package ingest consumes tailer output for one run, deduplicates
// records, and writes them to the record store in ordered batches.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/crawld/crawld/internal/log"
	"github.com/crawld/crawld/internal/metrics"
	"github.com/crawld/crawld/internal/store/records"
)

// RecordSink is the slice of the record store the pipeline writes to.
type RecordSink interface {
	InsertBatch(ctx context.Context, runID string, batch []records.Record) (int, error)
}

// CounterStore is the slice of the run store the pipeline updates.
type CounterStore interface {
	BumpCounters(ctx context.Context, runID string, dItems, dRequests, dErrors int64) error
	SetIngestDegraded(ctx context.Context, runID string, degraded bool) error
}

// Config contains pipeline configuration for one run.
type Config struct {
	RunID string

	// Spider labels the run's ingest metrics.
	Spider string

	// FingerprintQuery is the spider's optional identity selection.
	FingerprintQuery string

	// BatchSize is the buffer flush threshold. Default 100.
	BatchSize int

	// FlushInterval is the time-based flush trigger. Default 2s.
	FlushInterval time.Duration

	// Retries bounds per-batch store retries before spilling. Default 5.
	Retries int

	// BackupDir receives spilled batches when the store is unavailable.
	BackupDir string

	Logger *slog.Logger
}

// Pipeline ingests one run's lines.
type Pipeline struct {
	cfg      Config
	sink     RecordSink
	counters CounterStore
	fp       *Fingerprinter

	seen     map[string]struct{}
	buf      []records.Record
	degraded bool
	logger   *slog.Logger
}

// New creates a pipeline bound to one run.
func New(cfg Config, sink RecordSink, counters CounterStore) (*Pipeline, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fp, err := NewFingerprinter(cfg.FingerprintQuery)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:      cfg,
		sink:     sink,
		counters: counters,
		fp:       fp,
		seen:     make(map[string]struct{}),
		logger:   log.WithRunContext(log.WithComponent(cfg.Logger, "ingest"), cfg.RunID, cfg.Spider),
	}, nil
}

// Degraded reports whether any batch was spilled to backup files.
func (p *Pipeline) Degraded() bool {
	return p.degraded
}

// Run consumes lines until the channel closes, then performs a final
// flush. Decode failures are per-line isolated; store failures are
// per-batch and spill to backup files after retries.
func (p *Pipeline) Run(ctx context.Context, lines <-chan string) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush(ctx)
			return ctx.Err()
		case <-ticker.C:
			p.flush(ctx)
		case line, ok := <-lines:
			if !ok {
				p.flush(ctx)
				return nil
			}
			p.processLine(ctx, line)
			if len(p.buf) >= p.cfg.BatchSize {
				p.flush(ctx)
			}
		}
	}
}

// processLine decodes, fingerprints and buffers one line.
func (p *Pipeline) processLine(ctx context.Context, line string) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		metrics.MalformedLines.Inc()
		p.logger.Warn("malformed record line", log.Error(err))
		if err := p.counters.BumpCounters(ctx, p.cfg.RunID, 0, 0, 1); err != nil {
			p.logger.Warn("failed to bump error count", log.Error(err))
		}
		return
	}

	fingerprint, err := p.fp.Fingerprint(payload)
	if err != nil {
		p.logger.Warn("fingerprint failed", log.Error(err))
		if err := p.counters.BumpCounters(ctx, p.cfg.RunID, 0, 0, 1); err != nil {
			p.logger.Warn("failed to bump error count", log.Error(err))
		}
		return
	}

	// Same-run duplicates are blocked cheaply in memory; the store's
	// unique index remains the authority across restarts.
	if _, dup := p.seen[fingerprint]; dup {
		return
	}
	p.seen[fingerprint] = struct{}{}

	p.buf = append(p.buf, records.Record{
		RunID:       p.cfg.RunID,
		Fingerprint: fingerprint,
		Payload:     []byte(line),
		SourceURL:   SourceURL(payload),
		AcquiredAt:  time.Now(),
	})
}

// flush writes the buffered batch to the record store and bumps the
// run's items counter by the number of distinct new records.
func (p *Pipeline) flush(ctx context.Context) {
	if len(p.buf) == 0 {
		return
	}
	batch := p.buf
	p.buf = nil

	inserted, err := p.insertWithRetry(ctx, batch)
	if err != nil {
		p.spill(ctx, batch)
		return
	}

	if inserted > 0 {
		metrics.RecordsIngested.WithLabelValues(p.cfg.Spider).Add(float64(inserted))
		if err := p.counters.BumpCounters(ctx, p.cfg.RunID, int64(inserted), 0, 0); err != nil {
			p.logger.Warn("failed to bump items count", log.Error(err))
		}
	}
}

func (p *Pipeline) insertWithRetry(ctx context.Context, batch []records.Record) (int, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (int, error) {
		n, err := p.sink.InsertBatch(ctx, p.cfg.RunID, batch)
		if err != nil {
			return 0, err
		}
		return n, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(p.cfg.Retries)))
}

// spill writes a failed batch to a backup line file next to the output
// file. Reconciliation replays it later; the record store's unique index
// makes the replay idempotent.
func (p *Pipeline) spill(ctx context.Context, batch []records.Record) {
	if p.cfg.BackupDir == "" {
		p.logger.Error("dropping batch: no backup directory configured",
			slog.Int("records", len(batch)))
		return
	}
	if err := os.MkdirAll(p.cfg.BackupDir, 0o755); err != nil {
		p.logger.Error("failed to create backup directory", log.Error(err))
		return
	}

	name := fmt.Sprintf("ingest-%d.jsonl", time.Now().UnixNano())
	path := filepath.Join(p.cfg.BackupDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		p.logger.Error("failed to create backup file", log.Error(err))
		return
	}
	defer f.Close()

	for _, rec := range batch {
		if _, err := f.Write(append(rec.Payload, '\n')); err != nil {
			p.logger.Error("failed to write backup file", log.Error(err))
			return
		}
	}

	metrics.IngestSpills.Inc()
	p.logger.Warn("record store unavailable, batch spilled to backup",
		slog.String("path", path), slog.Int("records", len(batch)))

	if !p.degraded {
		p.degraded = true
		if err := p.counters.SetIngestDegraded(ctx, p.cfg.RunID, true); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("failed to mark run degraded", log.Error(err))
		}
	}
}
