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

// Package daemon assembles the control plane: scheduler, dispatcher,
// worker supervisor, reconciliation engine, progress broadcaster and the
// health/metrics listener, all driven by one task group.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/crawld/crawld/internal/broadcast"
	"github.com/crawld/crawld/internal/config"
	"github.com/crawld/crawld/internal/dispatch"
	"github.com/crawld/crawld/internal/gc"
	"github.com/crawld/crawld/internal/log"
	"github.com/crawld/crawld/internal/queue"
	"github.com/crawld/crawld/internal/reconcile"
	"github.com/crawld/crawld/internal/scheduler"
	"github.com/crawld/crawld/internal/store"
	"github.com/crawld/crawld/internal/store/records"
	"github.com/crawld/crawld/internal/tracing"
	"github.com/crawld/crawld/internal/worker"
)

// Daemon is one assembled control-plane instance.
type Daemon struct {
	settings *config.Settings
	logger   *slog.Logger

	store       *store.Store
	records     *records.Store
	queue       *queue.MemoryQueue
	workers     *worker.Supervisor
	dispatcher  *dispatch.Dispatcher
	scheduler   *scheduler.Scheduler
	reconciler  *reconcile.Engine
	broadcaster *broadcast.Broadcaster
	sweeper     *gc.Sweeper

	listener net.Listener
	started  time.Time
}

// New opens the stores and wires the components. The daemon does not run
// until Run is called.
func New(settings *config.Settings, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(settings.DataRoot, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}

	st, err := store.Open(store.Config{Path: settings.DatabasePath(), WAL: true})
	if err != nil {
		return nil, err
	}
	recs, err := records.Open(settings.DatabasePath())
	if err != nil {
		st.Close()
		return nil, err
	}

	d := &Daemon{
		settings:    settings,
		logger:      log.WithComponent(logger, "daemon"),
		store:       st,
		records:     recs,
		queue:       queue.NewMemoryQueue(),
		broadcaster: broadcast.New(settings.BroadcastInterval, logger),
	}

	d.reconciler = reconcile.New(reconcile.Config{
		Settings: settings,
		Interval: settings.ReconcileInterval,
		OnCorrected: func(runID string) {
			if run, err := st.GetRun(context.Background(), runID); err == nil {
				d.broadcaster.StateChanged(broadcast.FromRun("run_reconciled", run))
			}
		},
		Logger: logger,
	}, st, recs)

	d.workers = worker.New(worker.Config{
		Settings: settings,
		OnEvent: func(event string, run *store.Run) {
			d.broadcaster.StateChanged(broadcast.FromRun(event, run))
		},
		OnFinalized: func(runID string) {
			ctx, span := tracing.StartSpan(context.Background(), "reconcile")
			defer span.End()
			if err := d.reconciler.ReconcileRun(ctx, runID); err != nil {
				d.logger.Warn("post-run reconciliation failed",
					slog.String(log.RunIDKey, runID), log.Error(err))
			}
		},
		Logger: logger,
	}, st, recs)

	d.dispatcher = dispatch.New(dispatch.Config{
		MaxConcurrent: settings.MaxConcurrentRuns,
		MaxPerSpider:  settings.MaxPerSpider,
		MaxPerProject: settings.MaxPerProject,
		RequeueLimit:  settings.RequeueLimit,
		Logger:        logger,
	}, d.queue, d.workers, st)

	d.scheduler = scheduler.New(st, d.queue, settings.SchedulerTick, logger)

	d.sweeper = gc.New(gc.Config{
		Settings:  settings,
		Interval:  settings.GCInterval,
		Retention: settings.RunRetention,
		Logger:    logger,
	}, st, recs)

	return d, nil
}

// Store exposes the run store for the control surface and tests.
func (d *Daemon) Store() *store.Store { return d.store }

// Submit enqueues a manual run request.
func (d *Daemon) Submit(ctx context.Context, spiderID string, settings map[string]string) (string, error) {
	return d.dispatcher.Submit(ctx, spiderID, settings)
}

// StopRun cancels a supervised run.
func (d *Daemon) StopRun(runID string) error {
	return d.workers.StopRun(runID)
}

// Subscribe attaches a progress subscriber.
func (d *Daemon) Subscribe(buffer int) (<-chan broadcast.Update, func()) {
	return d.broadcaster.Subscribe(buffer)
}

// Addr returns the health listener address, valid once Run has started.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return d.settings.ListenAddr
	}
	return d.listener.Addr().String()
}

// Run serves until the context is cancelled, then shuts down in reverse
// dependency order: producers stop first, workers drain, stores close
// last.
func (d *Daemon) Run(ctx context.Context) error {
	d.started = time.Now().UTC()

	ln, err := net.Listen("tcp", d.settings.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.settings.ListenAddr, err)
	}
	d.listener = ln
	srv := &http.Server{Handler: d.routes(), ReadHeaderTimeout: 5 * time.Second}

	d.logger.Info("daemon starting",
		slog.String("addr", ln.Addr().String()),
		slog.String("data_root", d.settings.DataRoot))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(d.scheduler.Run(gctx)) })
	g.Go(func() error { return d.dispatcher.Run(gctx) })
	g.Go(func() error { return ignoreCancel(d.reconciler.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(d.sweeper.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(d.publishProgress(gctx)) })
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.queue.Close()
		d.workers.Shutdown()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	})

	err = g.Wait()

	d.store.Close()
	d.records.Close()
	d.logger.Info("daemon stopped")
	return err
}

// publishProgress pushes throttled counter updates for running runs so
// subscribers see movement between state transitions.
func (d *Daemon) publishProgress(ctx context.Context) error {
	ticker := time.NewTicker(d.settings.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runs, err := d.store.ListRuns(ctx, store.ListFilter{State: store.RunStateRunning})
			if err != nil {
				d.logger.Warn("failed to list running runs", log.Error(err))
				continue
			}
			for _, run := range runs {
				d.broadcaster.Progress(broadcast.FromRun("run_progress", run))
			}
		}
	}
}

// statusPayload is the /status response body.
type statusPayload struct {
	State      string       `json:"state"`
	Uptime     string       `json:"uptime"`
	ActiveRuns int          `json:"active_runs"`
	QueueDepth int          `json:"queue_depth"`
	Runs       []*store.Run `json:"runs"`
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.handleHealthz)
	mux.HandleFunc("GET /status", d.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// The store is the one dependency whose loss makes the daemon
	// useless; probe it rather than just reporting process liveness.
	if _, err := d.store.CountActive(r.Context(), "", ""); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	runs, err := d.store.ListRuns(r.Context(), store.ListFilter{Limit: 20})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	payload := statusPayload{
		State:      "running",
		Uptime:     time.Since(d.started).Truncate(time.Second).String(),
		ActiveRuns: d.workers.Active(),
		QueueDepth: d.queue.Len(),
		Runs:       runs,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// ignoreCancel maps the expected shutdown error to nil.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
