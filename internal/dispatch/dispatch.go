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

// Package dispatch consumes the dispatch queue and enforces the global
// and per-scope concurrency caps before handing runs to the worker
// supervisor.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crawld/crawld/internal/log"
	"github.com/crawld/crawld/internal/metrics"
	"github.com/crawld/crawld/internal/queue"
	"github.com/crawld/crawld/internal/store"
	"github.com/crawld/crawld/internal/worker"
)

// Starter is the slice of the worker supervisor the dispatcher uses.
type Starter interface {
	StartRun(ctx context.Context, req worker.StartRequest) (*store.Run, error)
	ActiveFor(spiderID, projectID string) (spider, project int)
	Active() int
}

// SpiderStore resolves a request's spider to its project for the
// per-project cap.
type SpiderStore interface {
	GetSpider(ctx context.Context, id string) (*store.Spider, error)
}

// Config contains dispatcher configuration.
type Config struct {
	// MaxConcurrent caps simultaneous runs overall. Default 3.
	MaxConcurrent int
	// MaxPerSpider caps simultaneous runs of one spider. Default 1.
	MaxPerSpider int
	// MaxPerProject caps simultaneous runs per project. 0 means unlimited.
	MaxPerProject int
	// RequeueLimit is how many capacity requeues a request tolerates
	// before aging to high priority. Default 100.
	RequeueLimit int
	// RequeueDelay spaces capacity requeues. Default 1s.
	RequeueDelay time.Duration

	Logger *slog.Logger
}

// Dispatcher is the single consumer of the dispatch queue.
type Dispatcher struct {
	cfg     Config
	queue   queue.Queue
	workers Starter
	spiders SpiderStore
	logger  *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config, q queue.Queue, workers Starter, spiders SpiderStore) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MaxPerSpider <= 0 {
		cfg.MaxPerSpider = 1
	}
	if cfg.RequeueLimit <= 0 {
		cfg.RequeueLimit = 100
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   q,
		workers: workers,
		spiders: spiders,
		logger:  log.WithComponent(cfg.Logger, "dispatch"),
	}
}

// Submit enqueues a manual dispatch request. It receives the same
// treatment as a scheduler fire.
func (d *Dispatcher) Submit(ctx context.Context, spiderID string, settings map[string]string) (string, error) {
	req := &queue.DispatchRequest{
		ID:        uuid.NewString(),
		SpiderID:  spiderID,
		Origin:    string(store.OriginManual),
		Settings:  settings,
		FiredAt:   time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return "", err
	}
	metrics.QueueDepth.Set(float64(d.queue.Len()))
	return req.ID, nil
}

// Run consumes the queue until the context is cancelled or the queue
// closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		req, err := d.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return nil
			}
			return err
		}
		metrics.QueueDepth.Set(float64(d.queue.Len()))
		d.handle(ctx, req)
	}
}

// handle starts the requested run or requeues it when a cap is at its
// ceiling.
func (d *Dispatcher) handle(ctx context.Context, req *queue.DispatchRequest) {
	spider, err := d.spiders.GetSpider(ctx, req.SpiderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The spider or its project was deleted after the fire.
			d.logger.Warn("dropping dispatch request for missing spider",
				slog.String(log.SpiderKey, req.SpiderID))
			return
		}
		d.logger.Error("failed to resolve spider, requeueing",
			slog.String(log.SpiderKey, req.SpiderID), log.Error(err))
		d.requeue(req)
		return
	}

	if !d.hasCapacity(spider) {
		d.requeue(req)
		return
	}

	if _, err := d.workers.StartRun(ctx, worker.StartRequest{
		SpiderID:   req.SpiderID,
		ScheduleID: req.ScheduleID,
		Origin:     store.RunOrigin(req.Origin),
		Settings:   req.Settings,
	}); err != nil {
		// Spawn failures are recorded on the run row by the supervisor;
		// retrying here would double-fire the schedule.
		d.logger.Error("failed to start run",
			slog.String(log.SpiderKey, spider.Name), log.Error(err))
	}
}

// hasCapacity checks the global, per-spider and per-project caps.
func (d *Dispatcher) hasCapacity(spider *store.Spider) bool {
	if d.workers.Active() >= d.cfg.MaxConcurrent {
		return false
	}
	perSpider, perProject := d.workers.ActiveFor(spider.ID, spider.ProjectID)
	if perSpider >= d.cfg.MaxPerSpider {
		return false
	}
	if d.cfg.MaxPerProject > 0 && perProject >= d.cfg.MaxPerProject {
		return false
	}
	return true
}

// requeue puts a request back after a short delay, preserving FIFO
// fairness. Past the requeue limit the request ages to high priority so
// a busy scope cannot starve it forever.
func (d *Dispatcher) requeue(req *queue.DispatchRequest) {
	req.RequeueCount++
	if req.RequeueCount > d.cfg.RequeueLimit {
		req.Priority = 1
	}
	metrics.DispatchRequeues.Inc()

	time.AfterFunc(d.cfg.RequeueDelay, func() {
		if err := d.queue.Enqueue(context.Background(), req); err != nil {
			d.logger.Warn("failed to requeue dispatch request",
				slog.String("request", req.ID), log.Error(err))
		}
	})
}
