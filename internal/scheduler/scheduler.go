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

// Package scheduler turns cron schedules into dispatch requests. The
// schedule table is the shared source of truth; a conditional advancement
// on last_fire_time guarantees at most one dispatch per fire time even
// with concurrent scheduler instances.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crawld/crawld/internal/log"
	"github.com/crawld/crawld/internal/metrics"
	"github.com/crawld/crawld/internal/queue"
	"github.com/crawld/crawld/internal/store"
)

// ScheduleStore is the slice of the run store the scheduler uses.
type ScheduleStore interface {
	LoadDueSchedules(ctx context.Context, now time.Time) ([]*store.Schedule, error)
	AdvanceSchedule(ctx context.Context, id string, prevLastFire *time.Time, firedAt, next time.Time) (bool, error)
}

// Scheduler scans for due schedules on a fixed tick and enqueues a
// dispatch request for each fire it wins.
type Scheduler struct {
	store  ScheduleStore
	queue  queue.Queue
	tick   time.Duration
	logger *slog.Logger

	now func() time.Time
}

// New creates a scheduler. tick is the scan interval.
func New(st ScheduleStore, q queue.Queue, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  st,
		queue:  q,
		tick:   tick,
		logger: log.WithComponent(logger, "scheduler"),
		now:    time.Now,
	}
}

// Run ticks until the context is cancelled. An immediate first scan picks
// up fires missed while the daemon was down.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans once for due schedules and dispatches each fire this
// instance wins. Failures are logged and retried naturally on the next
// tick; the conditional advancement keeps retries from double-firing.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.LoadDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("failed to load due schedules", log.Error(err))
		return
	}

	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire advances one due schedule and enqueues its dispatch request.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) {
	expr, err := ParseCron(sched.Cron)
	if err != nil {
		s.logger.Error("schedule has unparseable cron expression, skipping",
			slog.String(log.ScheduleKey, sched.ID), slog.String("cron", sched.Cron),
			log.Error(err))
		return
	}
	if sched.NextFireTime == nil {
		return
	}

	// A backlog of missed fires (daemon downtime, long clock gaps) folds
	// into the single most recent instant. Periodic crawls re-cover the
	// same ground, so replaying every missed fire would only burn quota.
	firedAt := *sched.NextFireTime
	if latest := expr.Latest(*sched.NextFireTime, now); !latest.IsZero() {
		firedAt = latest
	}
	next := expr.Next(now)
	if next.IsZero() {
		s.logger.Error("cron expression yields no future fire time",
			slog.String(log.ScheduleKey, sched.ID), slog.String("cron", sched.Cron))
		return
	}

	won, err := s.store.AdvanceSchedule(ctx, sched.ID, sched.LastFireTime, firedAt, next)
	if err != nil {
		s.logger.Error("failed to advance schedule",
			slog.String(log.ScheduleKey, sched.ID), log.Error(err))
		return
	}
	if !won {
		// Another instance claimed this fire time. Silent by design of the
		// race, but worth counting.
		metrics.ScheduleRaces.Inc()
		return
	}

	req := &queue.DispatchRequest{
		ID:         uuid.NewString(),
		ScheduleID: sched.ID,
		SpiderID:   sched.SpiderID,
		Origin:     string(store.OriginSchedule),
		Settings:   sched.Settings,
		FiredAt:    firedAt,
		CreatedAt:  now,
	}
	if err := s.queue.Enqueue(ctx, req); err != nil {
		s.logger.Error("failed to enqueue dispatch request",
			slog.String(log.ScheduleKey, sched.ID), log.Error(err))
		return
	}

	metrics.ScheduleFires.Inc()
	s.logger.Info("schedule fired",
		slog.String(log.EventKey, "schedule_fired"),
		slog.String(log.ScheduleKey, sched.ID),
		slog.String(log.SpiderKey, sched.SpiderID),
		slog.Time("fired_at", firedAt),
		slog.Time("next_fire", next))
}
