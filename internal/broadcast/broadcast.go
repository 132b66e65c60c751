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

// Package broadcast fans run progress out to subscribers. Delivery is
// best-effort: slow subscribers miss updates rather than block the
// control plane, and the run store remains the authoritative snapshot.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crawld/crawld/internal/log"
	"github.com/crawld/crawld/internal/store"
)

// Update is one per-run progress delta.
type Update struct {
	Event         string         `json:"event"`
	RunID         string         `json:"run_id"`
	SpiderID      string         `json:"spider_id"`
	State         store.RunState `json:"state"`
	ItemsCount    int64          `json:"items_count"`
	RequestsCount int64          `json:"requests_count"`
	ErrorCount    int64          `json:"error_count"`
	At            time.Time      `json:"at"`
}

// Broadcaster throttles and fans out updates.
type Broadcaster struct {
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	subs     map[int]chan Update
	nextSub  int
	limiters map[string]*rate.Limiter
}

// New creates a broadcaster. interval is the per-run progress floor;
// state transitions bypass it.
func New(interval time.Duration, logger *slog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		interval: interval,
		logger:   log.WithComponent(logger, "broadcast"),
		subs:     make(map[int]chan Update),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned cancel func unregisters and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Progress publishes a counter delta, subject to the per-run rate limit.
// Throttled updates are dropped, not queued.
func (b *Broadcaster) Progress(u Update) {
	b.mu.Lock()
	lim, ok := b.limiters[u.RunID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(b.interval), 1)
		b.limiters[u.RunID] = lim
	}
	allowed := lim.Allow()
	b.mu.Unlock()

	if !allowed {
		return
	}
	b.fanOut(u)
}

// StateChanged publishes a state transition immediately, bypassing the
// rate limit. Terminal transitions release the run's limiter.
func (b *Broadcaster) StateChanged(u Update) {
	if u.State.Terminal() {
		b.mu.Lock()
		delete(b.limiters, u.RunID)
		b.mu.Unlock()
	}
	b.fanOut(u)
}

// fanOut delivers to every subscriber without blocking.
func (b *Broadcaster) fanOut(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
			// Slow subscriber; it re-syncs from the run store.
		}
	}
}

// FromRun builds an update for a run snapshot.
func FromRun(event string, run *store.Run) Update {
	return Update{
		Event:         event,
		RunID:         run.ID,
		SpiderID:      run.SpiderID,
		State:         run.State,
		ItemsCount:    run.ItemsCount,
		RequestsCount: run.RequestsCount,
		ErrorCount:    run.ErrorCount,
		At:            time.Now().UTC(),
	}
}
