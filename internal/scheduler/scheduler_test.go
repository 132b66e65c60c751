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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawld/crawld/internal/queue"
	"github.com/crawld/crawld/internal/store"
)

// fakeScheduleStore is an in-memory ScheduleStore with the same
// compare-and-set advancement semantics as the SQLite store.
type fakeScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*store.Schedule
	loadErr   error
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{schedules: make(map[string]*store.Schedule)}
}

func (f *fakeScheduleStore) add(s *store.Schedule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[s.ID] = s
}

func (f *fakeScheduleStore) LoadDueSchedules(_ context.Context, now time.Time) ([]*store.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	var due []*store.Schedule
	for _, s := range f.schedules {
		if s.Active && s.NextFireTime != nil && !s.NextFireTime.After(now) {
			cp := *s
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (f *fakeScheduleStore) AdvanceSchedule(_ context.Context, id string, prevLastFire *time.Time, firedAt, next time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok || !s.Active {
		return false, nil
	}
	switch {
	case prevLastFire == nil && s.LastFireTime != nil:
		return false, nil
	case prevLastFire != nil && (s.LastFireTime == nil || !s.LastFireTime.Equal(*prevLastFire)):
		return false, nil
	}
	s.LastFireTime = &firedAt
	s.NextFireTime = &next
	return true, nil
}

func schedAt(id, cron string, next time.Time) *store.Schedule {
	return &store.Schedule{
		ID:           id,
		SpiderID:     "spider-" + id,
		Cron:         cron,
		Active:       true,
		NextFireTime: &next,
	}
}

func TestTickDispatchesDueSchedule(t *testing.T) {
	st := newFakeScheduleStore()
	q := queue.NewMemoryQueue()
	s := New(st, q, time.Second, nil)

	now := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }

	fireAt := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	st.add(schedAt("s1", "0 * * * *", fireAt))

	s.Tick(context.Background())

	require.Equal(t, 1, q.Len())
	req, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s1", req.ScheduleID)
	assert.Equal(t, "spider-s1", req.SpiderID)
	assert.Equal(t, string(store.OriginSchedule), req.Origin)
	assert.Equal(t, fireAt, req.FiredAt)

	got := st.schedules["s1"]
	require.NotNil(t, got.LastFireTime)
	assert.Equal(t, fireAt, *got.LastFireTime)
	assert.Equal(t, time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC), *got.NextFireTime)
}

func TestTickSkipsFutureSchedule(t *testing.T) {
	st := newFakeScheduleStore()
	q := queue.NewMemoryQueue()
	s := New(st, q, time.Second, nil)

	now := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }

	st.add(schedAt("s1", "0 * * * *", now.Add(time.Hour)))
	s.Tick(context.Background())
	assert.Zero(t, q.Len())
}

func TestTickFoldsMissedFiresToLatest(t *testing.T) {
	st := newFakeScheduleStore()
	q := queue.NewMemoryQueue()
	s := New(st, q, time.Second, nil)

	// The daemon was down for six hours; exactly one dispatch results,
	// stamped with the most recent missed fire time.
	now := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	st.add(schedAt("s1", "0 * * * *", time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)))

	s.Tick(context.Background())

	require.Equal(t, 1, q.Len())
	req, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), req.FiredAt)
	assert.Equal(t, time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), *st.schedules["s1"].NextFireTime)
}

func TestTickDoesNotDoubleFire(t *testing.T) {
	st := newFakeScheduleStore()
	q := queue.NewMemoryQueue()
	s := New(st, q, time.Second, nil)

	now := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }
	st.add(schedAt("s1", "0 * * * *", time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)))

	s.Tick(context.Background())
	s.Tick(context.Background())

	assert.Equal(t, 1, q.Len(), "second tick must not re-dispatch the same fire")
}

func TestConcurrentTicksDispatchOnce(t *testing.T) {
	st := newFakeScheduleStore()
	q := queue.NewMemoryQueue()

	now := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)
	st.add(schedAt("s1", "0 * * * *", time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)))

	// Two scheduler instances sharing the store, as after an accidental
	// double daemon start.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		s := New(st, q, time.Second, nil)
		s.now = func() time.Time { return now }
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, q.Len())
}

func TestTickSkipsUnparseableCron(t *testing.T) {
	st := newFakeScheduleStore()
	q := queue.NewMemoryQueue()
	s := New(st, q, time.Second, nil)

	now := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }

	bad := schedAt("bad", "definitely not cron", now.Add(-time.Minute))
	good := schedAt("good", "* * * * *", now.Add(-time.Minute))
	st.add(bad)
	st.add(good)

	s.Tick(context.Background())

	require.Equal(t, 1, q.Len())
	req, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "good", req.ScheduleID)
	assert.Nil(t, st.schedules["bad"].LastFireTime, "bad schedule must not advance")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := newFakeScheduleStore()
	q := queue.NewMemoryQueue()
	s := New(st, q, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
