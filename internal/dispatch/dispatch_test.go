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

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawld/crawld/internal/queue"
	"github.com/crawld/crawld/internal/store"
	"github.com/crawld/crawld/internal/worker"
)

// fakeWorkers counts started runs without spawning anything.
type fakeWorkers struct {
	mu      sync.Mutex
	started []worker.StartRequest
	active  map[string]string // spiderID -> projectID of "running" runs
	release chan struct{}     // when set, runs stay active until closed
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{active: make(map[string]string)}
}

func (f *fakeWorkers) StartRun(_ context.Context, req worker.StartRequest) (*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	if f.release != nil {
		f.active[req.SpiderID] = "project"
	}
	return &store.Run{ID: "run", SpiderID: req.SpiderID, State: store.RunStateRunning}, nil
}

func (f *fakeWorkers) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

func (f *fakeWorkers) ActiveFor(spiderID, projectID string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var spider, project int
	for sid, pid := range f.active {
		if sid == spiderID {
			spider++
		}
		if pid == projectID {
			project++
		}
	}
	return spider, project
}

func (f *fakeWorkers) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type fakeSpiders struct {
	spiders map[string]*store.Spider
}

func (f *fakeSpiders) GetSpider(_ context.Context, id string) (*store.Spider, error) {
	s, ok := f.spiders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func newFakeSpiders(ids ...string) *fakeSpiders {
	f := &fakeSpiders{spiders: make(map[string]*store.Spider)}
	for _, id := range ids {
		f.spiders[id] = &store.Spider{ID: id, ProjectID: "project", Name: id}
	}
	return f
}

func runDispatcher(t *testing.T, d *Dispatcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestDispatchStartsRun(t *testing.T) {
	q := queue.NewMemoryQueue()
	workers := newFakeWorkers()
	d := New(Config{}, q, workers, newFakeSpiders("s1"))
	stop := runDispatcher(t, d)
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), &queue.DispatchRequest{
		ID: "r1", SpiderID: "s1", ScheduleID: "sched1",
		Origin: string(store.OriginSchedule),
	}))

	assert.Eventually(t, func() bool { return workers.startedCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	workers.mu.Lock()
	defer workers.mu.Unlock()
	assert.Equal(t, "s1", workers.started[0].SpiderID)
	assert.Equal(t, "sched1", workers.started[0].ScheduleID)
	assert.Equal(t, store.OriginSchedule, workers.started[0].Origin)
}

func TestDispatchDropsMissingSpider(t *testing.T) {
	q := queue.NewMemoryQueue()
	workers := newFakeWorkers()
	d := New(Config{RequeueDelay: 10 * time.Millisecond}, q, workers, newFakeSpiders("s1"))
	stop := runDispatcher(t, d)
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), &queue.DispatchRequest{
		ID: "r1", SpiderID: "deleted",
	}))
	require.NoError(t, q.Enqueue(context.Background(), &queue.DispatchRequest{
		ID: "r2", SpiderID: "s1",
	}))

	assert.Eventually(t, func() bool { return workers.startedCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	workers.mu.Lock()
	defer workers.mu.Unlock()
	assert.Equal(t, "s1", workers.started[0].SpiderID)
}

func TestGlobalCapRequeues(t *testing.T) {
	q := queue.NewMemoryQueue()
	workers := newFakeWorkers()
	workers.release = make(chan struct{})
	d := New(Config{MaxConcurrent: 1, MaxPerSpider: 5, RequeueDelay: 20 * time.Millisecond},
		q, workers, newFakeSpiders("s1", "s2"))
	stop := runDispatcher(t, d)
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), &queue.DispatchRequest{ID: "r1", SpiderID: "s1"}))
	require.NoError(t, q.Enqueue(context.Background(), &queue.DispatchRequest{ID: "r2", SpiderID: "s2"}))

	// Only the first fits under the cap; the second keeps requeueing.
	assert.Eventually(t, func() bool { return workers.startedCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, workers.startedCount())

	// Freeing capacity lets the requeued request through.
	workers.mu.Lock()
	workers.active = make(map[string]string)
	workers.release = nil
	workers.mu.Unlock()

	assert.Eventually(t, func() bool { return workers.startedCount() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestPerSpiderCapRequeues(t *testing.T) {
	q := queue.NewMemoryQueue()
	workers := newFakeWorkers()
	workers.release = make(chan struct{})
	d := New(Config{MaxConcurrent: 10, MaxPerSpider: 1, RequeueDelay: 20 * time.Millisecond},
		q, workers, newFakeSpiders("s1"))
	stop := runDispatcher(t, d)
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), &queue.DispatchRequest{ID: "r1", SpiderID: "s1"}))
	require.NoError(t, q.Enqueue(context.Background(), &queue.DispatchRequest{ID: "r2", SpiderID: "s1"}))

	assert.Eventually(t, func() bool { return workers.startedCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, workers.startedCount(), "same spider must not run twice")
}

func TestRequeueAgesToHighPriority(t *testing.T) {
	q := queue.NewMemoryQueue()
	workers := newFakeWorkers()
	d := New(Config{RequeueLimit: 3}, q, workers, newFakeSpiders("s1"))

	req := &queue.DispatchRequest{ID: "r1", SpiderID: "s1", RequeueCount: 3}
	d.requeue(req)

	assert.Equal(t, 4, req.RequeueCount)
	assert.Equal(t, 1, req.Priority)
}

func TestSubmitManualRequest(t *testing.T) {
	q := queue.NewMemoryQueue()
	workers := newFakeWorkers()
	d := New(Config{}, q, workers, newFakeSpiders("s1"))

	id, err := d.Submit(context.Background(), "s1", map[string]string{"DEPTH_LIMIT": "1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	req, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(store.OriginManual), req.Origin)
	assert.Equal(t, "1", req.Settings["DEPTH_LIMIT"])
}

func TestRunReturnsOnQueueClose(t *testing.T) {
	q := queue.NewMemoryQueue()
	workers := newFakeWorkers()
	d := New(Config{}, q, workers, newFakeSpiders())

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on queue close")
	}
}
