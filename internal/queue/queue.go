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

// Package queue provides the dispatch queue between the scheduler and the
// dispatcher: an ordered FIFO with producer-many / consumer-one semantics.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned when operating on a closed queue.
var ErrQueueClosed = errors.New("queue closed")

// DispatchRequest asks for a new run of a spider. Consumed exactly once.
type DispatchRequest struct {
	ID         string
	ScheduleID string
	SpiderID   string
	Origin     string
	Settings   map[string]string
	FiredAt    time.Time
	Priority   int
	// RequeueCount tracks capacity-driven requeues; the dispatcher ages
	// a request to high priority past its requeue limit.
	RequeueCount int
	CreatedAt    time.Time
}

// Queue defines the interface for dispatch queue implementations.
type Queue interface {
	// Enqueue adds a request to the queue.
	Enqueue(ctx context.Context, req *DispatchRequest) error

	// Dequeue removes and returns the next request.
	// Blocks until one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*DispatchRequest, error)

	// Len returns the number of queued requests.
	Len() int

	// Close closes the queue.
	Close() error
}

// MemoryQueue is an in-memory queue implementation, sufficient for
// single-node deployments.
type MemoryQueue struct {
	mu       sync.Mutex
	requests []*DispatchRequest
	signal   chan struct{}
	closed   bool
	closedMu sync.RWMutex
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		requests: make([]*DispatchRequest, 0),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a request to the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, req *DispatchRequest) error {
	// Held across the signal send: Close must not close the channel
	// between the closed check and the send.
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Insert by priority (higher priority first), FIFO within a priority.
	inserted := false
	for i, r := range q.requests {
		if req.Priority > r.Priority {
			q.requests = append(q.requests[:i], append([]*DispatchRequest{req}, q.requests[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.requests = append(q.requests, req)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// Dequeue removes and returns the next request from the queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*DispatchRequest, error) {
	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, ErrQueueClosed
		}
		q.closedMu.RUnlock()

		q.mu.Lock()
		if len(q.requests) > 0 {
			req := q.requests[0]
			q.requests = q.requests[1:]
			q.mu.Unlock()
			return req, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued requests.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// Close closes the queue. Pending Dequeue callers return ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}
