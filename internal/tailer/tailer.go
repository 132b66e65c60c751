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

// Package tailer follows a growing append-only line-delimited file and
// emits newly appended complete lines, each exactly once, in file order.
package tailer

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal is an out-of-band tailer event.
type Signal string

const (
	// SignalFileVanished means the file disappeared after it had been
	// observed. Non-fatal; surfaced to reconciliation.
	SignalFileVanished Signal = "FileVanished"

	// SignalSpawnNoOutput means the file did not appear within the
	// spawn-wait window. Non-fatal; the tailer keeps polling.
	SignalSpawnNoOutput Signal = "SpawnNoOutput"
)

// Config contains tailer configuration.
type Config struct {
	// Path is the absolute path of the file to follow.
	Path string

	// Poll is the stat interval. Default 500ms, floor 100ms.
	Poll time.Duration

	// FileWait is how long to wait for the file to first appear before
	// signalling SpawnNoOutput. Default 30s.
	FileWait time.Duration

	// HighWater is the buffered-bytes mark past which reads throttle
	// while the consumer catches up. Default 10MB.
	HighWater int64

	Logger *slog.Logger
}

// Tailer follows one file. Lifecycle: New -> Start -> Stop.
type Tailer struct {
	cfg Config

	lines   chan string
	signals chan Signal

	mu       sync.Mutex
	buf      []string
	bufBytes int64
	more     chan struct{}

	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}

	offset  int64
	partial []byte
	seen    bool
}

// New creates a tailer for the given path.
func New(cfg Config) *Tailer {
	if cfg.Poll <= 0 {
		cfg.Poll = 500 * time.Millisecond
	}
	if cfg.Poll < 100*time.Millisecond {
		cfg.Poll = 100 * time.Millisecond
	}
	if cfg.FileWait <= 0 {
		cfg.FileWait = 30 * time.Second
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = 10 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tailer{
		cfg:      cfg,
		lines:    make(chan string),
		signals:  make(chan Signal, 4),
		more:     make(chan struct{}, 1),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Lines returns the channel of complete lines, in file order.
// The channel is closed after Stop once the final flush has drained.
func (t *Tailer) Lines() <-chan string {
	return t.lines
}

// Signals returns the out-of-band event channel. It is closed once the
// tailer has stopped, so range loops over it terminate.
func (t *Tailer) Signals() <-chan Signal {
	return t.signals
}

// Start begins following the file.
func (t *Tailer) Start() {
	go t.emitLoop()
	go t.readLoop()
}

// Stop asks the tailer to perform a final flush and shut down. It blocks
// until every line appended before Stop has been emitted and the Lines
// channel is closed. Lines appended after the final flush are discarded.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopping)
	})
	<-t.done
}

// readLoop stats the file on every tick and buffers complete lines.
// It is the sole sender on signals, so it owns the close.
func (t *Tailer) readLoop() {
	defer close(t.signals)

	waitDeadline := time.Now().Add(t.cfg.FileWait)
	waitSignalled := false

	// A watcher on the parent directory cuts first-line latency during
	// the spawn-wait window; polling remains the source of truth.
	var watchCh chan struct{}
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(filepath.Dir(t.cfg.Path)); err == nil {
			watchCh = make(chan struct{}, 1)
			go func() {
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if ev.Name == t.cfg.Path {
							select {
							case watchCh <- struct{}{}:
							default:
							}
						}
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					}
				}
			}()
		}
		defer watcher.Close()
	}

	ticker := time.NewTicker(t.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopping:
			// Final flush: one unthrottled read to EOF.
			t.poll(true)
			t.closeBuffer()
			return
		case <-ticker.C:
		case <-watchCh:
		}

		if !t.seen && !waitSignalled && time.Now().After(waitDeadline) {
			waitSignalled = true
			t.signal(SignalSpawnNoOutput)
		}

		t.poll(false)
	}
}

// poll reads newly appended bytes from the last processed offset.
func (t *Tailer) poll(final bool) {
	if !final && t.buffered() > t.cfg.HighWater {
		// Backpressure: let the file grow on disk, drain later.
		return
	}

	info, err := os.Stat(t.cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && t.seen {
			t.seen = false
			t.signal(SignalFileVanished)
		}
		return
	}
	t.seen = true

	size := info.Size()
	if size < t.offset {
		// Append-only contract violated; re-read from the new end.
		t.cfg.Logger.Warn("output file shrank",
			slog.String("path", t.cfg.Path),
			slog.Int64("offset", t.offset),
			slog.Int64("size", size))
		t.offset = size
		return
	}
	if size == t.offset {
		return
	}

	f, err := os.Open(t.cfg.Path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, size-t.offset))
	if err != nil {
		return
	}
	t.offset += int64(len(data))

	chunk := append(t.partial, data...)
	var lines []string
	for {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			break
		}
		line := chunk[:idx]
		chunk = chunk[idx+1:]
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, string(line))
		}
	}
	// Trailing partial line carries across ticks; at end-of-run the
	// contract guarantees it is a complete record, so the final flush
	// emits it too.
	t.partial = append([]byte(nil), chunk...)
	if final && len(bytes.TrimSpace(t.partial)) > 0 {
		lines = append(lines, string(t.partial))
		t.partial = nil
	}

	if len(lines) > 0 {
		t.push(lines)
	}
}

func (t *Tailer) push(lines []string) {
	t.mu.Lock()
	for _, l := range lines {
		t.buf = append(t.buf, l)
		t.bufBytes += int64(len(l))
	}
	t.mu.Unlock()
	select {
	case t.more <- struct{}{}:
	default:
	}
}

func (t *Tailer) buffered() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bufBytes
}

func (t *Tailer) closeBuffer() {
	t.mu.Lock()
	t.buf = append(t.buf, "")
	t.mu.Unlock()
	select {
	case t.more <- struct{}{}:
	default:
	}
}

// emitLoop delivers buffered lines to the consumer in order. An empty
// sentinel string marks end of stream.
func (t *Tailer) emitLoop() {
	defer close(t.done)
	defer close(t.lines)
	for {
		t.mu.Lock()
		if len(t.buf) == 0 {
			t.mu.Unlock()
			<-t.more
			continue
		}
		line := t.buf[0]
		t.buf = t.buf[1:]
		t.bufBytes -= int64(len(line))
		t.mu.Unlock()

		if line == "" {
			return
		}
		t.lines <- line
	}
}

func (t *Tailer) signal(s Signal) {
	select {
	case t.signals <- s:
	default:
	}
}
