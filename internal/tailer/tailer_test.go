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

package tailer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, tl *Tailer, n int, timeout time.Duration) []string {
	t.Helper()
	var got []string
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case line, ok := <-tl.Lines():
			if !ok {
				return got
			}
			got = append(got, line)
		case <-deadline:
			t.Fatalf("timed out after %d/%d lines", len(got), n)
		}
	}
	return got
}

func TestEmitsLinesInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"k\":1}\n{\"k\":2}\n"), 0o644))

	tl := New(Config{Path: path, Poll: 100 * time.Millisecond})
	tl.Start()
	defer tl.Stop()

	got := collect(t, tl, 2, 5*time.Second)
	assert.Equal(t, []string{`{"k":1}`, `{"k":2}`}, got)
}

func TestFollowsAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"k\":1}\n"), 0o644))

	tl := New(Config{Path: path, Poll: 100 * time.Millisecond})
	tl.Start()
	defer tl.Stop()

	got := collect(t, tl, 1, 5*time.Second)
	assert.Equal(t, []string{`{"k":1}`}, got)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"k\":2}\n{\"k\":3}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got = collect(t, tl, 2, 5*time.Second)
	assert.Equal(t, []string{`{"k":2}`, `{"k":3}`}, got)
}

func TestPartialLineCarriesAcrossTicks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"k":`), 0o644))

	tl := New(Config{Path: path, Poll: 100 * time.Millisecond})
	tl.Start()
	defer tl.Stop()

	// Nothing complete yet.
	select {
	case line := <-tl.Lines():
		t.Fatalf("unexpected line %q", line)
	case <-time.After(300 * time.Millisecond):
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("1}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got := collect(t, tl, 1, 5*time.Second)
	assert.Equal(t, []string{`{"k":1}`}, got)
}

func TestWaitsForFileToAppear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")

	tl := New(Config{Path: path, Poll: 100 * time.Millisecond, FileWait: 10 * time.Second})
	tl.Start()
	defer tl.Stop()

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("{\"k\":1}\n"), 0o644))

	got := collect(t, tl, 1, 5*time.Second)
	assert.Equal(t, []string{`{"k":1}`}, got)
}

func TestSpawnNoOutputSignal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")

	tl := New(Config{Path: path, Poll: 100 * time.Millisecond, FileWait: 200 * time.Millisecond})
	tl.Start()
	defer tl.Stop()

	select {
	case sig := <-tl.Signals():
		assert.Equal(t, SignalSpawnNoOutput, sig)
	case <-time.After(5 * time.Second):
		t.Fatal("no SpawnNoOutput signal")
	}
}

func TestFileVanishedSignal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"k\":1}\n"), 0o644))

	tl := New(Config{Path: path, Poll: 100 * time.Millisecond})
	tl.Start()
	defer tl.Stop()

	collect(t, tl, 1, 5*time.Second)
	require.NoError(t, os.Remove(path))

	select {
	case sig := <-tl.Signals():
		assert.Equal(t, SignalFileVanished, sig)
	case <-time.After(5 * time.Second):
		t.Fatal("no FileVanished signal")
	}
}

func TestSignalsChannelClosesOnStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"k\":1}\n"), 0o644))

	tl := New(Config{Path: path, Poll: 100 * time.Millisecond})
	tl.Start()
	collect(t, tl, 1, 5*time.Second)
	tl.Stop()

	select {
	case _, ok := <-tl.Signals():
		assert.False(t, ok, "signals channel must be closed, not deliver")
	case <-time.After(2 * time.Second):
		t.Fatal("signals channel never closed after stop")
	}
}

func TestStopFlushesTrailingLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"k\":1}\n"), 0o644))

	tl := New(Config{Path: path, Poll: time.Hour}) // poll never fires; Stop must flush
	tl.Start()

	var got []string
	done := make(chan struct{})
	go func() {
		for line := range tl.Lines() {
			got = append(got, line)
		}
		close(done)
	}()

	tl.Stop()
	<-done
	assert.Equal(t, []string{`{"k":1}`}, got)
}

func TestStopFlushEmitsFinalPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	// End-of-run contract: an unterminated trailing line is a complete record.
	require.NoError(t, os.WriteFile(path, []byte("{\"k\":1}\n{\"k\":2}"), 0o644))

	tl := New(Config{Path: path, Poll: time.Hour})
	tl.Start()

	var got []string
	done := make(chan struct{})
	go func() {
		for line := range tl.Lines() {
			got = append(got, line)
		}
		close(done)
	}()

	tl.Stop()
	<-done
	assert.Equal(t, []string{`{"k":1}`, `{"k":2}`}, got)
}

func TestEachLineEmittedExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	tl := New(Config{Path: path, Poll: 100 * time.Millisecond})
	tl.Start()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	want := 200
	for i := 0; i < want; i++ {
		_, err := f.WriteString(`{"n":` + string(rune('0'+i%10)) + "}\n")
		require.NoError(t, err)
		if i%50 == 0 {
			time.Sleep(120 * time.Millisecond)
		}
	}
	require.NoError(t, f.Close())

	var got []string
	done := make(chan struct{})
	go func() {
		for line := range tl.Lines() {
			got = append(got, line)
		}
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	tl.Stop()
	<-done
	assert.Len(t, got, want)
}
