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

package supervise

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawld/crawld/internal/lifecycle"
)

// unit builds a supervised unit backed by a shell script.
func unit(t *testing.T, dir, name, script string) Unit {
	t.Helper()
	bin := filepath.Join(dir, name+".sh")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return Unit{
		Name:    name,
		Binary:  bin,
		PIDPath: filepath.Join(dir, "pids", name+".pid"),
		LogPath: filepath.Join(dir, "logs", name+".log"),
	}
}

const longRunner = "#!/bin/sh\nsleep 60\n"

func newSupervisor(t *testing.T, units ...Unit) *Supervisor {
	t.Helper()
	s := New(Config{
		CheckInterval: 50 * time.Millisecond,
		Grace:         time.Second,
		RestartWindow: time.Minute,
		CommandMatch:  ".sh",
	}, units)
	t.Cleanup(func() { _ = s.StopAll() })
	return s
}

func TestStartAllSpawnsUnits(t *testing.T) {
	dir := t.TempDir()
	s := newSupervisor(t,
		unit(t, dir, "alpha", longRunner),
		unit(t, dir, "beta", longRunner))

	require.NoError(t, s.StartAll())

	for _, st := range s.Status() {
		assert.True(t, st.Running, "%s should be running", st.Name)
		assert.Positive(t, st.PID)
	}
}

func TestStartAllAdoptsLiveUnit(t *testing.T) {
	dir := t.TempDir()
	u := unit(t, dir, "alpha", longRunner)
	s := newSupervisor(t, u)

	require.NoError(t, s.StartAll())
	first := s.Status()[0].PID

	// A second StartAll must not respawn the live unit.
	require.NoError(t, s.StartAll())
	assert.Equal(t, first, s.Status()[0].PID)
}

func TestDeadUnitIsRestarted(t *testing.T) {
	dir := t.TempDir()
	u := unit(t, dir, "alpha", longRunner)
	s := newSupervisor(t, u)
	require.NoError(t, s.StartAll())

	pid := s.Status()[0].PID
	require.NoError(t, lifecycle.GracefulShutdown(pid, time.Second, true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool {
		st := s.Status()[0]
		return st.Running && st.PID != pid
	}, 5*time.Second, 50*time.Millisecond, "watchdog should respawn the dead unit")
}

func TestUnhealthyUnitIsRestarted(t *testing.T) {
	dir := t.TempDir()
	u := unit(t, dir, "alpha", longRunner)
	var sick atomic.Bool
	sick.Store(true)
	u.Health = func(context.Context) error {
		if sick.Load() {
			return assert.AnError
		}
		return nil
	}
	s := newSupervisor(t, u)
	require.NoError(t, s.StartAll())
	first := s.Status()[0].PID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.Status()[0].PID != first
	}, 5*time.Second, 50*time.Millisecond)
	sick.Store(false)
}

func TestRestartLimitLatchesStableFailure(t *testing.T) {
	dir := t.TempDir()
	// Exits immediately, so every check finds it dead.
	u := unit(t, dir, "flaky", "#!/bin/sh\nexit 0\n")

	var alerts atomic.Int32
	s := New(Config{
		CheckInterval:   30 * time.Millisecond,
		MaxRestarts:     2,
		RestartWindow:   time.Minute,
		Grace:           time.Second,
		CommandMatch:    ".sh",
		OnStableFailure: func(string) { alerts.Add(1) },
	}, []Unit{u})
	t.Cleanup(func() { _ = s.StopAll() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.Status()[0].StableFailure
	}, 5*time.Second, 30*time.Millisecond)

	assert.Equal(t, int32(1), alerts.Load(), "exactly one alert per latch")
	assert.Equal(t, 2, s.Status()[0].Restarts)
}

func TestStopAllRemovesPIDFiles(t *testing.T) {
	dir := t.TempDir()
	u := unit(t, dir, "alpha", longRunner)
	s := newSupervisor(t, u)
	require.NoError(t, s.StartAll())
	pid := s.Status()[0].PID

	require.NoError(t, s.StopAll())

	assert.False(t, lifecycle.IsRunning(pid))
	_, err := os.Stat(u.PIDPath)
	assert.True(t, os.IsNotExist(err))
}

func TestStalePIDFileIsNotAdopted(t *testing.T) {
	dir := t.TempDir()
	u := unit(t, dir, "alpha", longRunner)
	require.NoError(t, os.MkdirAll(filepath.Dir(u.PIDPath), 0o700))
	// A PID that exists but is not one of ours.
	require.NoError(t, os.WriteFile(u.PIDPath, []byte("1\n"), 0o600))

	s := newSupervisor(t, u)
	require.NoError(t, s.StartAll())

	st := s.Status()[0]
	assert.NotEqual(t, 1, st.PID, "stale PID must be replaced by a fresh spawn")
	assert.True(t, st.Running)
}
