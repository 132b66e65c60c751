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

// Package supervise keeps the platform's long-lived services alive. It
// is stateless across its own restarts: unit identity comes from PID
// files and command configuration, never from an in-memory registry.
package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/crawld/crawld/internal/lifecycle"
	"github.com/crawld/crawld/internal/log"
	"github.com/crawld/crawld/internal/metrics"
)

// Unit is one supervised service.
type Unit struct {
	Name    string
	Binary  string
	Args    []string
	PIDPath string
	LogPath string

	// Health is an optional liveness predicate beyond process existence,
	// typically an HTTP health ping. Nil means PID liveness only.
	Health func(ctx context.Context) error
}

// UnitStatus is one unit's observed state.
type UnitStatus struct {
	Name          string `json:"name"`
	PID           int    `json:"pid"`
	Running       bool   `json:"running"`
	Restarts      int    `json:"restarts"`
	StableFailure bool   `json:"stable_failure"`
}

// Config contains supervisor configuration.
type Config struct {
	// MaxRestarts within RestartWindow before the unit latches into
	// StableFailure. Defaults 5 and 5m.
	MaxRestarts   int
	RestartWindow time.Duration

	// CheckInterval is the watchdog tick. Default 10s.
	CheckInterval time.Duration

	// Grace is the per-unit SIGTERM window on shutdown. Default 10s.
	Grace time.Duration

	// OnStableFailure is the alert hook. Optional.
	OnStableFailure func(unit string)

	// CommandMatch guards against PID reuse: a PID-file process whose
	// command line lacks this substring is treated as stale. Default
	// "crawld".
	CommandMatch string

	Logger *slog.Logger
}

// Supervisor watches an ordered list of units. Units start in list
// order and stop in reverse order.
type Supervisor struct {
	cfg    Config
	units  []Unit
	logger *slog.Logger

	mu       sync.Mutex
	restarts map[string][]time.Time
	latched  map[string]bool
}

// New creates a supervisor for the given units.
func New(cfg Config, units []Unit) *Supervisor {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = 5 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.CommandMatch == "" {
		cfg.CommandMatch = "crawld"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		units:    units,
		logger:   log.WithComponent(cfg.Logger, "supervise"),
		restarts: make(map[string][]time.Time),
		latched:  make(map[string]bool),
	}
}

// StartAll brings every unit up in order. Units whose PID file already
// names a live crawld process are adopted, not respawned.
func (s *Supervisor) StartAll() error {
	var firstErr error
	for _, u := range s.units {
		if pid, ok := s.livePID(u); ok {
			s.logger.Info("adopting running service",
				slog.String(log.ServiceKey, u.Name), slog.Int("pid", pid))
			continue
		}
		if err := s.spawn(u); err != nil {
			s.logger.Error("failed to start service",
				slog.String(log.ServiceKey, u.Name), log.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopAll stops every unit in reverse order, escalating to SIGKILL
// after the grace window.
func (s *Supervisor) StopAll() error {
	var firstErr error
	for i := len(s.units) - 1; i >= 0; i-- {
		u := s.units[i]
		if err := s.stopUnit(u); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run watchdogs the units until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

// Status reports every unit's observed state, derived from PID files.
func (s *Supervisor) Status() []UnitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UnitStatus, 0, len(s.units))
	for _, u := range s.units {
		st := UnitStatus{
			Name:          u.Name,
			Restarts:      len(s.restarts[u.Name]),
			StableFailure: s.latched[u.Name],
		}
		if pid, err := lifecycle.NewPIDFile(u.PIDPath).Read(); err == nil {
			st.PID = pid
			st.Running = lifecycle.IsRunning(pid)
		}
		out = append(out, st)
	}
	return out
}

// checkAll probes each unit once and restarts the unhealthy ones.
func (s *Supervisor) checkAll(ctx context.Context) {
	for _, u := range s.units {
		s.mu.Lock()
		latched := s.latched[u.Name]
		s.mu.Unlock()
		if latched {
			continue
		}
		if s.healthy(ctx, u) {
			continue
		}
		s.restart(u)
	}
}

// healthy combines PID liveness with the unit's optional health ping.
func (s *Supervisor) healthy(ctx context.Context, u Unit) bool {
	pid, ok := s.livePID(u)
	if !ok {
		return false
	}
	if u.Health == nil {
		return true
	}
	if err := u.Health(ctx); err != nil {
		s.logger.Warn("service unhealthy",
			slog.String(log.ServiceKey, u.Name),
			slog.Int("pid", pid),
			log.Error(err))
		return false
	}
	return true
}

// livePID reads the unit's PID file and verifies the process is a live
// service of ours, guarding against stale files and PID reuse.
func (s *Supervisor) livePID(u Unit) (int, bool) {
	pid, err := lifecycle.NewPIDFile(u.PIDPath).Read()
	if err != nil {
		return 0, false
	}
	if !lifecycle.IsRunning(pid) {
		return 0, false
	}
	cmd, err := lifecycle.Command(pid)
	if err != nil || !strings.Contains(cmd, s.cfg.CommandMatch) {
		return 0, false
	}
	return pid, true
}

// restart tears the unit down and respawns it, subject to the restart
// rate limit. Exceeding the limit latches StableFailure.
func (s *Supervisor) restart(u Unit) {
	now := time.Now()

	s.mu.Lock()
	recent := s.restarts[u.Name][:0]
	for _, ts := range s.restarts[u.Name] {
		if now.Sub(ts) < s.cfg.RestartWindow {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= s.cfg.MaxRestarts {
		s.restarts[u.Name] = recent
		s.latched[u.Name] = true
		s.mu.Unlock()
		s.logger.Error("service exceeded restart limit, suspending",
			slog.String(log.ServiceKey, u.Name),
			slog.Int("restarts", len(recent)))
		if s.cfg.OnStableFailure != nil {
			s.cfg.OnStableFailure(u.Name)
		}
		return
	}
	s.restarts[u.Name] = append(recent, now)
	s.mu.Unlock()

	// Kill whatever is left of the old incarnation's group first.
	if pid, err := lifecycle.NewPIDFile(u.PIDPath).Read(); err == nil && lifecycle.IsRunning(pid) {
		_ = lifecycle.KillGroup(pid, syscall.SIGKILL)
		_ = lifecycle.WaitForExit(pid, 5*time.Second)
	}
	_ = os.Remove(u.PIDPath)

	metrics.SupervisorRestarts.WithLabelValues(u.Name).Inc()
	s.logger.Info("restarting service", slog.String(log.ServiceKey, u.Name))
	if err := s.spawn(u); err != nil {
		s.logger.Error("failed to restart service",
			slog.String(log.ServiceKey, u.Name), log.Error(err))
	}
}

// spawn starts the unit detached and records its PID file.
func (s *Supervisor) spawn(u Unit) error {
	pid, err := lifecycle.SpawnDetached(u.Binary, u.Args, u.LogPath, nil)
	if err != nil {
		return err
	}
	if err := writePIDFile(u.PIDPath, pid); err != nil {
		return err
	}
	s.logger.Info("service started",
		slog.String(log.ServiceKey, u.Name), slog.Int("pid", pid))
	return nil
}

// stopUnit gracefully stops one unit and clears its PID file.
func (s *Supervisor) stopUnit(u Unit) error {
	pid, err := lifecycle.NewPIDFile(u.PIDPath).Read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if lifecycle.IsRunning(pid) {
		if err := lifecycle.GracefulShutdown(pid, s.cfg.Grace, true); err != nil {
			return fmt.Errorf("failed to stop %s: %w", u.Name, err)
		}
	}
	if err := os.Remove(u.PIDPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.logger.Info("service stopped", slog.String(log.ServiceKey, u.Name))
	return nil
}

// writePIDFile records a child PID. The child does not hold the lock
// itself, so a plain write replaces the locked create here.
func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o600)
}
