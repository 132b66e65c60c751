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

package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/crawld/crawld/internal/config"
	"github.com/crawld/crawld/internal/lifecycle"
	"github.com/crawld/crawld/internal/supervise"
)

// startupTimeout bounds how long start waits for a service to turn
// healthy before reporting failure.
const startupTimeout = 15 * time.Second

// knownServices lists the supervisable units in start order.
var knownServices = []string{"crawld"}

// healthURL returns a service's health endpoint. Every current unit
// shares the daemon listener.
func healthURL(settings *config.Settings) string {
	return "http://" + settings.ListenAddr + "/healthz"
}

// buildUnits resolves the selected service names into supervised units.
// The supervisor owns the PID files, so crawld is told to skip its own.
func buildUnits(settings *config.Settings, names []string) ([]supervise.Unit, error) {
	units := make([]supervise.Unit, 0, len(names))
	for _, name := range names {
		bin, err := locateBinary(name)
		if err != nil {
			return nil, err
		}
		checker := lifecycle.NewHealthChecker(healthURL(settings))
		units = append(units, supervise.Unit{
			Name:    name,
			Binary:  bin,
			Args:    []string{"-data-root", settings.DataRoot, "-no-pidfile"},
			PIDPath: settings.PIDPath(name),
			LogPath: settings.ServiceLogPath(name),
			Health:  checker.Check,
		})
	}
	return units, nil
}

// newSupervisor builds a process supervisor over the selected units.
func newSupervisor(settings *config.Settings, names []string) (*supervise.Supervisor, error) {
	units, err := buildUnits(settings, names)
	if err != nil {
		return nil, err
	}
	return supervise.New(supervise.Config{
		MaxRestarts:   settings.MaxRestarts,
		RestartWindow: settings.RestartWindow,
		Grace:         settings.ShutdownGrace,
		OnStableFailure: func(unit string) {
			fmt.Fprintf(os.Stderr, "%s keeps crashing, suspended until restart\n", unit)
		},
	}, units), nil
}

// locateBinary finds the service executable: next to crawlctl first, then
// on PATH.
func locateBinary(name string) (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), name)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("cannot locate %s binary: %w", name, err)
	}
	return path, nil
}

// serviceStatus is one unit's observed state for the status surface.
type serviceStatus struct {
	Name    string `json:"name"`
	PID     int    `json:"pid,omitempty"`
	Running bool   `json:"running"`
	Healthy bool   `json:"healthy"`
}

// probeStatuses combines supervisor PID-file state with a health ping.
func probeStatuses(ctx context.Context, settings *config.Settings, sup *supervise.Supervisor) []serviceStatus {
	checker := lifecycle.NewHealthChecker(healthURL(settings))
	var out []serviceStatus
	for _, st := range sup.Status() {
		s := serviceStatus{Name: st.Name, PID: st.PID, Running: st.Running}
		if st.Running {
			s.Healthy = checker.Check(ctx) == nil
		}
		out = append(out, s)
	}
	return out
}
