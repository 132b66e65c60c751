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

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load builds the effective settings: defaults, then crawld.yaml from the
// data root (if present), then environment overrides. The YAML decode is
// strict; an unknown key fails the load.
func Load() (*Settings, error) {
	env, err := FromEnv()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(env.DataRoot, "crawld.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return env, env.Validate()
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	s := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Environment wins over the file.
	merged, err := overlayEnv(s)
	if err != nil {
		return nil, err
	}
	return merged, merged.Validate()
}

// overlayEnv re-applies environment overrides on top of file values.
func overlayEnv(base *Settings) (*Settings, error) {
	env, err := FromEnv()
	if err != nil {
		return nil, err
	}
	def := Default()

	// Only carry over env values that differ from the defaults; the rest
	// keep the file's choice.
	if env.DataRoot != def.DataRoot {
		base.DataRoot = env.DataRoot
	}
	if env.MaxConcurrentRuns != def.MaxConcurrentRuns {
		base.MaxConcurrentRuns = env.MaxConcurrentRuns
	}
	if env.ShortRunThreshold != def.ShortRunThreshold {
		base.ShortRunThreshold = env.ShortRunThreshold
	}
	if env.SchedulerTick != def.SchedulerTick {
		base.SchedulerTick = env.SchedulerTick
	}
	if env.TailPoll != def.TailPoll {
		base.TailPoll = env.TailPoll
	}
	if env.IngestBatchSize != def.IngestBatchSize {
		base.IngestBatchSize = env.IngestBatchSize
	}
	if env.IngestFlushInterval != def.IngestFlushInterval {
		base.IngestFlushInterval = env.IngestFlushInterval
	}
	if env.BroadcastInterval != def.BroadcastInterval {
		base.BroadcastInterval = env.BroadcastInterval
	}
	if env.ReconcileInterval != def.ReconcileInterval {
		base.ReconcileInterval = env.ReconcileInterval
	}
	if env.RunWallClock != def.RunWallClock {
		base.RunWallClock = env.RunWallClock
	}
	if env.RunMemoryMB != def.RunMemoryMB {
		base.RunMemoryMB = env.RunMemoryMB
	}
	if env.MaxRestarts != def.MaxRestarts {
		base.MaxRestarts = env.MaxRestarts
	}
	if env.RestartWindow != def.RestartWindow {
		base.RestartWindow = env.RestartWindow
	}

	base.clamp()
	return base, nil
}
