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

// Package lifecycle provides the process plumbing shared by the daemon
// and the control CLI: PID files, liveness checks, detached spawning,
// and graceful termination of service process groups.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrPIDFileExists means another live instance holds the PID file.
	ErrPIDFileExists = errors.New("PID file already exists")

	// ErrPIDFileLocked means another process holds the flock.
	ErrPIDFileLocked = errors.New("PID file is locked by another process")

	// ErrInvalidPID means the PID file content is not a positive integer.
	ErrInvalidPID = errors.New("invalid PID in file")
)

// PIDFile is one supervised unit's PID file. Creation is atomic
// (O_EXCL) and flock-guarded so two instances cannot both claim it, and
// a symlink planted at the path cannot redirect the write.
type PIDFile struct {
	path string
	lock *os.File
}

// NewPIDFile returns a manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the managed path.
func (p *PIDFile) Path() string {
	return p.path
}

// Create writes pid to the file, holding an exclusive lock for the
// manager's lifetime.
func (p *PIDFile) Create(pid int) error {
	dir := filepath.Dir(p.path)
	if info, err := os.Stat(dir); err == nil && info.Mode()&0o002 != 0 {
		return fmt.Errorf("PID file directory %s is world-writable", dir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return ErrPIDFileExists
		}
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		os.Remove(p.path)
		if err == syscall.EWOULDBLOCK {
			return ErrPIDFileLocked
		}
		return fmt.Errorf("failed to lock PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		f.Close()
		os.Remove(p.path)
		return fmt.Errorf("failed to write PID: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(p.path)
		return fmt.Errorf("failed to sync PID file: %w", err)
	}

	p.lock = f
	return nil
}

// Read returns the recorded PID.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Remove releases the lock and deletes the file.
func (p *PIDFile) Remove() error {
	if p.lock != nil {
		syscall.Flock(int(p.lock.Fd()), syscall.LOCK_UN)
		p.lock.Close()
		p.lock = nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// Exists reports whether the file is present.
func (p *PIDFile) Exists() bool {
	_, err := os.Stat(p.path)
	return err == nil
}
