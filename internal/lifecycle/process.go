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

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrShutdownTimeout is returned when the process outlives the
	// graceful window.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// IsRunning reports whether a process with the given PID exists.
// Signal 0 checks existence without delivering anything.
func IsRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Command returns the process's command line from /proc.
func Command(pid int) (string, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return "", fmt.Errorf("failed to inspect process %d: %w", pid, err)
	}
	argv, err := p.CmdLine()
	if err != nil {
		return "", fmt.Errorf("failed to read cmdline of %d: %w", pid, err)
	}
	return strings.Join(argv, " "), nil
}

// IsCrawldProcess reports whether the PID belongs to a crawld service.
// PID files go stale; this guard keeps signals away from whatever
// process inherited the number.
func IsCrawldProcess(pid int) bool {
	cmd, err := Command(pid)
	if err != nil {
		return false
	}
	return strings.Contains(cmd, "crawld")
}

// SendSignal delivers sig to the process.
func SendSignal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}

// WaitForExit polls until the process exits or the timeout elapses.
func WaitForExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ErrShutdownTimeout
}

// GracefulShutdown sends SIGTERM, waits up to timeout, and escalates to
// SIGKILL when force is set.
func GracefulShutdown(pid int, timeout time.Duration, force bool) error {
	if !IsRunning(pid) {
		return ErrProcessNotRunning
	}
	if err := SendSignal(pid, syscall.SIGTERM); err != nil {
		return err
	}
	if err := WaitForExit(pid, timeout); err == nil {
		return nil
	} else if !force {
		return err
	}

	if err := SendSignal(pid, syscall.SIGKILL); err != nil {
		return err
	}
	if err := WaitForExit(pid, 5*time.Second); err != nil {
		return fmt.Errorf("process %d survived SIGKILL: %w", pid, err)
	}
	return nil
}

// KillGroup delivers sig to the whole process group rooted at pgid.
func KillGroup(pgid int, sig syscall.Signal) error {
	return syscall.Kill(-pgid, sig)
}
