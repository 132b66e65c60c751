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
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crawld/crawld/internal/config"
	"github.com/crawld/crawld/internal/lifecycle"
)

// selection is the resolved target of one command invocation.
type selection struct {
	settings *config.Settings
	names    []string
}

// resolve turns the persistent flags into settings plus the selected
// service names.
func resolve(opts *rootOptions) (selection, error) {
	s, err := opts.settings()
	if err != nil {
		return selection{}, err
	}
	names, err := opts.selectServices(knownServices)
	if err != nil {
		return selection{}, err
	}
	return selection{settings: s, names: names}, nil
}

func newStartCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the control-plane services",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			r, err := resolve(opts)
			if err != nil {
				return err
			}
			sup, err := newSupervisor(r.settings, r.names)
			if err != nil {
				return err
			}
			if err := sup.StartAll(); err != nil {
				return Errorf(ExitPartial, "start failed: %v", err)
			}
			if err := lifecycle.NewHealthChecker(healthURL(r.settings)).WaitUntilHealthy(startupTimeout); err != nil {
				return Errorf(ExitPartial, "services started but never turned healthy: %v", err)
			}
			for _, st := range sup.Status() {
				fmt.Printf("%s running (pid %d)\n", st.Name, st.PID)
			}
			return nil
		},
	}
}

func newStopCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the control-plane services",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			r, err := resolve(opts)
			if err != nil {
				return err
			}
			sup, err := newSupervisor(r.settings, r.names)
			if err != nil {
				return err
			}
			if err := sup.StopAll(); err != nil {
				return Errorf(ExitPartial, "stop failed: %v", err)
			}
			fmt.Println("stopped")
			return nil
		},
	}
}

func newRestartCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the control-plane services",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			r, err := resolve(opts)
			if err != nil {
				return err
			}
			sup, err := newSupervisor(r.settings, r.names)
			if err != nil {
				return err
			}
			if err := sup.StopAll(); err != nil {
				return Errorf(ExitPartial, "stop failed: %v", err)
			}
			if err := sup.StartAll(); err != nil {
				return Errorf(ExitPartial, "start failed: %v", err)
			}
			if err := lifecycle.NewHealthChecker(healthURL(r.settings)).WaitUntilHealthy(startupTimeout); err != nil {
				return Errorf(ExitPartial, "services restarted but never turned healthy: %v", err)
			}
			fmt.Println("restarted")
			return nil
		},
	}
}

// newWatchCommand runs the process supervisor in the foreground,
// restarting crashed services until interrupted.
func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Supervise the services in the foreground, restarting on failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := resolve(opts)
			if err != nil {
				return err
			}
			sup, err := newSupervisor(r.settings, r.names)
			if err != nil {
				return err
			}
			if err := sup.StartAll(); err != nil {
				return Errorf(ExitPartial, "start failed: %v", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Println("watching services, ^C to stop them and exit")
			_ = sup.Run(ctx)
			if err := sup.StopAll(); err != nil {
				return Errorf(ExitPartial, "shutdown failed: %v", err)
			}
			return nil
		},
	}
}
