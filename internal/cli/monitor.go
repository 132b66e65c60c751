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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawld/crawld/internal/store"
)

// daemonStatus mirrors the daemon's /status payload.
type daemonStatus struct {
	State      string       `json:"state"`
	Uptime     string       `json:"uptime"`
	ActiveRuns int          `json:"active_runs"`
	QueueDepth int          `json:"queue_depth"`
	Runs       []*store.Run `json:"runs"`
}

func newMonitorCommand(opts *rootOptions) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch run progress live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := opts.settings()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := &http.Client{Timeout: 5 * time.Second}
			url := "http://" + settings.ListenAddr + "/status"

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				st, err := fetchStatus(ctx, client, url)
				if err != nil {
					return Errorf(ExitPartial, "daemon unreachable at %s: %v", settings.ListenAddr, err)
				}
				render(st, opts.jsonOut)

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Refresh interval")
	return cmd
}

func fetchStatus(ctx context.Context, client *http.Client, url string) (*daemonStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var st daemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

func render(st *daemonStatus, jsonOut bool) {
	if jsonOut {
		_ = json.NewEncoder(os.Stdout).Encode(st)
		return
	}
	if isTTY() {
		// Clear and home, a full-screen refresh without a TUI stack.
		fmt.Print("\033[2J\033[H")
	}
	fmt.Printf("%s  uptime %s  active %d  queued %d\n\n",
		style(headerStyle, "crawld"), st.Uptime, st.ActiveRuns, st.QueueDepth)
	renderRunTable(st.Runs)
}
