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
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service liveness and health",
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

			statuses := probeStatuses(cmd.Context(), r.settings, sup)
			allUp := true
			for _, st := range statuses {
				if !st.Running || !st.Healthy {
					allUp = false
				}
			}

			if opts.jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(statuses); err != nil {
					return err
				}
			} else {
				renderServiceTable(statuses)
			}

			if !allUp {
				return Errorf(ExitPartial, "")
			}
			return nil
		},
	}
}
