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

// Package cli implements the crawlctl command tree.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/crawld/crawld/internal/config"
)

// Exit codes of the control CLI.
const (
	ExitOK      = 0
	ExitPartial = 1
	ExitBadArgs = 2
)

// ExitError carries an explicit process exit code through cobra.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

// Errorf builds an ExitError.
func Errorf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

var version = "dev"

// SetVersion records the build version (called from main).
func SetVersion(v string) { version = v }

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	dataRoot string
	services []string
	jsonOut  bool
}

// NewRootCommand creates the crawlctl root command.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "crawlctl",
		Short: "crawlctl controls the crawld execution control plane",
		Long: `crawlctl manages the crawld daemon: start and stop the supervised
services, inspect their health, and watch run progress live.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Accept snake_case spellings of the flag names.
	cmd.PersistentFlags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	cmd.PersistentFlags().StringVar(&opts.dataRoot, "data-root", "",
		"Data root directory (default: $CTL_DATA_ROOT or ~/.crawld)")
	cmd.PersistentFlags().StringSliceVar(&opts.services, "services", nil,
		"Comma-separated services to act on (default: all)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false,
		"Output in JSON format")

	cmd.AddCommand(newStartCommand(opts))
	cmd.AddCommand(newStopCommand(opts))
	cmd.AddCommand(newRestartCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newMonitorCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))

	return cmd
}

// settings resolves the effective configuration for a command invocation.
func (o *rootOptions) settings() (*config.Settings, error) {
	s, err := config.Load()
	if err != nil {
		return nil, Errorf(ExitBadArgs, "invalid configuration: %v", err)
	}
	if o.dataRoot != "" {
		s.DataRoot = o.dataRoot
	}
	return s, nil
}

// selectServices narrows the known units by the --services flag. Unknown
// names are an argument error.
func (o *rootOptions) selectServices(known []string) ([]string, error) {
	if len(o.services) == 0 {
		return known, nil
	}
	var out []string
	for _, want := range o.services {
		found := false
		for _, name := range known {
			if name == want {
				out = append(out, name)
				found = true
				break
			}
		}
		if !found {
			return nil, Errorf(ExitBadArgs, "unknown service %q (known: %s)",
				want, strings.Join(known, ", "))
		}
	}
	return out, nil
}

// HandleExitError terminates the process with the CLI exit-code contract:
// explicit codes pass through, flag and argument mistakes exit 2,
// everything else is a partial failure.
func HandleExitError(err error) {
	if err == nil {
		os.Exit(ExitOK)
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Msg != "" {
			fmt.Fprintln(os.Stderr, "Error:", exitErr.Msg)
		}
		os.Exit(exitErr.Code)
	}
	if strings.Contains(err.Error(), "unknown flag") ||
		strings.Contains(err.Error(), "unknown command") ||
		strings.Contains(err.Error(), "invalid argument") {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(ExitBadArgs)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(ExitPartial)
}
