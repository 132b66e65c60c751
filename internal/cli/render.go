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
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/crawld/crawld/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)

	upStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	downStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	finishedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// isTTY reports whether stdout should use terminal styling.
func isTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if t := os.Getenv("TERM"); t == "dumb" || t == "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// style applies s only on a TTY.
func style(s lipgloss.Style, text string) string {
	if !isTTY() {
		return text
	}
	return s.Render(text)
}

// renderServiceTable prints one line per service.
func renderServiceTable(statuses []serviceStatus) {
	fmt.Println(style(headerStyle, fmt.Sprintf("%-12s %-8s %-8s %s", "SERVICE", "PID", "STATE", "HEALTH")))
	for _, st := range statuses {
		pid := "-"
		state := style(downStyle, fmt.Sprintf("%-8s", "down"))
		health := "-"
		if st.Running {
			pid = fmt.Sprintf("%d", st.PID)
			state = style(upStyle, fmt.Sprintf("%-8s", "up"))
			if st.Healthy {
				health = style(upStyle, "healthy")
			} else {
				health = style(downStyle, "unhealthy")
			}
		}
		fmt.Printf("%-12s %-8s %s %s\n", st.Name, pid, state, health)
	}
}

// stateStyle picks the colour for a run state.
func stateStyle(state store.RunState) lipgloss.Style {
	switch state {
	case store.RunStateRunning:
		return runningStyle
	case store.RunStatePending:
		return pendingStyle
	case store.RunStateFinished:
		return finishedStyle
	case store.RunStateFailed:
		return failedStyle
	default:
		return dimStyle
	}
}

// renderRunTable prints one line per run, most recent first.
func renderRunTable(runs []*store.Run) {
	fmt.Println(style(headerStyle, fmt.Sprintf("%-36s %-10s %8s %9s %7s  %s",
		"RUN", "STATE", "ITEMS", "REQUESTS", "ERRORS", "AGE")))
	for _, run := range runs {
		age := time.Since(run.CreatedAt).Truncate(time.Second)
		// Pad before styling so ANSI escapes do not skew the columns.
		state := style(stateStyle(run.State), fmt.Sprintf("%-10s", run.State))
		line := fmt.Sprintf("%-36s %s %8d %9d %7d  %s",
			run.ID, state,
			run.ItemsCount, run.RequestsCount, run.ErrorCount, age)
		if run.ErrorMessage != "" {
			line += "  " + style(dimStyle, truncate(run.ErrorMessage, 40))
		}
		fmt.Println(line)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-1]) + "…"
}
