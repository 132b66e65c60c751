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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/crawld/crawld/internal/config"
	"github.com/crawld/crawld/internal/daemon"
	"github.com/crawld/crawld/internal/lifecycle"
	"github.com/crawld/crawld/internal/log"
	"github.com/crawld/crawld/internal/tracing"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		dataRoot    = flag.String("data-root", "", "Data root directory")
		listenAddr  = flag.String("listen", "", "Health/metrics listener address")
		noPIDFile   = flag.Bool("no-pidfile", false, "Skip PID file creation (foreground/supervised mode)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("crawld %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	settings, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *dataRoot != "" {
		settings.DataRoot = *dataRoot
	}
	if *listenAddr != "" {
		settings.ListenAddr = *listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Setup(ctx, version)
	if err != nil {
		logger.Error("failed to set up tracing", log.Error(err))
		os.Exit(1)
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	// Single-instance guard: the PID file doubles as an exclusive lock.
	if !*noPIDFile {
		pidFile := lifecycle.NewPIDFile(settings.PIDPath("crawld"))
		if err := pidFile.Create(os.Getpid()); err != nil {
			if errors.Is(err, lifecycle.ErrPIDFileExists) || errors.Is(err, lifecycle.ErrPIDFileLocked) {
				logger.Error("another crawld instance owns this data root",
					slog.String("pidfile", pidFile.Path()))
			} else {
				logger.Error("failed to create PID file", log.Error(err))
			}
			os.Exit(1)
		}
		defer func() { _ = pidFile.Remove() }()
	}

	d, err := daemon.New(settings, logger)
	if err != nil {
		logger.Error("failed to create daemon", log.Error(err))
		os.Exit(1)
	}

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon error", log.Error(err))
		os.Exit(1)
	}
}
