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

// Package worker owns crawl subprocesses: it spawns them in their own
// process groups, enforces per-run resource limits, wires each run's
// output through the tailer and ingest pipeline, and finalizes the run
// row when the subprocess exits.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/procfs"

	"github.com/crawld/crawld/internal/config"
	"github.com/crawld/crawld/internal/ingest"
	"github.com/crawld/crawld/internal/log"
	"github.com/crawld/crawld/internal/metrics"
	"github.com/crawld/crawld/internal/store"
	"github.com/crawld/crawld/internal/tailer"
)

// Stop reasons recorded in error_message on limit-driven termination.
const (
	ReasonWallClock = "WallClockExceeded"
	ReasonMemory    = "MemoryExceeded"
	ReasonCancelled = "CancelledByOperator"
)

// memCheckInterval is how often a running subprocess's RSS is sampled.
const memCheckInterval = 5 * time.Second

// RunStore is the slice of the run store the supervisor uses.
type RunStore interface {
	CreateRun(ctx context.Context, p store.CreateRunParams) (*store.Run, error)
	Transition(ctx context.Context, runID string, from, to store.RunState, fields store.TransitionFields) (bool, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	GetSpider(ctx context.Context, id string) (*store.Spider, error)
	GetProject(ctx context.Context, id string) (*store.Project, error)
	BumpCounters(ctx context.Context, runID string, dItems, dRequests, dErrors int64) error
	SetIngestDegraded(ctx context.Context, runID string, degraded bool) error
}

// StatsReader reads the subprocess's optional exit summary. Injected for
// tests; production uses the stats package.
type StatsReader func(path string) (itemCount, requestCount int64, ok bool)

// Config contains supervisor configuration.
type Config struct {
	Settings *config.Settings

	// CrawlTool is the default crawl binary; a run setting "crawl_tool"
	// overrides it per run. Default "scrapy".
	CrawlTool string

	// OnEvent publishes run lifecycle events ("run_started",
	// "run_finished") to the progress broadcaster. Optional.
	OnEvent func(event string, run *store.Run)

	// OnFinalized hands a terminal run to the reconciliation engine.
	// Optional.
	OnFinalized func(runID string)

	// ReadStats overrides stats-file parsing. Optional.
	ReadStats StatsReader

	Logger *slog.Logger
}

// StartRequest asks the supervisor for one new run.
type StartRequest struct {
	SpiderID   string
	ScheduleID string
	Origin     store.RunOrigin
	// Settings are the request-level overrides, layered over the
	// spider's own settings.
	Settings map[string]string
}

// Supervisor is the exclusive owner of crawl subprocesses.
type Supervisor struct {
	cfg     Config
	store   RunStore
	records ingest.RecordSink
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*runHandle
	wg   sync.WaitGroup
}

// runHandle tracks one supervised subprocess. Its mutex is the per-run
// critical section: at most one mutating action per run at a time.
type runHandle struct {
	run    *store.Run
	spider *store.Spider
	cmd    *exec.Cmd
	tail   *tailer.Tailer
	pipe   *ingest.Pipeline
	log    *os.File

	mu         sync.Mutex
	stopReason string
	signalled  bool

	exited chan struct{}
}

// New creates a supervisor.
func New(cfg Config, st RunStore, records ingest.RecordSink) *Supervisor {
	if cfg.CrawlTool == "" {
		cfg.CrawlTool = "scrapy"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		store:  st,
		records: records,
		logger: log.WithComponent(cfg.Logger, "worker"),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*runHandle),
	}
}

// Active returns the number of currently supervised runs.
func (w *Supervisor) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.runs)
}

// ActiveFor returns the supervised run counts for one spider and one
// project, for the dispatcher's per-scope caps.
func (w *Supervisor) ActiveFor(spiderID, projectID string) (spider, project int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range w.runs {
		if h.run.SpiderID == spiderID {
			spider++
		}
		if h.run.ProjectID == projectID {
			project++
		}
	}
	return spider, project
}

// StartRun materializes a pending run, spawns its subprocess and begins
// supervision. It returns as soon as the run is executing; completion is
// asynchronous.
func (w *Supervisor) StartRun(ctx context.Context, req StartRequest) (*store.Run, error) {
	spider, err := w.store.GetSpider(ctx, req.SpiderID)
	if err != nil {
		return nil, err
	}
	project, err := w.store.GetProject(ctx, spider.ProjectID)
	if err != nil {
		return nil, err
	}

	effective := mergeSettings(spider.Settings, req.Settings)

	runID := uuid.NewString()
	outputPath := w.cfg.Settings.OutputPath(runID)
	run, err := w.store.CreateRun(ctx, store.CreateRunParams{
		ID:         runID,
		SpiderID:   spider.ID,
		ScheduleID: req.ScheduleID,
		Origin:     req.Origin,
		Settings:   req.Settings,
		OutputPath: outputPath,
	})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(w.cfg.Settings.RunDir(runID), 0o755); err != nil {
		w.failPending(run, fmt.Sprintf("SpawnFailure: %v", err))
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	tool := w.cfg.CrawlTool
	if t := effective[crawlToolKey]; t != "" {
		tool = t
	}
	argv := composeCommand(tool, spider.Name, outputPath, effective)
	digest := commandDigest(argv)

	logFile, err := os.OpenFile(w.cfg.Settings.RunLogPath(runID),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.failPending(run, fmt.Sprintf("SpawnFailure: %v", err))
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = project.RootPath
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// New process group so that termination signals reach the whole
	// subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		w.failPending(run, fmt.Sprintf("SpawnFailure: %v", err))
		return nil, fmt.Errorf("failed to spawn crawl subprocess: %w", err)
	}

	now := time.Now().UTC()
	pid := cmd.Process.Pid
	ok, err := w.store.Transition(ctx, runID, store.RunStatePending, store.RunStateRunning,
		store.TransitionFields{
			StartedAt:     &now,
			PID:           &pid,
			CommandDigest: digest,
		})
	if err != nil || !ok {
		// The run was cancelled while pending. Tear the subprocess down
		// before it does any work.
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		_ = cmd.Wait()
		logFile.Close()
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("run %s no longer pending", runID)
	}
	run.State = store.RunStateRunning
	run.StartedAt = &now
	run.PID = pid
	run.CommandDigest = digest

	tail := tailer.New(tailer.Config{
		Path:      outputPath,
		Poll:      w.cfg.Settings.TailPoll,
		FileWait:  w.cfg.Settings.TailFileWait,
		HighWater: w.cfg.Settings.TailHighWater,
		Logger:    w.logger,
	})
	pipe, err := ingest.New(ingest.Config{
		RunID:            runID,
		Spider:           spider.Name,
		FingerprintQuery: spider.FingerprintQuery,
		BatchSize:        w.cfg.Settings.IngestBatchSize,
		FlushInterval:    w.cfg.Settings.IngestFlushInterval,
		Retries:          w.cfg.Settings.IngestRetries,
		BackupDir:        w.cfg.Settings.BackupDir(runID),
		Logger:           w.logger,
	}, w.records, w.store)
	if err != nil {
		// The fingerprint query was validated when the spider was
		// registered; a failure here is a store-level inconsistency.
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		_ = cmd.Wait()
		logFile.Close()
		msg := fmt.Sprintf("SpawnFailure: %v", err)
		finished := time.Now().UTC()
		_, _ = w.store.Transition(ctx, runID, store.RunStateRunning, store.RunStateFailed,
			store.TransitionFields{FinishedAt: &finished, ErrorMessage: &msg})
		return nil, err
	}

	h := &runHandle{
		run:    run,
		spider: spider,
		cmd:    cmd,
		tail:   tail,
		pipe:   pipe,
		log:    logFile,
		exited: make(chan struct{}),
	}
	w.mu.Lock()
	w.runs[runID] = h
	w.mu.Unlock()

	metrics.RunsStarted.WithLabelValues(spider.Name).Inc()
	metrics.ActiveRuns.Inc()
	w.logger.Info("run started",
		slog.String(log.EventKey, "run_started"),
		slog.String(log.RunIDKey, runID),
		slog.String(log.SpiderKey, spider.Name),
		slog.String(log.ProjectKey, project.Name),
		slog.Int("pid", pid))
	if w.cfg.OnEvent != nil {
		w.cfg.OnEvent("run_started", run)
	}

	tail.Start()
	w.wg.Add(1)
	go w.supervise(h)

	return run, nil
}

// failPending records a spawn failure on a still-pending run.
func (w *Supervisor) failPending(run *store.Run, msg string) {
	now := time.Now().UTC()
	_, err := w.store.Transition(context.Background(), run.ID,
		store.RunStatePending, store.RunStateFailed,
		store.TransitionFields{FinishedAt: &now, ErrorMessage: &msg})
	if err != nil {
		w.logger.Error("failed to record spawn failure",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
}

// StopRun requests graceful termination of a running run. It returns
// once the signal is delivered; finalization completes asynchronously.
func (w *Supervisor) StopRun(runID string) error {
	w.mu.Lock()
	h, ok := w.runs[runID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not supervised: %w", runID, store.ErrNotFound)
	}
	w.stop(h, ReasonCancelled)
	return nil
}

// Wait blocks until a supervised run finalizes. It returns immediately
// for unknown runs.
func (w *Supervisor) Wait(runID string) {
	w.mu.Lock()
	h, ok := w.runs[runID]
	w.mu.Unlock()
	if ok {
		<-h.exited
	}
}

// Shutdown stops every supervised run and waits for finalization.
func (w *Supervisor) Shutdown() {
	w.cancel()
	w.wg.Wait()
}

// stop delivers SIGTERM to the run's process group and schedules the
// SIGKILL escalation. The first reason wins; later calls are no-ops.
func (w *Supervisor) stop(h *runHandle, reason string) {
	h.mu.Lock()
	if h.signalled {
		h.mu.Unlock()
		return
	}
	h.signalled = true
	h.stopReason = reason
	h.mu.Unlock()

	pgid := h.cmd.Process.Pid
	w.logger.Info("stopping run",
		slog.String(log.RunIDKey, h.run.ID),
		slog.String("reason", reason))
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		w.logger.Warn("failed to signal process group",
			slog.String(log.RunIDKey, h.run.ID), log.Error(err))
	}

	grace := w.cfg.Settings.ShutdownGrace
	go func() {
		select {
		case <-h.exited:
		case <-time.After(grace):
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}()
}

// supervise watches one subprocess until exit, enforcing the per-run
// wall-clock and memory limits, then finalizes the run.
func (w *Supervisor) supervise(h *runHandle) {
	defer w.wg.Done()

	pipeDone := make(chan error, 1)
	go func() {
		pipeDone <- h.pipe.Run(context.Background(), h.tail.Lines())
	}()
	go w.drainSignals(h)

	waitCh := make(chan error, 1)
	go func() { waitCh <- h.cmd.Wait() }()

	wallClock := time.NewTimer(w.cfg.Settings.RunWallClock)
	defer wallClock.Stop()
	memTicker := time.NewTicker(memCheckInterval)
	defer memTicker.Stop()

	var waitErr error
	memLimit := w.cfg.Settings.RunMemoryMB << 20

	// Disabled after the first receipt: a closed Done channel is always
	// ready and would otherwise spin this loop until the process exits.
	shutdown := w.ctx.Done()

running:
	for {
		select {
		case waitErr = <-waitCh:
			break running
		case <-wallClock.C:
			w.stop(h, ReasonWallClock)
		case <-memTicker.C:
			rss, err := residentBytes(h.cmd.Process.Pid)
			if err == nil && memLimit > 0 && rss > memLimit {
				w.logger.Warn("memory ceiling breached",
					slog.String(log.RunIDKey, h.run.ID),
					slog.Int64("rss_bytes", rss))
				w.stop(h, ReasonMemory)
			}
		case <-shutdown:
			shutdown = nil
			w.stop(h, ReasonCancelled)
		}
	}

	w.finalize(h, waitErr, pipeDone)
}

// drainSignals logs out-of-band tailer events. Both are non-fatal here;
// reconciliation weighs the evidence afterwards.
func (w *Supervisor) drainSignals(h *runHandle) {
	for sig := range h.tail.Signals() {
		w.logger.Warn("tailer signal",
			slog.String(log.RunIDKey, h.run.ID),
			slog.String("signal", string(sig)))
	}
}

// finalize drains the tailer and pipeline, reads the subprocess's exit
// summary, and transitions the run to its terminal state.
func (w *Supervisor) finalize(h *runHandle, waitErr error, pipeDone <-chan error) {
	runID := h.run.ID

	// Final flush: every line written before exit is emitted, then the
	// pipeline flushes its remaining batch.
	h.tail.Stop()
	select {
	case <-pipeDone:
	case <-time.After(w.cfg.Settings.RunDrain):
		w.logger.Warn("ingest pipeline did not drain in time",
			slog.String(log.RunIDKey, runID))
	}

	finished := time.Now().UTC()
	fields := store.TransitionFields{FinishedAt: &finished}

	if items, requests, ok := w.readStats(runID); ok {
		if requests > 0 {
			fields.RequestsCount = &requests
		}
		_ = items // items evidence belongs to reconciliation
	}

	h.mu.Lock()
	reason := h.stopReason
	h.mu.Unlock()

	state := store.RunStateFailed
	switch {
	case reason == ReasonCancelled:
		state = store.RunStateCancelled
		fields.ErrorMessage = &reason
	case reason != "":
		fields.ErrorMessage = &reason
	case waitErr == nil:
		state = store.RunStateFinished
	default:
		msg := fmt.Sprintf("ProcessFailed: %v", waitErr)
		fields.ErrorMessage = &msg
	}

	ok, err := w.store.Transition(context.Background(), runID,
		store.RunStateRunning, state, fields)
	if err != nil {
		w.logger.Error("failed to finalize run",
			slog.String(log.RunIDKey, runID), log.Error(err))
	} else if !ok {
		w.logger.Warn("run was not running at finalization",
			slog.String(log.RunIDKey, runID))
	}

	w.mu.Lock()
	delete(w.runs, runID)
	w.mu.Unlock()
	h.log.Close()
	close(h.exited)

	metrics.ActiveRuns.Dec()
	metrics.RunsFinished.WithLabelValues(h.spider.Name, string(state)).Inc()
	if h.run.StartedAt != nil {
		metrics.RunDuration.WithLabelValues(h.spider.Name).
			Observe(finished.Sub(*h.run.StartedAt).Seconds())
	}

	final, err := w.store.GetRun(context.Background(), runID)
	if err != nil {
		final = h.run
		final.State = state
		final.FinishedAt = &finished
	}
	w.logger.Info("run finished",
		slog.String(log.EventKey, "run_finished"),
		slog.String(log.RunIDKey, runID),
		slog.String(log.SpiderKey, h.spider.Name),
		slog.String("state", string(state)),
		slog.Int64("items", final.ItemsCount))
	if w.cfg.OnEvent != nil {
		w.cfg.OnEvent("run_finished", final)
	}
	if w.cfg.OnFinalized != nil {
		w.cfg.OnFinalized(runID)
	}
}

// readStats parses the run's sibling stats file via the configured
// reader.
func (w *Supervisor) readStats(runID string) (items, requests int64, ok bool) {
	path := w.cfg.Settings.StatsPath(runID)
	if w.cfg.ReadStats != nil {
		return w.cfg.ReadStats(path)
	}
	return readStatsFile(path)
}

// residentBytes samples a process's RSS from /proc.
func residentBytes(pid int) (int64, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return 0, err
	}
	st, err := p.Stat()
	if err != nil {
		return 0, err
	}
	return int64(st.ResidentMemory()), nil
}
