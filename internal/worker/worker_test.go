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

package worker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawld/crawld/internal/config"
	"github.com/crawld/crawld/internal/store"
	"github.com/crawld/crawld/internal/store/records"
)

type harness struct {
	sup    *Supervisor
	store  *store.Store
	recs   *records.Store
	spider *store.Spider
	cfg    *config.Settings
}

// newHarness wires a supervisor against real SQLite stores in a temp
// data root, with a shell script standing in for the crawl tool.
func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(store.Config{Path: filepath.Join(dir, "crawld.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	recs, err := records.Open(filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { recs.Close() })

	ctx := context.Background()
	project, err := st.CreateProject(ctx, "shop", dir)
	require.NoError(t, err)

	toolPath := filepath.Join(dir, "crawltool")
	require.NoError(t, os.WriteFile(toolPath, []byte(script), 0o755))

	spider, err := st.CreateSpider(ctx, project.ID, "listing",
		map[string]string{"crawl_tool": toolPath}, "")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DataRoot = dir
	cfg.TailPoll = 100 * time.Millisecond
	cfg.IngestFlushInterval = 100 * time.Millisecond
	cfg.ShutdownGrace = 2 * time.Second
	cfg.RunDrain = 5 * time.Second

	sup := New(Config{Settings: cfg}, st, recs)
	t.Cleanup(sup.Shutdown)

	return &harness{sup: sup, store: st, recs: recs, spider: spider, cfg: cfg}
}

func (h *harness) startAndWait(t *testing.T) *store.Run {
	t.Helper()
	run, err := h.sup.StartRun(context.Background(), StartRequest{
		SpiderID: h.spider.ID,
		Origin:   store.OriginManual,
	})
	require.NoError(t, err)
	h.sup.Wait(run.ID)

	final, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	return final
}

func TestRunHappyPath(t *testing.T) {
	// $4 is the output path from: tool crawl <spider> -o <output> ...
	script := `#!/bin/sh
echo '{"sku":"A1","url":"https://shop.example/dp/A1"}' >> "$4"
echo '{"sku":"A2","url":"https://shop.example/dp/A2"}' >> "$4"
echo '{"sku":"A3","url":"https://shop.example/dp/A3"}' >> "$4"
exit 0
`
	h := newHarness(t, script)
	run := h.startAndWait(t)

	assert.Equal(t, store.RunStateFinished, run.State)
	assert.Equal(t, int64(3), run.ItemsCount)
	assert.Empty(t, run.ErrorMessage)
	assert.NotZero(t, run.PID)
	assert.NotEmpty(t, run.CommandDigest)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)

	n, err := h.recs.Count(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRunDeduplicatesOutput(t *testing.T) {
	script := `#!/bin/sh
echo '{"sku":"A1"}' >> "$4"
echo '{"sku":"A1"}' >> "$4"
echo '{"sku":"A2"}' >> "$4"
exit 0
`
	h := newHarness(t, script)
	run := h.startAndWait(t)

	assert.Equal(t, store.RunStateFinished, run.State)
	assert.Equal(t, int64(2), run.ItemsCount)
}

func TestSpawnFailure(t *testing.T) {
	h := newHarness(t, "#!/bin/sh\nexit 0\n")

	// Point the tool at a binary that does not exist.
	ctx := context.Background()
	spider, err := h.store.CreateSpider(ctx, h.spider.ProjectID, "broken",
		map[string]string{"crawl_tool": "/nonexistent/crawltool"}, "")
	require.NoError(t, err)

	_, err = h.sup.StartRun(ctx, StartRequest{SpiderID: spider.ID, Origin: store.OriginManual})
	require.Error(t, err)

	runs, err := h.store.ListRuns(ctx, store.ListFilter{SpiderID: spider.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStateFailed, runs[0].State)
	assert.Contains(t, runs[0].ErrorMessage, "SpawnFailure")
	require.NotNil(t, runs[0].FinishedAt)
}

func TestNonZeroExitFails(t *testing.T) {
	script := `#!/bin/sh
echo '{"sku":"A1"}' >> "$4"
exit 3
`
	h := newHarness(t, script)
	run := h.startAndWait(t)

	assert.Equal(t, store.RunStateFailed, run.State)
	assert.Contains(t, run.ErrorMessage, "ProcessFailed")
	// Output written before the failure is still ingested.
	assert.Equal(t, int64(1), run.ItemsCount)
}

func TestStopRunCancels(t *testing.T) {
	script := `#!/bin/sh
echo '{"sku":"A1"}' >> "$4"
sleep 30
`
	h := newHarness(t, script)

	run, err := h.sup.StartRun(context.Background(), StartRequest{
		SpiderID: h.spider.ID,
		Origin:   store.OriginManual,
	})
	require.NoError(t, err)

	// Give the subprocess a moment to produce its first line.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(h.cfg.OutputPath(run.ID))
		return err == nil && strings.Contains(string(data), "A1")
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, h.sup.StopRun(run.ID))
	h.sup.Wait(run.ID)

	final, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStateCancelled, final.State)
	assert.Equal(t, ReasonCancelled, final.ErrorMessage)
	assert.Equal(t, int64(1), final.ItemsCount, "lines before cancellation survive")
}

func TestShutdownDrainsWithoutBusyLoop(t *testing.T) {
	// The subprocess ignores SIGTERM, so shutdown has to ride out the
	// full grace window before the SIGKILL escalation lands.
	script := `#!/bin/sh
trap '' TERM
sleep 30
`
	h := newHarness(t, script)

	_, err := h.sup.StartRun(context.Background(), StartRequest{
		SpiderID: h.spider.ID,
		Origin:   store.OriginManual,
	})
	require.NoError(t, err)

	var before syscall.Rusage
	require.NoError(t, syscall.Getrusage(syscall.RUSAGE_SELF, &before))
	start := time.Now()

	h.sup.Shutdown()

	wall := time.Since(start)
	var after syscall.Rusage
	require.NoError(t, syscall.Getrusage(syscall.RUSAGE_SELF, &after))
	cpu := time.Duration(after.Utime.Nano() + after.Stime.Nano() -
		before.Utime.Nano() - before.Stime.Nano())

	require.Greater(t, wall, time.Second, "grace window must elapse before SIGKILL")
	assert.Less(t, cpu, wall/2, "the drain wait must block, not spin")
}

func TestFinishedRunsReleaseSignalDrainers(t *testing.T) {
	script := `#!/bin/sh
echo '{"sku":"A1"}' >> "$4"
exit 0
`
	h := newHarness(t, script)

	for i := 0; i < 3; i++ {
		h.startAndWait(t)
	}

	require.Eventually(t, func() bool {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		return !strings.Contains(string(buf[:n]), "drainSignals")
	}, 5*time.Second, 100*time.Millisecond, "signal drainers must exit with their runs")
}

func TestStopUnknownRun(t *testing.T) {
	h := newHarness(t, "#!/bin/sh\nexit 0\n")
	err := h.sup.StopRun("no-such-run")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWallClockBreach(t *testing.T) {
	script := `#!/bin/sh
sleep 30
`
	h := newHarness(t, script)
	h.cfg.RunWallClock = 500 * time.Millisecond

	start := time.Now()
	run := h.startAndWait(t)
	elapsed := time.Since(start)

	assert.Equal(t, store.RunStateFailed, run.State)
	assert.Contains(t, run.ErrorMessage, ReasonWallClock)
	assert.Less(t, elapsed, 10*time.Second, "termination must not wait out the sleep")
}

func TestStatsFileFeedsRequestCount(t *testing.T) {
	// The stats file is a sibling of the output file.
	script := `#!/bin/sh
echo '{"sku":"A1"}' >> "$4"
dir=$(dirname "$4")
echo '{"item_scraped_count": 1, "downloader/request_count": 17, "finish_reason": "finished"}' > "$dir/stats.json"
exit 0
`
	h := newHarness(t, script)
	run := h.startAndWait(t)

	assert.Equal(t, store.RunStateFinished, run.State)
	assert.Equal(t, int64(17), run.RequestsCount)
}

func TestComposeCommand(t *testing.T) {
	argv := composeCommand("scrapy", "listing", "/data/out.jsonl",
		map[string]string{"DEPTH_LIMIT": "2", "crawl_tool": "ignored", "AUTOTHROTTLE": "on"})

	assert.Equal(t, []string{
		"scrapy", "crawl", "listing", "-o", "/data/out.jsonl", "--format", "jsonlines",
		"-s", "AUTOTHROTTLE=on", "-s", "DEPTH_LIMIT=2",
	}, argv)
}

func TestCommandDigestStable(t *testing.T) {
	a := commandDigest([]string{"scrapy", "crawl", "s"})
	b := commandDigest([]string{"scrapy", "crawl", "s"})
	c := commandDigest([]string{"scrapy", "crawl", "other"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestMergeSettings(t *testing.T) {
	merged := mergeSettings(
		map[string]string{"A": "1", "B": "1"},
		map[string]string{"B": "2", "C": "2"},
	)
	assert.Equal(t, map[string]string{"A": "1", "B": "2", "C": "2"}, merged)
}
