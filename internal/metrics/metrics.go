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

// Package metrics defines the Prometheus instrumentation shared across
// the daemon's components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts spider processes spawned, by spider name.
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawld_runs_started_total",
		Help: "Number of spider runs started.",
	}, []string{"spider"})

	// RunsFinished counts terminal runs by final state.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawld_runs_finished_total",
		Help: "Number of spider runs reaching a terminal state.",
	}, []string{"spider", "state"})

	// RunDuration observes wall-clock run durations in seconds.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawld_run_duration_seconds",
		Help:    "Wall-clock duration of terminal runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"spider"})

	// ActiveRuns tracks currently supervised spider processes.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawld_active_runs",
		Help: "Number of currently running spider processes.",
	})

	// ScheduleFires counts scheduler dispatch attempts that won the
	// advancement race.
	ScheduleFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawld_schedule_fires_total",
		Help: "Number of schedule fires dispatched.",
	})

	// ScheduleRaces counts advancement attempts lost to a concurrent
	// scheduler instance. A loss is normal, not an error.
	ScheduleRaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawld_schedule_races_total",
		Help: "Number of schedule advancements lost to a concurrent scheduler.",
	})

	// QueueDepth tracks queued dispatch requests.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawld_dispatch_queue_depth",
		Help: "Number of dispatch requests waiting in the queue.",
	})

	// DispatchRequeues counts capacity-driven requeues.
	DispatchRequeues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawld_dispatch_requeues_total",
		Help: "Number of dispatch requests requeued for lack of capacity.",
	})

	// RecordsIngested counts deduplicated records committed to the store.
	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawld_records_ingested_total",
		Help: "Number of distinct records committed to the record store.",
	}, []string{"spider"})

	// MalformedLines counts output lines that failed to decode.
	MalformedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawld_ingest_malformed_lines_total",
		Help: "Number of output lines that were not valid JSON objects.",
	})

	// IngestSpills counts batches diverted to backup files.
	IngestSpills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawld_ingest_spills_total",
		Help: "Number of record batches spilled to backup files.",
	})

	// ReconcileCorrections counts state or counter corrections applied by
	// the reconciliation engine.
	ReconcileCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawld_reconcile_corrections_total",
		Help: "Number of reconciliation corrections applied, by kind.",
	}, []string{"kind"})

	// RunsPurged counts expired runs removed by the GC sweep.
	RunsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawld_runs_purged_total",
		Help: "Number of expired terminal runs purged.",
	})

	// SupervisorRestarts counts managed service restarts.
	SupervisorRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawld_supervisor_restarts_total",
		Help: "Number of managed service restarts.",
	}, []string{"service"})
)
