package sinks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/mapharvest/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns all
// collectors for runs, segment searches, records and checkpoints.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	tasks           *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	recordsFound    *prometheus.CounterVec
	recordsAppended *prometheus.CounterVec
	recordsTotal    prometheus.Gauge
	categoriesDone  prometheus.Counter
	locationsSkip   prometheus.Counter
	checkpoints     *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapharvest_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapharvest_runs_completed_total",
			Help: "Total crawl runs finished partitioned by outcome.",
		}, []string{"outcome"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mapharvest_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mapharvest_run_runtime_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400},
		}, []string{"outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapharvest_tasks_total",
			Help: "Segment searches partitioned by category and result.",
		}, []string{"category", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mapharvest_task_duration_seconds",
			Help:    "Segment search duration partitioned by result.",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"result"}),
		recordsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapharvest_records_found_total",
			Help: "Listings returned by the extractor per location.",
		}, []string{"location"}),
		recordsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapharvest_records_appended_total",
			Help: "New listings appended to the result set per location.",
		}, []string{"location"}),
		recordsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mapharvest_records",
			Help: "Records persisted at the last successful checkpoint.",
		}),
		categoriesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapharvest_categories_completed_total",
			Help: "Location/category pairs marked complete.",
		}),
		locationsSkip: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapharvest_locations_skipped_total",
			Help: "Locations skipped because they could not be resolved or partitioned.",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapharvest_checkpoints_total",
			Help: "Result checkpoints partitioned by outcome.",
		}, []string{"outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.tasks,
		s.taskDuration,
		s.recordsFound,
		s.recordsAppended,
		s.recordsTotal,
		s.categoriesDone,
		s.locationsSkip,
		s.checkpoints,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone:
		s.handleRunEvent(evt)
	case progress.StageTaskDone, progress.StageTaskError:
		s.handleTaskEvent(evt)
	case progress.StageCategoryDone:
		s.categoriesDone.Inc()
	case progress.StageLocationSkip:
		s.locationsSkip.Inc()
	case progress.StageCheckpoint:
		s.checkpoints.WithLabelValues(strings.ToLower(evt.Outcome)).Inc()
		if evt.Outcome == progress.OutcomeOK {
			s.recordsTotal.Set(float64(evt.Appended))
		}
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	if evt.Stage == progress.StageRunStart {
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	}
	label := strings.ToLower(evt.Outcome)
	s.runsCompleted.WithLabelValues(label).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) handleTaskEvent(evt progress.Event) {
	result := "ok"
	if evt.Stage == progress.StageTaskError {
		result = "error"
	}
	s.tasks.WithLabelValues(evt.Category, result).Inc()
	if evt.Dur > 0 {
		s.taskDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if evt.Found > 0 {
		s.recordsFound.WithLabelValues(evt.Location).Add(float64(evt.Found))
	}
	if evt.Appended > 0 {
		s.recordsAppended.WithLabelValues(evt.Location).Add(float64(evt.Appended))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
