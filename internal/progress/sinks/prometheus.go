package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/genfleet/internal/progress"
)

// PrometheusSink exports run progress via Prometheus. It owns the collectors
// for runs, item outcomes, task latency, session states and sampled quota.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    prometheus.Histogram

	itemsTotal    *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	sessionStates *prometheus.GaugeVec
	quotaPoints   *prometheus.GaugeVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genfleet_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genfleet_runs_completed_total",
			Help: "Total runs completed partitioned by end reason.",
		}, []string{"reason"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genfleet_runs_running",
			Help: "Current number of running runs.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "genfleet_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genfleet_items_total",
			Help: "Item transitions partitioned by stage and session.",
		}, []string{"stage", "session"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "genfleet_task_duration_seconds",
			Help:    "Submit to saved latency of successful tasks.",
			Buckets: []float64{10, 30, 60, 120, 180, 300, 600, 900},
		}),
		sessionStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "genfleet_session_state",
			Help: "1 for the current state of each session, 0 otherwise.",
		}, []string{"session", "state"}),
		quotaPoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "genfleet_quota_points",
			Help: "Last known remaining points per session.",
		}, []string{"session"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.itemsTotal,
		s.taskDuration,
		s.sessionStates,
		s.quotaPoints,
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
	case progress.StageItemAssigned, progress.StageItemDone, progress.StageItemFailed, progress.StageItemRequeued:
		s.itemsTotal.WithLabelValues(string(evt.Stage), evt.Session).Inc()
		if evt.Stage == progress.StageItemDone && evt.Dur > 0 {
			s.taskDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageSessionState:
		s.setSessionState(evt.Session, evt.State)
	case progress.StageQuotaSample:
		if evt.PointsKnown {
			s.quotaPoints.WithLabelValues(evt.Session).Set(float64(evt.Points))
		}
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		reason := evt.Note
		if reason == "" {
			reason = "unknown"
		}
		s.runsCompleted.WithLabelValues(reason).Inc()
		if evt.Dur > 0 {
			s.runRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	}
}

func (s *PrometheusSink) setSessionState(session, state string) {
	previous := s.tracker.swapState(session, state)
	if previous != "" && previous != state {
		s.sessionStates.WithLabelValues(session, previous).Set(0)
	}
	s.sessionStates.WithLabelValues(session, state).Set(1)
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
	states  map[string]string
}

func newRunTracker() *runTracker {
	return &runTracker{
		running: make(map[[16]byte]struct{}),
		states:  make(map[string]string),
	}
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

func (t *runTracker) swapState(session, state string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	previous := t.states[session]
	t.states[session] = state
	return previous
}
