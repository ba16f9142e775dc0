package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/genfleet/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and gauges follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageSessionState, Session: "main", State: "idle"},
		{RunID: runID, TS: now, Stage: progress.StageItemAssigned, Session: "main", Source: "a.xlsx", Row: 2},
		{RunID: runID, TS: now, Stage: progress.StageSessionState, Session: "main", State: "busy"},
		{RunID: runID, TS: now, Stage: progress.StageItemDone, Session: "main", Source: "a.xlsx", Row: 2, Dur: 90 * time.Second},
		{RunID: runID, TS: now, Stage: progress.StageQuotaSample, Session: "main", State: "idle", Points: 42, PointsKnown: true},
		{RunID: runID, TS: now, Stage: progress.StageQuotaSample, Session: "main", State: "idle"},
		{RunID: runID, TS: now, Stage: progress.StageRunDone, Dur: time.Hour, Note: "drained"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("drained")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.itemsTotal.WithLabelValues(string(progress.StageItemDone), "main")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.itemsTotal.WithLabelValues(string(progress.StageItemAssigned), "main")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.sessionStates.WithLabelValues("main", "idle")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionStates.WithLabelValues("main", "busy")))
	require.Equal(t, 42.0, testutil.ToFloat64(sink.quotaPoints.WithLabelValues("main")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.taskDuration, "genfleet_task_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
