package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/genfleet/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageSessionState, Session: "main", State: "idle"},
		{RunID: runID, TS: now, Stage: progress.StageItemDone, Session: "main", Source: "a.xlsx", Row: 2},
		{RunID: runID, TS: now, Stage: progress.StageItemFailed, Session: "main", Source: "a.xlsx", Row: 3, Note: "rejected"},
		{RunID: runID, TS: now, Stage: progress.StageRunDone, Completed: 1, Failed: 1},
	}))

	entries := logs.All()
	require.Len(t, entries, 3, "session chatter stays at debug")
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "a.xlsx", entries[0].ContextMap()["item_source"])
	require.EqualValues(t, 1, entries[2].ContextMap()["completed"])
}
