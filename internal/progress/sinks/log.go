package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/genfleet/internal/progress"
)

// LogSink emits structured logs for progress streams. It is useful during
// development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Session and
// quota chatter is logged at debug level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageSessionState, progress.StageQuotaSample, progress.StageItemAssigned:
			level = zapcore.DebugLevel
		case progress.StageItemFailed:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Session != "" {
			fields = append(fields, zap.String("session", evt.Session))
		}
		if evt.Source != "" {
			fields = append(fields,
				zap.String("item_source", evt.Source),
				zap.Int("row", evt.Row),
				zap.Int("attempt", evt.Attempt),
			)
		}
		if evt.State != "" {
			fields = append(fields, zap.String("state", evt.State))
		}
		if evt.PointsKnown {
			fields = append(fields, zap.Int("points", evt.Points))
		}
		if len(evt.Artifacts) > 0 {
			fields = append(fields, zap.Int("artifacts", len(evt.Artifacts)))
		}
		if evt.Stage == progress.StageRunDone {
			fields = append(fields,
				zap.Int("completed", evt.Completed),
				zap.Int("failed", evt.Failed),
				zap.Int("pending", evt.Pending),
			)
		}
		fields = append(fields, zap.Duration("dur", evt.Dur), zap.String("note", evt.Note))
		ce.Write(fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
