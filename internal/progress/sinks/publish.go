package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/farm"
	"github.com/JakeFAU/genfleet/internal/progress"
)

// CompletionNotice is the message published for every completed item.
type CompletionNotice struct {
	RunID       string    `json:"run_id"`
	Source      string    `json:"source"`
	Row         int       `json:"row"`
	SourceName  string    `json:"source_name"`
	Prompt      string    `json:"prompt"`
	Session     string    `json:"session"`
	Artifacts   []string  `json:"artifacts"`
	CompletedAt time.Time `json:"completed_at"`
}

// PublishSink publishes a CompletionNotice for each ITEM_DONE event.
type PublishSink struct {
	pub    farm.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublishSink wires a publisher to the sink interface.
func NewPublishSink(pub farm.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes notices in event order. A failed publish does not stop
// the rest of the batch; all failures are returned together.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageItemDone {
			continue
		}
		notice := CompletionNotice{
			RunID:       evt.RunUUID().String(),
			Source:      evt.Source,
			Row:         evt.Row,
			SourceName:  evt.SourceName,
			Prompt:      evt.Prompt,
			Session:     evt.Session,
			Artifacts:   evt.Artifacts,
			CompletedAt: evt.TS,
		}
		id, err := s.pub.Publish(ctx, s.topic, notice)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s#%d: %w", evt.Source, evt.Row, err))
			continue
		}
		s.logger.Debug("completion published", zap.String("message_id", id), zap.String("item_source", evt.Source), zap.Int("row", evt.Row))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
