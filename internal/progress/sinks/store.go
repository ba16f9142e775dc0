package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/progress"
	"github.com/JakeFAU/genfleet/internal/store"
)

// StoreSink persists run milestones and item history via a
// store.LedgerRepository. Item rows of one batch are written together.
type StoreSink struct {
	repo   store.LedgerRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.LedgerRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository in event order. It respects
// ctx deadlines and returns any repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var pending []store.ItemRecord
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := s.repo.RecordItems(ctx, pending); err != nil {
			return fmt.Errorf("record items: %w", err)
		}
		pending = nil
		return nil
	}

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := flush(); err != nil {
				return err
			}
			if err := s.repo.StartRun(ctx, evt.RunUUID(), evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageItemDone, progress.StageItemFailed, progress.StageItemRequeued:
			pending = append(pending, itemRecord(evt))
		case progress.StageRunDone:
			if err := flush(); err != nil {
				return err
			}
			if err := s.repo.FinishRun(ctx, runRecord(evt)); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
		}
	}
	return flush()
}

func itemRecord(evt progress.Event) store.ItemRecord {
	outcome := store.ItemRequeued
	switch evt.Stage {
	case progress.StageItemDone:
		outcome = store.ItemDone
	case progress.StageItemFailed:
		outcome = store.ItemFailed
	}
	return store.ItemRecord{
		RunID:     evt.RunUUID(),
		Source:    evt.Source,
		Row:       evt.Row,
		Session:   evt.Session,
		Outcome:   outcome,
		Attempt:   evt.Attempt,
		Artifacts: append([]string(nil), evt.Artifacts...),
		Note:      evt.Note,
		At:        evt.TS,
	}
}

func runRecord(evt progress.Event) store.Run {
	status := store.RunPartial
	if evt.Note == "drained" && evt.Pending == 0 && evt.Terminated == 0 {
		status = store.RunSuccess
	}
	finished := evt.TS
	var reason *string
	if evt.Note != "" {
		note := evt.Note
		reason = &note
	}
	return store.Run{
		ID:         evt.RunUUID(),
		FinishedAt: &finished,
		Status:     status,
		Completed:  evt.Completed,
		Failed:     evt.Failed,
		Pending:    evt.Pending,
		EndReason:  reason,
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
