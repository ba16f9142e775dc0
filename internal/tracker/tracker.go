// Package tracker records per-item completion against the work source so a
// later run resumes where this one stopped.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/farm"
	"github.com/JakeFAU/genfleet/internal/runstate"
)

// Tracker forwards terminal item outcomes to the work source and run state.
type Tracker struct {
	source farm.WorkSource
	state  *runstate.State
	logger *zap.Logger

	mu     sync.Mutex
	marked map[farm.ItemKey]struct{}
}

// New constructs a Tracker.
func New(source farm.WorkSource, state *runstate.State, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		source: source,
		state:  state,
		logger: logger,
		marked: make(map[farm.ItemKey]struct{}),
	}
}

// Complete marks the item done in the source exactly once, then counts it
// completed. A source error is returned after the run state is updated, since
// the artifacts already exist.
func (t *Tracker) Complete(ctx context.Context, item farm.WorkItem) error {
	var markErr error
	if t.claim(item.Key) && t.source != nil {
		if err := t.source.MarkDone(ctx, item); err != nil {
			markErr = fmt.Errorf("mark done %s: %w", item.Key, err)
			t.logger.Error("mark done failed",
				zap.String("item_source", item.Key.Source),
				zap.Int("row", item.Key.Row),
				zap.Error(err),
			)
		}
	}
	if err := t.state.Complete(item.Key); err != nil {
		return fmt.Errorf("complete %s: %w", item.Key, err)
	}
	return markErr
}

// Fail counts the item failed for this run. It is not retried and stays
// pending in the source for the next run.
func (t *Tracker) Fail(item farm.WorkItem, reason string) error {
	if err := t.state.Fail(item.Key, reason); err != nil {
		return fmt.Errorf("fail %s: %w", item.Key, err)
	}
	t.logger.Warn("item failed",
		zap.String("item_source", item.Key.Source),
		zap.Int("row", item.Key.Row),
		zap.String("reason", reason),
	)
	return nil
}

// Reject fails an item whose prompt the site refused and, when the source
// supports it, records the rejection so later runs skip the row.
func (t *Tracker) Reject(ctx context.Context, item farm.WorkItem, reason string) error {
	var markErr error
	if marker, ok := t.source.(farm.RejectionMarker); ok {
		if err := marker.MarkRejected(ctx, item); err != nil {
			markErr = fmt.Errorf("mark rejected %s: %w", item.Key, err)
		}
	}
	if err := t.Fail(item, reason); err != nil {
		return err
	}
	return markErr
}

func (t *Tracker) claim(key farm.ItemKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.marked[key]; ok {
		return false
	}
	t.marked[key] = struct{}{}
	return true
}
