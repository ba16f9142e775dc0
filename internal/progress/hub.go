package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub. Zero values fall back
// to a 1024-event buffer, 100-event batches flushed at least every 250ms, a
// 10s per-sink timeout and a 50ms wait for milestone events.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	// MilestoneWait bounds how long Emit waits for buffer space before
	// dropping a milestone. Samples never wait.
	MilestoneWait time.Duration
	BaseContext   context.Context
	Logger        *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	defaultMilestoneWait  = 50 * time.Millisecond
	dropLogInterval       = 5 * time.Second
)

// Milestone reports whether losing evt would leave the ledger or completion
// notices incomplete. Session state changes and quota samples are superseded
// by the next one and may be dropped under pressure.
func Milestone(stage Stage) bool {
	switch stage {
	case StageRunStart, StageRunDone, StageItemDone, StageItemFailed, StageItemRequeued:
		return true
	default:
		return false
	}
}

// Hub fans events out to registered sinks on one background goroutine.
// Emit never stalls the coordinator for longer than MilestoneWait.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context

	dropMu     sync.Mutex
	dropped    map[Stage]int64
	unreported int64
	lastWarn   time.Time
}

// NewHub initializes a Hub and starts its batching goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.MilestoneWait <= 0 {
		cfg.MilestoneWait = defaultMilestoneWait
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go h.run()
	return h
}

// Emit enqueues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if Milestone(evt.Stage) && h.cfg.MilestoneWait > 0 {
		timer := time.NewTimer(h.cfg.MilestoneWait)
		defer timer.Stop()
		select {
		case h.events <- evt:
			return
		case <-timer.C:
		}
	}
	h.recordDrop(evt.Stage)
}

func (h *Hub) recordDrop(stage Stage) {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	if h.dropped == nil {
		h.dropped = make(map[Stage]int64)
	}
	h.dropped[stage]++
	h.unreported++
	now := time.Now()
	if now.Sub(h.lastWarn) < dropLogInterval {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure",
		zap.Int64("dropped", h.unreported),
		zap.Bool("milestone", Milestone(stage)),
	)
	h.unreported = 0
	h.lastWarn = now
}

// Dropped returns how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	var total int64
	for _, n := range h.dropped {
		total += n
	}
	return total
}

// DroppedByStage breaks Dropped down per stage.
func (h *Hub) DroppedByStage() map[Stage]int64 {
	out := make(map[Stage]int64)
	if h == nil {
		return out
	}
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	for stage, n := range h.dropped {
		out[stage] = n
	}
	return out
}

// Close flushes buffered events, closes every sink and waits for the batching
// goroutine to exit or ctx to end. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	// deadline is nil while the batch is empty, which disables that case.
	var deadline <-chan time.Time
	for {
		select {
		case evt := <-h.events:
			if len(batch) == 0 {
				deadline = time.After(h.cfg.MaxBatchWait)
			}
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
				deadline = nil
			}
		case <-deadline:
			batch = h.flush(batch)
			deadline = nil
		case <-h.stopCh:
			h.drain(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			return
		}
	}
}

// flush hands batch to every sink and returns it emptied for reuse. Sinks
// receive their own copy so they may retain it.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for i, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.Int("sink", i),
				zap.Int("events", len(out)),
				zap.Error(err),
			)
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for i, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Int("sink", i), zap.Error(err))
		}
	}
}
