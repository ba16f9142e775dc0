// Package dispatcher hands pending work items to idle sessions and decides
// what happens to every item a session reports back.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/farm"
	"github.com/JakeFAU/genfleet/internal/progress"
	"github.com/JakeFAU/genfleet/internal/runstate"
	"github.com/JakeFAU/genfleet/internal/session"
	"github.com/JakeFAU/genfleet/internal/tracker"
)

// Runner is the coordinator's view of a session.
type Runner interface {
	Run(ctx context.Context, events chan<- session.Event)
	Assign(item farm.WorkItem) bool
	Stop()
	Label() string
}

// Config tunes scheduling.
type Config struct {
	RunID        uuid.UUID
	TaskInterval time.Duration
	StartupDelay time.Duration
	Tick         time.Duration
	// MaxItemAttempts caps transient failures per item per run.
	MaxItemAttempts int
	// AbandonedReassignments caps how often an item orphaned by a lost
	// session is handed to another session.
	AbandonedReassignments int
	WaitForQuota           bool
	ShutdownGrace          time.Duration
	ReportInterval         time.Duration
}

// EndReason explains why a run stopped.
type EndReason string

// Run end reasons.
const (
	EndDrained       EndReason = "drained"
	EndAllTerminated EndReason = "all_sessions_terminated"
	EndAllSuspended  EndReason = "all_sessions_suspended"
	EndStopped       EndReason = "stopped"
)

// Summary is the final report of a run.
type Summary struct {
	runstate.Snapshot
	Reason EndReason `json:"reason"`
}

// ExitCode maps the summary to the process exit code: 0 for a clean drain,
// 3 when sessions were lost or work remains.
func (s Summary) ExitCode() int {
	if s.Reason == EndDrained && s.Terminated == 0 && s.Counters.Pending() == 0 {
		return 0
	}
	return 3
}

type slot struct {
	runner  Runner
	state   farm.SessionState
	active  *farm.WorkItem
	readyAt time.Time
	opened  bool
}

// Dispatcher is the single coordinator of a run. Only its Run goroutine makes
// assignment decisions.
type Dispatcher struct {
	cfg     Config
	state   *runstate.State
	tracker *tracker.Tracker
	emitter progress.Emitter
	clock   farm.Clock
	logger  *zap.Logger

	slots    []slot
	runStart time.Time
	stopping bool
	execCtx  context.Context
}

// New constructs a Dispatcher over the given sessions.
func New(
	cfg Config,
	runners []Runner,
	state *runstate.State,
	tr *tracker.Tracker,
	emitter progress.Emitter,
	clock farm.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.MaxItemAttempts <= 0 {
		cfg.MaxItemAttempts = 3
	}
	if cfg.AbandonedReassignments < 0 {
		cfg.AbandonedReassignments = 0
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := make([]slot, len(runners))
	for i, r := range runners {
		slots[i] = slot{runner: r, state: farm.SessionStarting}
	}
	return &Dispatcher{
		cfg:     cfg,
		state:   state,
		tracker: tr,
		emitter: emitter,
		clock:   clock,
		logger:  logger.Named("dispatcher"),
		slots:   slots,
	}
}

// Run starts every session, coordinates until the run ends and returns the
// final summary. Cancelling ctx requests a graceful stop: no new assignments
// are made and in-flight tasks get ShutdownGrace to finish before they are
// interrupted.
func (d *Dispatcher) Run(ctx context.Context) Summary {
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()
	d.execCtx = execCtx
	d.runStart = d.clock.Now()

	events := make(chan session.Event, 16*(len(d.slots)+1))
	var wg sync.WaitGroup
	for _, s := range d.slots {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(execCtx, events)
		}(s.runner)
	}
	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
	}()

	snap := d.state.Snapshot()
	d.logger.Info("run started",
		zap.String("run_id", snap.RunID),
		zap.Int("items", snap.Counters.Total),
		zap.Int("sessions", len(d.slots)),
	)
	d.emit(progress.Event{Stage: progress.StageRunStart, Note: fmt.Sprintf("%d items", snap.Counters.Total)})

	tick := time.NewTicker(d.cfg.Tick)
	defer tick.Stop()
	report := time.NewTicker(d.cfg.ReportInterval)
	defer report.Stop()

	stopReq := ctx.Done()
	var grace <-chan time.Time
	var reason EndReason
	for reason == "" {
		select {
		case ev := <-events:
			d.handle(ev)
		case <-tick.C:
			d.assign()
		case <-report.C:
			d.report()
		case <-stopReq:
			stopReq = nil
			d.stopping = true
			d.logger.Info("stop requested, finishing in-flight tasks", zap.Duration("grace", d.cfg.ShutdownGrace))
			if d.cfg.ShutdownGrace > 0 {
				timer := time.NewTimer(d.cfg.ShutdownGrace)
				defer timer.Stop()
				grace = timer.C
			} else {
				cancelExec()
			}
		case <-grace:
			grace = nil
			d.logger.Warn("shutdown grace elapsed, interrupting in-flight tasks")
			cancelExec()
		case <-exited:
			exited = nil
			d.drain(events)
		}
		reason = d.endReason()
	}

	for _, s := range d.slots {
		s.runner.Stop()
	}
	cancelExec()
	d.waitSessions(events, &wg)

	end := d.clock.Now()
	d.state.Finish(end)
	summary := Summary{Snapshot: d.state.Snapshot(), Reason: reason}
	d.emit(progress.Event{
		Stage:      progress.StageRunDone,
		Dur:        end.Sub(d.runStart),
		Note:       string(reason),
		Completed:  summary.Counters.Completed,
		Failed:     summary.Counters.Failed,
		Pending:    summary.Counters.Pending(),
		Terminated: summary.Terminated,
	})
	return summary
}

func (d *Dispatcher) waitSessions(events chan session.Event, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case ev := <-events:
			d.handle(ev)
		case <-done:
			d.drain(events)
			return
		}
	}
}

func (d *Dispatcher) drain(events chan session.Event) {
	for {
		select {
		case ev := <-events:
			d.handle(ev)
		default:
			return
		}
	}
}

// endReason returns a non-empty reason once the run should stop. A run never
// ends while an item is assigned.
func (d *Dispatcher) endReason() EndReason {
	terminated, suspended, live := 0, 0, 0
	for _, s := range d.slots {
		if s.active != nil {
			return ""
		}
		switch s.state {
		case farm.SessionTerminated:
			terminated++
		case farm.SessionSuspended:
			suspended++
			live++
		default:
			live++
		}
	}
	switch {
	case terminated == len(d.slots):
		return EndAllTerminated
	case d.stopping:
		return EndStopped
	case d.state.Queued() == 0:
		return EndDrained
	case !d.cfg.WaitForQuota && live > 0 && suspended == live:
		return EndAllSuspended
	}
	return ""
}

func (d *Dispatcher) assign() {
	if d.stopping {
		return
	}
	now := d.clock.Now()
	for i := range d.slots {
		s := &d.slots[i]
		if s.state != farm.SessionIdle || s.active != nil || now.Before(s.readyAt) {
			continue
		}
		label := s.runner.Label()
		item, ok := d.state.Next(label)
		if !ok {
			return
		}
		if !s.runner.Assign(item) {
			d.requeue(item, label, "session busy")
			continue
		}
		s.active = &item
		d.logger.Debug("item assigned",
			zap.String("session", label),
			zap.String("item_source", item.Key.Source),
			zap.Int("row", item.Key.Row),
		)
		d.emit(itemEvent(progress.StageItemAssigned, label, item))
	}
}

func (d *Dispatcher) handle(ev session.Event) {
	if ev.Index < 0 || ev.Index >= len(d.slots) {
		return
	}
	s := &d.slots[ev.Index]
	now := d.clock.Now()
	s.state = ev.State
	d.state.UpdateSession(ev.Label, ev.At, func(v *runstate.SessionView) {
		v.State = ev.State
		if ev.Opened && s.opened {
			v.Restarts++
		}
		if ev.Kind == session.EventQuota && ev.Reading.Known {
			v.Points = ev.Reading.Points
			v.PointsKnown = true
		}
	})

	switch ev.Kind {
	case session.EventState:
		if ev.Opened {
			ready := now.Add(d.cfg.StartupDelay)
			if !s.opened {
				if first := d.runStart.Add(time.Duration(ev.Index) * d.cfg.StartupDelay); first.After(ready) {
					ready = first
				}
			}
			s.readyAt = ready
			s.opened = true
		}
		d.emit(progress.Event{Stage: progress.StageSessionState, Session: ev.Label, State: string(ev.State)})
	case session.EventQuota:
		d.emit(progress.Event{
			Stage:       progress.StageQuotaSample,
			Session:     ev.Label,
			State:       string(ev.State),
			Points:      ev.Reading.Points,
			PointsKnown: ev.Reading.Known,
		})
	case session.EventOutcome:
		s.active = nil
		s.readyAt = now.Add(d.cfg.TaskInterval)
		d.settle(ev)
	}
	if ev.State == farm.SessionTerminated && !d.anyLive() {
		d.failAbandoned(ev.Label)
	}
}

func (d *Dispatcher) anyLive() bool {
	for _, s := range d.slots {
		if s.state.Live() {
			return true
		}
	}
	return false
}

// failAbandoned fails queued items that were handed back by a lost session
// once no session is left to retry them.
func (d *Dispatcher) failAbandoned(label string) {
	for _, item := range d.state.Abandoned() {
		d.fail(label, item, "abandoned: no live session left")
	}
}

// settle applies the retry policy to a reported outcome.
func (d *Dispatcher) settle(ev session.Event) {
	item, out, label := ev.Item, ev.Outcome, ev.Label
	switch out.Kind {
	case farm.OutcomeSuccess:
		if err := d.tracker.Complete(d.execCtx, item); err != nil {
			d.logger.Error("record completion", zap.Error(err))
		}
		done := itemEvent(progress.StageItemDone, label, item)
		done.Prompt = item.Prompt
		done.Artifacts = out.Saved
		done.Dur = out.Dur
		d.emit(done)
	case farm.OutcomeRejected:
		if err := d.tracker.Reject(d.execCtx, item, errText(out.Err)); err != nil {
			d.logger.Error("record rejection", zap.Error(err))
		}
		d.emitFailed(label, item, errText(out.Err))
	case farm.OutcomeQuota, farm.OutcomeBounced, farm.OutcomeAborted:
		d.requeue(item, label, string(out.Kind))
	case farm.OutcomeSessionLost:
		d.abandon(ev, errText(out.Err))
	default:
		if !out.CountsAgainstItem() {
			d.requeue(item, label, string(out.Kind))
			return
		}
		failures := d.state.RecordFailure(item.Key)
		if ev.State == farm.SessionTerminated {
			d.abandon(ev, errText(out.Err))
			return
		}
		if failures >= d.cfg.MaxItemAttempts {
			d.fail(label, item, fmt.Sprintf("%d attempts exhausted: %s", failures, errText(out.Err)))
			return
		}
		d.requeue(item, label, errText(out.Err))
	}
}

// abandon handles an item orphaned by a lost or terminated session. It is
// handed to another live session while the reassignment budget allows.
func (d *Dispatcher) abandon(ev session.Event, reason string) {
	item := ev.Item
	others := false
	for i, s := range d.slots {
		if i == ev.Index && ev.State == farm.SessionTerminated {
			continue
		}
		if s.state.Live() {
			others = true
			break
		}
	}
	if others && d.state.Reassigns(item.Key) < d.cfg.AbandonedReassignments {
		n := d.state.RecordReassign(item.Key)
		d.logger.Warn("reassigning abandoned item",
			zap.String("session", ev.Label),
			zap.String("item_source", item.Key.Source),
			zap.Int("row", item.Key.Row),
			zap.Int("reassignments", n),
		)
		d.requeue(item, ev.Label, "abandoned: "+reason)
		return
	}
	d.fail(ev.Label, item, "abandoned: "+reason)
}

func (d *Dispatcher) requeue(item farm.WorkItem, label, note string) {
	if err := d.state.Requeue(item.Key); err != nil {
		d.logger.Error("requeue item", zap.String("item", item.Key.String()), zap.Error(err))
		return
	}
	evt := itemEvent(progress.StageItemRequeued, label, item)
	evt.Attempt = d.state.Attempts(item.Key)
	evt.Note = note
	d.emit(evt)
}

func (d *Dispatcher) fail(label string, item farm.WorkItem, reason string) {
	if err := d.tracker.Fail(item, reason); err != nil {
		d.logger.Error("record failure", zap.Error(err))
		return
	}
	d.emitFailed(label, item, reason)
}

func (d *Dispatcher) emitFailed(label string, item farm.WorkItem, reason string) {
	evt := itemEvent(progress.StageItemFailed, label, item)
	evt.Attempt = d.state.Attempts(item.Key)
	evt.Note = reason
	d.emit(evt)
}

func (d *Dispatcher) report() {
	snap := d.state.Snapshot()
	d.logger.Info("run progress",
		zap.Int("completed", snap.Counters.Completed),
		zap.Int("failed", snap.Counters.Failed),
		zap.Int("queued", snap.Counters.Queued),
		zap.Int("in_flight", snap.Counters.InFlight),
		zap.Int("suspended", snap.Suspended),
		zap.Int("terminated", snap.Terminated),
	)
}

func (d *Dispatcher) emit(evt progress.Event) {
	if d.emitter == nil {
		return
	}
	evt.RunID = progress.UUIDToBytes(d.cfg.RunID)
	evt.TS = d.clock.Now()
	d.emitter.Emit(evt)
}

func itemEvent(stage progress.Stage, label string, item farm.WorkItem) progress.Event {
	return progress.Event{
		Stage:      stage,
		Session:    label,
		Source:     item.Key.Source,
		Row:        item.Key.Row,
		SourceName: item.SourceName,
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
