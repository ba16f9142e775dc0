// Package session runs one isolated execution context bound to one remote
// browser. Each Session owns its automation handle on a single goroutine and
// reports state changes, task outcomes and quota samples over a channel.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/clock/system"
	"github.com/JakeFAU/genfleet/internal/farm"
	"github.com/JakeFAU/genfleet/internal/quota"
)

const closeTimeout = 10 * time.Second

// Config controls one Session.
type Config struct {
	Index                int
	ID                   string
	Label                string
	OpenTimeout          time.Duration
	MaxConsecutiveErrors int
	ErrorCooldown        time.Duration
	GenerationTimeout    time.Duration
	DefaultAspectRatio   string
}

// Deps are the collaborators a Session drives.
type Deps struct {
	Provider farm.SessionProvider
	Driver   farm.Driver
	Sink     farm.ArtifactSink
	Monitor  *quota.Monitor
	Clock    farm.Clock
}

// EventKind distinguishes session reports.
type EventKind int

// Event kinds.
const (
	EventState EventKind = iota
	EventOutcome
	EventQuota
)

// Event is a serializable report from a session to the coordinator. State is
// always the session state after the reported change.
type Event struct {
	Index int
	Label string
	Kind  EventKind
	State farm.SessionState
	// Opened is set on the idle report that follows a successful open or restart.
	Opened  bool
	Item    farm.WorkItem
	Outcome farm.Outcome
	Reading quota.Reading
	At      time.Time
}

type errorState struct {
	consecutive int
	probation   bool
}

// Session is one remote browser plus its automation context.
type Session struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	assign   chan farm.WorkItem
	stopCh   chan struct{}
	stopOnce sync.Once

	events   chan<- Event
	page     farm.Page
	opened   bool
	state    farm.SessionState
	errs     errorState
	restarts int
}

// New constructs a Session. Run must be called to start it.
func New(cfg Config, deps Deps, logger *zap.Logger) *Session {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 10 * time.Minute
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("session").With(zap.String("session", cfg.Label)),
		assign: make(chan farm.WorkItem, 1),
		stopCh: make(chan struct{}),
		state:  farm.SessionStarting,
	}
}

// Label returns the human label.
func (s *Session) Label() string {
	return s.cfg.Label
}

// Assign hands an item to the session without blocking. It returns false if
// an assignment is already pending.
func (s *Session) Assign(item farm.WorkItem) bool {
	select {
	case s.assign <- item:
		return true
	default:
		return false
	}
}

// Stop asks the session to exit after its current task.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run opens the browser and serves assignments until stopped, ctx ends, or
// the session terminates. ctx bounds in-flight work; Stop only prevents new
// work from starting.
func (s *Session) Run(ctx context.Context, events chan<- Event) {
	s.events = events
	defer s.release()

	s.setState(farm.SessionStarting, false)
	if err := s.open(ctx); err != nil {
		s.logger.Error("session open failed", zap.Error(err))
		s.setState(farm.SessionTerminated, false)
		return
	}
	s.setState(farm.SessionIdle, true)
	s.sampleQuota(ctx)

	var tick <-chan time.Time
	if s.deps.Monitor.Enabled() && s.deps.Monitor.Interval() > 0 {
		ticker := time.NewTicker(s.deps.Monitor.Interval())
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case item := <-s.assign:
			s.handle(ctx, item)
			if s.state == farm.SessionTerminated {
				return
			}
		case <-tick:
			if s.state == farm.SessionIdle || s.state == farm.SessionSuspended {
				s.sampleQuota(ctx)
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, item farm.WorkItem) {
	if s.state != farm.SessionIdle {
		s.logger.Debug("bouncing assignment", zap.String("state", string(s.state)), zap.Int("row", item.Key.Row))
		s.report(item, farm.Outcome{Kind: farm.OutcomeBounced}, s.state)
		return
	}
	s.setState(farm.SessionBusy, false)
	outcome := s.execute(ctx, item)
	next := s.afterOutcome(outcome)
	s.logOutcome(item, outcome, next)
	s.report(item, outcome, next)

	switch {
	case next == farm.SessionError:
		s.recover(ctx)
	case outcome.Kind == farm.OutcomeSuccess:
		s.sampleQuota(ctx)
	}
}

// afterOutcome applies the consecutive-failure policy and returns the next state.
func (s *Session) afterOutcome(outcome farm.Outcome) farm.SessionState {
	switch outcome.Kind {
	case farm.OutcomeSuccess:
		s.errs = errorState{}
		return farm.SessionIdle
	case farm.OutcomeQuota:
		return farm.SessionSuspended
	case farm.OutcomeSessionLost:
		if s.errs.probation {
			return farm.SessionTerminated
		}
		return farm.SessionError
	case farm.OutcomeTransient:
		s.errs.consecutive++
		if s.errs.probation {
			return farm.SessionTerminated
		}
		if s.errs.consecutive >= s.cfg.MaxConsecutiveErrors {
			return farm.SessionError
		}
		return farm.SessionIdle
	default:
		return farm.SessionIdle
	}
}

// recover cools down, then restarts the browser once. The session stays on
// probation until its next success.
func (s *Session) recover(ctx context.Context) {
	s.restarts++
	s.logger.Warn("session entering cooldown",
		zap.Int("consecutive_errors", s.errs.consecutive),
		zap.Duration("cooldown", s.cfg.ErrorCooldown),
	)
	if !s.wait(ctx, s.cfg.ErrorCooldown) {
		return
	}
	s.closeHandles()
	s.setState(farm.SessionStarting, false)
	if err := s.open(ctx); err != nil {
		s.logger.Error("session restart failed", zap.Error(err))
		s.setState(farm.SessionTerminated, false)
		return
	}
	s.errs = errorState{probation: true}
	s.logger.Info("session restarted", zap.Int("restarts", s.restarts))
	s.setState(farm.SessionIdle, true)
}

func (s *Session) execute(ctx context.Context, item farm.WorkItem) farm.Outcome {
	start := s.now()
	if !s.page.Alive(ctx) {
		return s.failure(ctx, start, fmt.Errorf("page not responding: %w", farm.ErrSessionLost))
	}
	ratio := item.AspectRatio
	if ratio == "" {
		ratio = s.cfg.DefaultAspectRatio
	}
	if err := s.page.Submit(ctx, item.Prompt, ratio); err != nil {
		return s.failure(ctx, start, fmt.Errorf("submit: %w", err))
	}
	artifacts, err := s.page.AwaitResult(ctx, s.cfg.GenerationTimeout)
	if err != nil {
		return s.failure(ctx, start, fmt.Errorf("await result: %w", err))
	}
	if len(artifacts) == 0 {
		return s.failure(ctx, start, fmt.Errorf("await result: no images: %w", farm.ErrTransientTask))
	}
	saved, err := s.deps.Sink.Save(ctx, item, artifacts)
	if err != nil {
		return s.failure(ctx, start, fmt.Errorf("save artifacts: %w", err))
	}
	return farm.Outcome{Kind: farm.OutcomeSuccess, Saved: saved, Dur: s.now().Sub(start)}
}

func (s *Session) failure(ctx context.Context, start time.Time, err error) farm.Outcome {
	kind := farm.Classify(err)
	switch {
	case ctx.Err() != nil:
		kind = farm.OutcomeAborted
	case kind == farm.OutcomeTransient && !s.page.Alive(ctx):
		kind = farm.OutcomeSessionLost
	}
	return farm.Outcome{Kind: kind, Err: err, Dur: s.now().Sub(start)}
}

func (s *Session) sampleQuota(ctx context.Context) {
	if !s.deps.Monitor.Enabled() || s.page == nil {
		return
	}
	reading := s.deps.Monitor.Sample(ctx, s.page)
	if !reading.Known {
		s.logger.Info("quota unknown, retrying next interval")
	}
	next := s.deps.Monitor.Next(s.state, reading)
	if next != s.state {
		s.logger.Info("quota state change",
			zap.String("from", string(s.state)),
			zap.String("state", string(next)),
			zap.Int("points", reading.Points),
		)
	}
	s.state = next
	s.emit(Event{Kind: EventQuota, State: next, Reading: reading})
}

func (s *Session) open(ctx context.Context) error {
	openCtx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()
	endpoint, err := s.deps.Provider.Open(openCtx, s.cfg.ID)
	if err != nil {
		return fmt.Errorf("%w: open browser %s: %w", farm.ErrSessionUnavailable, s.cfg.ID, err)
	}
	s.opened = true
	page, err := s.deps.Driver.Attach(openCtx, endpoint)
	if err != nil {
		s.closeHandles()
		return fmt.Errorf("%w: attach browser %s: %w", farm.ErrSessionUnavailable, s.cfg.ID, err)
	}
	s.page = page
	return nil
}

func (s *Session) closeHandles() {
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			s.logger.Debug("page close failed", zap.Error(err))
		}
		s.page = nil
	}
	if s.opened {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.deps.Provider.Close(ctx, s.cfg.ID); err != nil {
			s.logger.Warn("browser close failed", zap.Error(err))
		}
		s.opened = false
	}
}

// release returns any pending assignment and closes the browser on every exit path.
func (s *Session) release() {
	select {
	case item := <-s.assign:
		s.report(item, farm.Outcome{Kind: farm.OutcomeAborted}, s.state)
	default:
	}
	s.closeHandles()
}

// wait sleeps on the session clock and gives up early on Stop.
func (s *Session) wait(ctx context.Context, d time.Duration) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return s.deps.Clock.Sleep(ctx, d)
}

func (s *Session) setState(state farm.SessionState, opened bool) {
	s.state = state
	s.emit(Event{Kind: EventState, State: state, Opened: opened})
}

func (s *Session) report(item farm.WorkItem, outcome farm.Outcome, next farm.SessionState) {
	s.state = next
	s.emit(Event{Kind: EventOutcome, State: next, Item: item, Outcome: outcome})
}

func (s *Session) emit(ev Event) {
	ev.Index = s.cfg.Index
	ev.Label = s.cfg.Label
	ev.At = s.now()
	s.events <- ev
}

func (s *Session) logOutcome(item farm.WorkItem, outcome farm.Outcome, next farm.SessionState) {
	fields := []zap.Field{
		zap.String("item_source", item.Key.Source),
		zap.Int("row", item.Key.Row),
		zap.String("outcome", string(outcome.Kind)),
		zap.String("state", string(next)),
		zap.Duration("dur", outcome.Dur),
	}
	if outcome.Kind == farm.OutcomeSuccess {
		s.logger.Info("item completed", append(fields, zap.Int("artifacts", len(outcome.Saved)))...)
		return
	}
	s.logger.Warn("item not completed", append(fields, zap.Error(outcome.Err))...)
}

func (s *Session) now() time.Time {
	return s.deps.Clock.Now()
}
