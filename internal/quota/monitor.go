// Package quota samples a session's remaining-credit signal and decides when
// the session must stop taking work.
package quota

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/farm"
)

// Config controls sampling.
type Config struct {
	Enabled   bool
	Threshold int
	Interval  time.Duration
	// ReadTimeout bounds one sample.
	ReadTimeout time.Duration
}

// Reading is one sample of remaining credits.
type Reading struct {
	Points int
	Known  bool
	At     time.Time
}

// Monitor evaluates readings against the suspend threshold.
type Monitor struct {
	cfg    Config
	clock  farm.Clock
	logger *zap.Logger
}

// New constructs a Monitor.
func New(cfg Config, clock farm.Clock, logger *zap.Logger) *Monitor {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{cfg: cfg, clock: clock, logger: logger}
}

// Enabled reports whether sampling is on.
func (m *Monitor) Enabled() bool {
	return m != nil && m.cfg.Enabled
}

// Interval returns the periodic sampling interval.
func (m *Monitor) Interval() time.Duration {
	return m.cfg.Interval
}

// Sample reads the page's remaining credits. Unreadable signals yield an
// unknown reading, which callers treat as "no change".
func (m *Monitor) Sample(ctx context.Context, page farm.Page) Reading {
	now := m.clock.Now()
	if !m.Enabled() || page == nil {
		return Reading{At: now}
	}
	readCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadTimeout)
	defer cancel()
	points, err := page.ReadQuota(readCtx)
	if err != nil {
		if !errors.Is(err, farm.ErrQuotaUnknown) {
			m.logger.Debug("quota read failed", zap.Error(err))
		}
		return Reading{At: now}
	}
	return Reading{Points: points, Known: true, At: now}
}

// Low reports whether a known reading is under the threshold.
func (m *Monitor) Low(r Reading) bool {
	return m.Enabled() && r.Known && r.Points < m.cfg.Threshold
}

// Cleared reports whether a known reading is at or above the threshold.
func (m *Monitor) Cleared(r Reading) bool {
	return r.Known && r.Points >= m.cfg.Threshold
}

// Next computes the state after a reading. Only idle and suspended sessions
// change; unknown readings never change state.
func (m *Monitor) Next(current farm.SessionState, r Reading) farm.SessionState {
	switch {
	case current == farm.SessionIdle && m.Low(r):
		return farm.SessionSuspended
	case current == farm.SessionSuspended && m.Cleared(r):
		return farm.SessionIdle
	default:
		return current
	}
}
