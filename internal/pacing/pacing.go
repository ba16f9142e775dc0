// Package pacing inserts randomized pauses between remote-facing actions so
// several sessions driving the same site do not act in lockstep.
package pacing

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pacer sleeps for a uniformly random duration within [min, max].
type Pacer struct {
	min   time.Duration
	max   time.Duration
	pause pauseController
}

type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

// New creates a Pacer. Inverted bounds are swapped.
func New(minDelay, maxDelay time.Duration) *Pacer {
	if maxDelay < minDelay {
		minDelay, maxDelay = maxDelay, minDelay
	}
	return &Pacer{min: minDelay, max: maxDelay, pause: timerPauseController{}}
}

// FromSeconds builds a Pacer from fractional second bounds.
func FromSeconds(minSeconds, maxSeconds float64) *Pacer {
	return New(
		time.Duration(minSeconds*float64(time.Second)),
		time.Duration(maxSeconds*float64(time.Second)),
	)
}

// Next returns the next random delay.
func (p *Pacer) Next() time.Duration {
	if p == nil {
		return 0
	}
	return p.min + randomJitter(p.max-p.min)
}

// Delay pauses for Next() or until ctx finishes.
func (p *Pacer) Delay(ctx context.Context) {
	if p == nil {
		return
	}
	p.pause.Pause(ctx, p.Next())
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}

type timerPauseController struct{}

func (timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
