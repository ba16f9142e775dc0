package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/progress"
	"github.com/JakeFAU/genfleet/internal/runstate"
)

const eventBuffer = 256

// Options configure a Dashboard.
type Options struct {
	// Source returns the current run snapshot; it is polled every second.
	Source func() runstate.Snapshot
	// OnQuit runs when the operator presses q. It should request a graceful stop.
	OnQuit func()
	// ProgramOptions are passed to bubbletea, mainly for tests.
	ProgramOptions []tea.ProgramOption
}

// Dashboard owns the terminal while a run is in progress. Logging must be
// redirected to a file while it runs.
type Dashboard struct {
	program  *tea.Program
	events   chan []progress.Event
	started  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	logger   *zap.Logger
}

// New builds a Dashboard. Run must be called to take over the terminal.
func New(opts Options, logger *zap.Logger) *Dashboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	programOpts := append([]tea.ProgramOption{tea.WithAltScreen()}, opts.ProgramOptions...)
	return &Dashboard{
		program: tea.NewProgram(newModel(opts.Source, opts.OnQuit), programOpts...),
		events:  make(chan []progress.Event, eventBuffer),
		started: make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger.Named("dashboard"),
	}
}

// Sink returns a progress sink feeding the dashboard. It never blocks the
// hub: batches that do not fit the buffer are dropped.
func (d *Dashboard) Sink() progress.Sink {
	return progress.SinkFunc(func(_ context.Context, batch []progress.Event) error {
		cp := append([]progress.Event(nil), batch...)
		select {
		case d.events <- cp:
		default:
			d.logger.Debug("dashboard buffer full, dropping events", zap.Int("count", len(batch)))
		}
		return nil
	})
}

// Run blocks until the dashboard quits, either via Stop or the operator.
func (d *Dashboard) Run() error {
	close(d.started)
	defer close(d.done)
	go d.forward()
	if _, err := d.program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run dashboard: %w", err)
	}
	return nil
}

// Stop quits the dashboard and, if Run was called, waits for the terminal to
// be restored. A Run that starts after Stop quits immediately.
func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	select {
	case <-d.started:
		<-d.done
	default:
	}
}

func (d *Dashboard) forward() {
	for {
		select {
		case <-d.done:
			return
		case <-d.stop:
			d.program.Quit()
			return
		case batch := <-d.events:
			d.program.Send(eventsMsg{events: batch})
		}
	}
}
