package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/genfleet/internal/clock/system"
	"github.com/JakeFAU/genfleet/internal/farm"
	"github.com/JakeFAU/genfleet/internal/progress"
	"github.com/JakeFAU/genfleet/internal/runstate"
	"github.com/JakeFAU/genfleet/internal/session"
	"github.com/JakeFAU/genfleet/internal/tracker"
)

// TestRunDrainsAllItems checks every item completes exactly once across two sessions.
func TestRunDrainsAllItems(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	pages := map[string]*fakePage{"b1": {alive: true}, "b2": {alive: true}}
	h := newHarness(t, 5, []string{"b1", "b2"}, provider, func(id string) *fakePage { return pages[id] }, 3)

	summary := h.run(t, context.Background())
	require.Equal(t, EndDrained, summary.Reason)
	require.Equal(t, 5, summary.Counters.Completed)
	require.True(t, summary.Counters.Conserved())
	require.Equal(t, 0, summary.ExitCode())

	require.Len(t, h.source.done(), 5)
	for row := 1; row <= 5; row++ {
		prompt := fmt.Sprintf("prompt %d", row)
		require.Equal(t, 1, pages["b1"].submitsFor(prompt)+pages["b2"].submitsFor(prompt))
	}
	require.Equal(t, 5, h.events.count(progress.StageItemDone))
	require.Equal(t, 1, h.events.count(progress.StageRunDone))
	for id, page := range pages {
		require.Equal(t, 1, page.maxConcurrent(), "session %s ran more than one task at a time", id)
	}
}

// TestRunPacesAssignments holds each session to its startup stagger and task interval.
func TestRunPacesAssignments(t *testing.T) {
	t.Parallel()

	const gap = 50 * time.Millisecond
	ids := []string{"b1", "b2", "b3"}
	pages := map[string]*fakePage{"b1": {alive: true}, "b2": {alive: true}, "b3": {alive: true}}
	h := newHarness(t, 6, ids, newFakeProvider(), func(id string) *fakePage { return pages[id] }, 3)
	h.cfg.StartupDelay = gap
	h.cfg.TaskInterval = gap

	start := time.Now()
	summary := h.run(t, context.Background())
	require.Equal(t, EndDrained, summary.Reason)
	require.Equal(t, 6, summary.Counters.Completed)

	for i, id := range ids {
		times := pages[id].submitTimes()
		require.NotEmpty(t, times, "session %s got no work", id)
		earliest := time.Duration(i) * gap
		if earliest < gap {
			earliest = gap
		}
		require.GreaterOrEqual(t, times[0].Sub(start), earliest, "session %s started early", id)
		for j := 1; j < len(times); j++ {
			require.GreaterOrEqual(t, times[j].Sub(times[j-1]), gap, "session %s assignments too close", id)
		}
	}
}

// TestRunRestartsOnceThenTerminates drives one session through its restart and probation failure.
func TestRunRestartsOnceThenTerminates(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	page := &fakePage{alive: true, awaitErr: farm.ErrGenerationTimeout}
	h := newHarness(t, 1, []string{"b1"}, provider, func(string) *fakePage { return page }, 3)
	h.cfg.MaxItemAttempts = 10

	summary := h.run(t, context.Background())
	require.Equal(t, EndAllTerminated, summary.Reason)
	require.Equal(t, 2, provider.opens("b1"))
	require.Equal(t, 1, summary.Counters.Failed)
	require.Equal(t, 1, summary.Terminated)
	require.Equal(t, 1, summary.Sessions[0].Restarts)
	require.Equal(t, 3, summary.ExitCode())
	require.Equal(t, 4, page.submitsFor("prompt 1"))
	require.Empty(t, h.source.done())
}

// TestRunFailsItemAfterMaxAttempts stops retrying an item once its attempts are spent.
func TestRunFailsItemAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	page := &fakePage{alive: true, awaitErr: farm.ErrTransientTask}
	h := newHarness(t, 1, []string{"b1"}, newFakeProvider(), func(string) *fakePage { return page }, 10)
	h.cfg.MaxItemAttempts = 2

	summary := h.run(t, context.Background())
	require.Equal(t, EndDrained, summary.Reason)
	require.Equal(t, 1, summary.Counters.Failed)
	require.Len(t, summary.Failed, 1)
	require.Contains(t, summary.Failed[0].Reason, "2 attempts exhausted")
	require.Equal(t, 2, page.submitsFor("prompt 1"))
}

// TestRunReassignsAbandonedItem hands an item lost with its session to another session.
func TestRunReassignsAbandonedItem(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.failAfter["b1"] = 1
	provider.delay["b2"] = 100 * time.Millisecond
	dead := &fakePage{alive: false}
	healthy := &fakePage{alive: true}
	pages := func(id string) *fakePage {
		if id == "b1" {
			return dead
		}
		return healthy
	}
	h := newHarness(t, 1, []string{"b1", "b2"}, provider, pages, 3)

	summary := h.run(t, context.Background())
	require.Equal(t, EndDrained, summary.Reason)
	require.Equal(t, 1, summary.Counters.Completed)
	require.Equal(t, 1, summary.Terminated)
	require.Equal(t, 3, summary.ExitCode())
	require.Equal(t, 1, h.state.Reassigns(farm.ItemKey{Source: "book.xlsx", Row: 1}))
	require.Equal(t, 1, healthy.submitsFor("prompt 1"))
}

// TestRunFailsAbandonedItemWhenRestartFails fails an item handed back by a lost
// session once that session's restart also fails and nothing is left to retry it.
func TestRunFailsAbandonedItemWhenRestartFails(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.failAfter["b1"] = 1
	h := newHarness(t, 1, []string{"b1"}, provider, func(string) *fakePage { return &fakePage{alive: false} }, 3)

	summary := h.run(t, context.Background())
	require.Equal(t, EndAllTerminated, summary.Reason)
	require.Equal(t, 1, summary.Terminated)
	require.Equal(t, 1, summary.Counters.Failed)
	require.Zero(t, summary.Counters.Queued)
	require.True(t, summary.Counters.Conserved())
	require.Equal(t, 3, summary.ExitCode())
	require.Len(t, summary.Failed, 1)
	require.Contains(t, summary.Failed[0].Reason, "abandoned")
	require.Equal(t, 1, h.state.Reassigns(farm.ItemKey{Source: "book.xlsx", Row: 1}))
	require.Equal(t, 1, h.events.count(progress.StageItemFailed))
	require.Empty(t, h.source.done())
}

// TestRunEndsWhenAllSessionsSuspended stops once quota parks every live session.
func TestRunEndsWhenAllSessionsSuspended(t *testing.T) {
	t.Parallel()

	page := &fakePage{alive: true, awaitErr: farm.ErrQuotaExhausted}
	h := newHarness(t, 2, []string{"b1"}, newFakeProvider(), func(string) *fakePage { return page }, 3)

	summary := h.run(t, context.Background())
	require.Equal(t, EndAllSuspended, summary.Reason)
	require.Equal(t, 2, summary.Counters.Queued)
	require.Equal(t, 1, summary.Suspended)
	require.True(t, summary.Counters.Conserved())
	require.Equal(t, 3, summary.ExitCode())
}

// TestRunGracefulStopInterruptsAfterGrace requeues the in-flight item when grace runs out.
func TestRunGracefulStopInterruptsAfterGrace(t *testing.T) {
	t.Parallel()

	page := &fakePage{alive: true, block: true, submitted: make(map[string]int)}
	h := newHarness(t, 3, []string{"b1"}, newFakeProvider(), func(string) *fakePage { return page }, 3)
	h.cfg.ShutdownGrace = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		deadline := time.Now().Add(time.Second)
		for page.submitsFor("prompt 1") == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}()
	summary := h.run(t, ctx)
	require.Equal(t, EndStopped, summary.Reason)
	require.Equal(t, 3, summary.Counters.Queued)
	require.Zero(t, summary.Counters.InFlight)
	require.True(t, summary.Counters.Conserved())
	require.Equal(t, 3, summary.ExitCode())
}

// TestRunEmptyQueue ends immediately with nothing to do.
func TestRunEmptyQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, []string{"b1"}, newFakeProvider(), func(string) *fakePage { return &fakePage{alive: true} }, 3)
	summary := h.run(t, context.Background())
	require.Equal(t, EndDrained, summary.Reason)
	require.Zero(t, summary.Counters.Total)
	require.Equal(t, 0, summary.ExitCode())
}

func TestSummaryExitCode(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		summary Summary
		want    int
	}{
		"clean":      {Summary{Reason: EndDrained}, 0},
		"terminated": {Summary{Reason: EndDrained, Snapshot: runstate.Snapshot{Terminated: 1}}, 3},
		"leftover":   {Summary{Reason: EndAllSuspended, Snapshot: runstate.Snapshot{Counters: runstate.Counters{Queued: 2}}}, 3},
		"stopped":    {Summary{Reason: EndStopped}, 3},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.summary.ExitCode())
		})
	}
}

type harness struct {
	cfg     Config
	state   *runstate.State
	source  *fakeSource
	events  *recordingEmitter
	runners []Runner
}

func newHarness(
	t *testing.T,
	items int,
	ids []string,
	provider *fakeProvider,
	pages func(id string) *fakePage,
	maxErrors int,
) *harness {
	t.Helper()
	work := make([]farm.WorkItem, 0, items)
	for row := 1; row <= items; row++ {
		work = append(work, farm.WorkItem{
			Key:        farm.ItemKey{Source: "book.xlsx", Row: row},
			SourceName: "book",
			DataRow:    row,
			Prompt:     fmt.Sprintf("prompt %d", row),
		})
	}
	refs := make([]runstate.SessionRef, 0, len(ids))
	runners := make([]Runner, 0, len(ids))
	for i, id := range ids {
		label := fmt.Sprintf("window-%d", i+1)
		refs = append(refs, runstate.SessionRef{ID: id, Label: label})
		runners = append(runners, session.New(session.Config{
			Index:                i,
			ID:                   id,
			Label:                label,
			OpenTimeout:          time.Second,
			MaxConsecutiveErrors: maxErrors,
			GenerationTimeout:    time.Second,
			DefaultAspectRatio:   "1:1",
		}, session.Deps{
			Provider: provider,
			Driver:   &fakeDriver{page: pages(id)},
			Sink:     fakeSink{},
		}, nil))
	}
	return &harness{
		cfg: Config{
			RunID:                  uuid.New(),
			Tick:                   5 * time.Millisecond,
			MaxItemAttempts:        3,
			AbandonedReassignments: 1,
		},
		state:   runstate.New("run-1", time.Now(), work, refs),
		source:  &fakeSource{},
		events:  &recordingEmitter{},
		runners: runners,
	}
}

func (h *harness) run(t *testing.T, ctx context.Context) Summary {
	t.Helper()
	tr := tracker.New(h.source, h.state, nil)
	d := New(h.cfg, h.runners, h.state, tr, h.events, system.New(), nil)
	done := make(chan Summary, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case s := <-done:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
		return Summary{}
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) count(stage progress.Stage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evt := range e.events {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

type fakeSource struct {
	mu     sync.Mutex
	marked []farm.ItemKey
}

func (s *fakeSource) ListPending(context.Context) ([]farm.WorkItem, error) {
	return nil, nil
}

func (s *fakeSource) MarkDone(_ context.Context, item farm.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, item.Key)
	return nil
}

func (s *fakeSource) done() []farm.ItemKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]farm.ItemKey(nil), s.marked...)
}

type fakeProvider struct {
	mu        sync.Mutex
	opened    map[string]int
	failAfter map[string]int
	delay     map[string]time.Duration
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		opened:    make(map[string]int),
		failAfter: make(map[string]int),
		delay:     make(map[string]time.Duration),
	}
}

func (p *fakeProvider) Open(ctx context.Context, id string) (farm.Endpoint, error) {
	p.mu.Lock()
	delay := p.delay[id]
	limit, limited := p.failAfter[id]
	if limited && p.opened[id] >= limit {
		p.mu.Unlock()
		return farm.Endpoint{}, errors.New("browser profile locked")
	}
	p.opened[id]++
	p.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return farm.Endpoint{}, ctx.Err()
		}
	}
	return farm.Endpoint{WSURL: "ws://127.0.0.1/devtools/browser/" + id}, nil
}

func (p *fakeProvider) Close(context.Context, string) error { return nil }

func (p *fakeProvider) opens(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened[id]
}

type fakeDriver struct {
	page *fakePage
}

func (d *fakeDriver) Attach(context.Context, farm.Endpoint) (farm.Page, error) {
	return d.page, nil
}

type fakePage struct {
	mu        sync.Mutex
	alive     bool
	block     bool
	awaitErr  error
	submitted map[string]int
	times     []time.Time
	running   int
	peak      int
}

func (p *fakePage) Submit(_ context.Context, prompt, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitted == nil {
		p.submitted = make(map[string]int)
	}
	p.submitted[prompt]++
	p.times = append(p.times, time.Now())
	p.running++
	if p.running > p.peak {
		p.peak = p.running
	}
	return nil
}

func (p *fakePage) AwaitResult(ctx context.Context, _ time.Duration) ([]farm.Artifact, error) {
	p.mu.Lock()
	block, err := p.block, p.awaitErr
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	time.Sleep(time.Millisecond)
	if err != nil {
		return nil, err
	}
	return []farm.Artifact{{Source: "https://cdn.example/tplv-a.jpg"}}, nil
}

func (p *fakePage) ReadQuota(context.Context) (int, error) { return 0, farm.ErrQuotaUnknown }

func (p *fakePage) Alive(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakePage) Close() error { return nil }

func (p *fakePage) submitsFor(prompt string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted[prompt]
}

func (p *fakePage) submitTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.times...)
}

func (p *fakePage) maxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

type fakeSink struct{}

func (fakeSink) Save(_ context.Context, item farm.WorkItem, artifacts []farm.Artifact) ([]string, error) {
	out := make([]string, len(artifacts))
	for i := range artifacts {
		out[i] = fmt.Sprintf("%s/%d_img%d.jpg", item.SourceName, item.DataRow, i+1)
	}
	return out, nil
}
