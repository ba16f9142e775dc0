// Package runstate holds the process-wide view of one run: the pending queue,
// in-flight items, per-item attempt counters, aggregate counters and a
// reporting view of the sessions. All access goes through a single mutex.
package runstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/genfleet/internal/farm"
)

var (
	// ErrUnknownItem is returned for keys that were never loaded into the run.
	ErrUnknownItem = errors.New("unknown work item")
	// ErrNotInFlight is returned when a transition requires an assigned item.
	ErrNotInFlight = errors.New("work item is not in flight")
)

// SessionRef names one configured session.
type SessionRef struct {
	ID    string
	Label string
}

// SessionView is the reporting view of one session.
type SessionView struct {
	ID          string            `json:"id"`
	Label       string            `json:"label"`
	State       farm.SessionState `json:"state"`
	Active      string            `json:"active,omitempty"`
	Completed   int               `json:"completed"`
	Failed      int               `json:"failed"`
	Restarts    int               `json:"restarts"`
	Points      int               `json:"points"`
	PointsKnown bool              `json:"points_known"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Counters aggregates item outcomes. Total always equals
// Completed + Failed + Queued + InFlight.
type Counters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Queued    int `json:"queued"`
	InFlight  int `json:"in_flight"`
	Requeued  int `json:"requeued"`
}

// Pending counts items not yet completed or failed.
func (c Counters) Pending() int {
	return c.Queued + c.InFlight
}

// Snapshot is a consistent copy of the run state.
type Snapshot struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Counters   Counters      `json:"counters"`
	Sessions   []SessionView `json:"sessions"`
	Failed     []FailedItem  `json:"failed_items,omitempty"`
	Suspended  int           `json:"suspended"`
	Terminated int           `json:"terminated"`
}

// FailedItem describes an item that will not be retried in this run.
type FailedItem struct {
	Key    farm.ItemKey `json:"key"`
	Reason string       `json:"reason"`
}

type itemRecord struct {
	item       farm.WorkItem
	inFlight   bool
	assignedTo string
	attempts   int
	failures   int
	reassigns  int
	reason     string
}

// State is the lock-guarded run state.
type State struct {
	mu         sync.Mutex
	runID      string
	startedAt  time.Time
	finishedAt *time.Time
	queue      []farm.ItemKey
	items      map[farm.ItemKey]*itemRecord
	order      []farm.ItemKey
	completed  int
	failed     int
	inFlight   int
	requeued   int
	sessions   []SessionView
	byLabel    map[string]int
}

// New loads items into a fresh run. Duplicate keys keep the first occurrence.
func New(runID string, startedAt time.Time, items []farm.WorkItem, sessions []SessionRef) *State {
	s := &State{
		runID:     runID,
		startedAt: startedAt,
		items:     make(map[farm.ItemKey]*itemRecord, len(items)),
		byLabel:   make(map[string]int, len(sessions)),
	}
	for _, item := range items {
		if _, dup := s.items[item.Key]; dup {
			continue
		}
		item.Status = farm.ItemPending
		s.items[item.Key] = &itemRecord{item: item}
		s.queue = append(s.queue, item.Key)
		s.order = append(s.order, item.Key)
	}
	for i, ref := range sessions {
		s.sessions = append(s.sessions, SessionView{
			ID:        ref.ID,
			Label:     ref.Label,
			State:     farm.SessionStarting,
			UpdatedAt: startedAt,
		})
		s.byLabel[ref.Label] = i
	}
	return s
}

// Next dequeues the next pending item and marks it in flight for label.
func (s *State) Next(label string) (farm.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return farm.WorkItem{}, false
	}
	key := s.queue[0]
	s.queue = s.queue[1:]
	rec := s.items[key]
	rec.inFlight = true
	rec.assignedTo = label
	rec.attempts++
	s.inFlight++
	if i, ok := s.byLabel[label]; ok {
		s.sessions[i].Active = key.String()
	}
	return rec.item, true
}

// Requeue returns an in-flight item to the back of the queue.
func (s *State) Requeue(key farm.ItemKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.releaseLocked(key); err != nil {
		return err
	}
	s.queue = append(s.queue, key)
	s.requeued++
	return nil
}

// Complete marks an in-flight item done.
func (s *State) Complete(key farm.ItemKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.releaseLocked(key)
	if err != nil {
		return err
	}
	rec.item.Status = farm.ItemDone
	s.completed++
	if i, ok := s.byLabel[rec.assignedTo]; ok {
		s.sessions[i].Completed++
	}
	return nil
}

// Fail marks an in-flight or queued item failed for the rest of the run.
func (s *State) Fail(key farm.ItemKey, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec *itemRecord
	if s.dequeueLocked(key) {
		rec = s.items[key]
	} else {
		var err error
		if rec, err = s.releaseLocked(key); err != nil {
			return err
		}
	}
	rec.item.Status = farm.ItemFailed
	rec.reason = reason
	s.failed++
	if i, ok := s.byLabel[rec.assignedTo]; ok {
		s.sessions[i].Failed++
	}
	return nil
}

func (s *State) dequeueLocked(key farm.ItemKey) bool {
	for i, k := range s.queue {
		if k == key {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *State) releaseLocked(key farm.ItemKey) (*itemRecord, error) {
	rec, ok := s.items[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, key)
	}
	if !rec.inFlight {
		return nil, fmt.Errorf("%w: %s", ErrNotInFlight, key)
	}
	rec.inFlight = false
	s.inFlight--
	if i, ok := s.byLabel[rec.assignedTo]; ok && s.sessions[i].Active == key.String() {
		s.sessions[i].Active = ""
	}
	return rec, nil
}

// RecordFailure counts a transient failure against the item and returns the new total.
func (s *State) RecordFailure(key farm.ItemKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[key]
	if !ok {
		return 0
	}
	rec.failures++
	return rec.failures
}

// RecordReassign counts a reassignment of an abandoned item and returns the new total.
func (s *State) RecordReassign(key farm.ItemKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[key]
	if !ok {
		return 0
	}
	rec.reassigns++
	return rec.reassigns
}

// Reassigns returns how many times an abandoned item was handed out again.
func (s *State) Reassigns(key farm.ItemKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.items[key]; ok {
		return rec.reassigns
	}
	return 0
}

// Attempts returns how many times the item was assigned.
func (s *State) Attempts(key farm.ItemKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.items[key]; ok {
		return rec.attempts
	}
	return 0
}

// Item returns the stored item with its current status.
func (s *State) Item(key farm.ItemKey) (farm.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[key]
	if !ok {
		return farm.WorkItem{}, false
	}
	return rec.item, true
}

// Queued returns the number of items waiting for assignment.
func (s *State) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Abandoned returns queued items that were orphaned by a lost session at
// least once, in queue order.
func (s *State) Abandoned() []farm.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []farm.WorkItem
	for _, key := range s.queue {
		if rec := s.items[key]; rec.reassigns > 0 {
			out = append(out, rec.item)
		}
	}
	return out
}

// UpdateSession applies fn to the view of the session with label.
func (s *State) UpdateSession(label string, at time.Time, fn func(*SessionView)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byLabel[label]
	if !ok {
		return
	}
	fn(&s.sessions[i])
	s.sessions[i].UpdatedAt = at
}

// Finish stamps the run end time.
func (s *State) Finish(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishedAt == nil {
		s.finishedAt = &at
	}
}

// Snapshot returns a consistent copy of the run state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		RunID:     s.runID,
		StartedAt: s.startedAt,
		Counters: Counters{
			Total:     len(s.items),
			Completed: s.completed,
			Failed:    s.failed,
			Queued:    len(s.queue),
			InFlight:  s.inFlight,
			Requeued:  s.requeued,
		},
		Sessions: append([]SessionView(nil), s.sessions...),
	}
	if s.finishedAt != nil {
		at := *s.finishedAt
		snap.FinishedAt = &at
	}
	for _, key := range s.order {
		if rec := s.items[key]; rec.item.Status == farm.ItemFailed {
			snap.Failed = append(snap.Failed, FailedItem{Key: key, Reason: rec.reason})
		}
	}
	for _, view := range s.sessions {
		switch view.State {
		case farm.SessionSuspended:
			snap.Suspended++
		case farm.SessionTerminated:
			snap.Terminated++
		}
	}
	return snap
}

// Conserved reports whether every loaded item is accounted for exactly once.
func (c Counters) Conserved() bool {
	return c.Total == c.Completed+c.Failed+c.Queued+c.InFlight
}
