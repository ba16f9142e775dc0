package farm

import (
	"fmt"
	"time"
)

// ItemStatus represents the lifecycle state of a work item within a run.
type ItemStatus string

// Item status values tracked by the run state.
const (
	ItemPending ItemStatus = "pending"
	ItemDone    ItemStatus = "done"
	ItemFailed  ItemStatus = "failed"
)

// ItemKey identifies a work item by its source and row.
type ItemKey struct {
	Source string `json:"source"`
	Row    int    `json:"row"`
}

// String renders the key as source#row.
func (k ItemKey) String() string {
	return fmt.Sprintf("%s#%d", k.Source, k.Row)
}

// WorkItem is one unit of work loaded from a work source.
type WorkItem struct {
	Key ItemKey `json:"key"`
	// SourceName is the human name of the source, used as the output directory.
	SourceName string `json:"source_name"`
	// DataRow is the 1-based index of the item among the data rows of its source.
	DataRow     int        `json:"data_row"`
	Prompt      string     `json:"prompt"`
	AspectRatio string     `json:"aspect_ratio"`
	Status      ItemStatus `json:"status"`
}

// SessionState is the lifecycle state of a session.
type SessionState string

// Session states.
const (
	SessionStarting   SessionState = "starting"
	SessionIdle       SessionState = "idle"
	SessionBusy       SessionState = "busy"
	SessionSuspended  SessionState = "suspended"
	SessionError      SessionState = "error"
	SessionTerminated SessionState = "terminated"
)

// Live reports whether the session can still take work now or after recovering.
func (s SessionState) Live() bool {
	return s != SessionTerminated
}

// Endpoint is the remote automation handle returned by a session provider.
type Endpoint struct {
	// WSURL is the DevTools websocket URL of the browser.
	WSURL string
	// HTTPAddr is the host:port of the DevTools HTTP interface.
	HTTPAddr string
}

// Artifact is a generated result found on the page.
type Artifact struct {
	// Source is the image URL or an inline data: URI.
	Source string
}

// OutcomeKind classifies the result of executing one item.
type OutcomeKind string

// Outcome kinds reported by sessions.
const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeTransient   OutcomeKind = "transient"
	OutcomeRejected    OutcomeKind = "rejected"
	OutcomeQuota       OutcomeKind = "quota"
	OutcomeSessionLost OutcomeKind = "session_lost"
	// OutcomeBounced means the session refused the assignment without running it.
	OutcomeBounced OutcomeKind = "bounced"
	// OutcomeAborted means the task was interrupted by shutdown.
	OutcomeAborted OutcomeKind = "aborted"
)

// Outcome is the result of one Execute call.
type Outcome struct {
	Kind  OutcomeKind
	Err   error
	Saved []string
	Dur   time.Duration
}

// CountsAgainstItem reports whether the outcome consumes one of the item's attempts.
func (o Outcome) CountsAgainstItem() bool {
	return o.Kind == OutcomeTransient
}
