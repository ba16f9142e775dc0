// Package progress defines the events emitted while a run executes.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageItemAssigned Stage = "ITEM_ASSIGNED"
	StageItemDone     Stage = "ITEM_DONE"
	StageItemFailed   Stage = "ITEM_FAILED"
	StageItemRequeued Stage = "ITEM_REQUEUED"
	StageSessionState Stage = "SESSION_STATE"
	StageQuotaSample  Stage = "QUOTA_SAMPLE"
)

// Event captures a single milestone of a run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Session is the label of the session involved, if any.
	Session string
	// Source and Row identify the work item for item stages.
	Source string
	Row    int
	// SourceName is the human name of the item's source.
	SourceName string
	// Prompt is set on ITEM_DONE so downstream consumers can index results.
	Prompt string
	// State carries the session state for SESSION_STATE and QUOTA_SAMPLE.
	State string
	// Points is the sampled remaining quota; PointsKnown guards it.
	Points      int
	PointsKnown bool
	// Attempt is how many times the item has been assigned.
	Attempt int
	// Artifacts lists saved artifact locations for ITEM_DONE.
	Artifacts []string
	// Dur captures task latency or total run time for RUN_DONE.
	Dur time.Duration
	// Completed, Failed, Pending and Terminated are the final counters on RUN_DONE.
	Completed  int
	Failed     int
	Pending    int
	Terminated int
	// Note carries low-volume context such as a failure reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageItemAssigned, StageItemDone, StageItemFailed, StageItemRequeued:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	case StageSessionState, StageQuotaSample:
		if e.Session == "" {
			return fmt.Errorf("%s requires session", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
