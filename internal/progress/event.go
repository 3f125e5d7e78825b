// Package progress defines the event structures emitted by the crawl orchestrator.
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
	StageLocationSkip Stage = "LOCATION_SKIP"
	StageTaskDone     Stage = "TASK_DONE"
	StageTaskError    Stage = "TASK_ERROR"
	StageCategoryDone Stage = "CATEGORY_DONE"
	StageCheckpoint   Stage = "CHECKPOINT"
)

// Outcome values carried by RUN_DONE and CHECKPOINT events.
const (
	OutcomeCompleted = "COMPLETED"
	OutcomePaused    = "PAUSED"
	OutcomeFailed    = "FAILED"
	OutcomeOK        = "OK"
)

// Event captures a single step of crawl progress.
type Event struct {
	// RunID identifies one process run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Location is the location key the event belongs to, if any.
	Location string
	// Category is the searched category, if any.
	Category string
	// Segment is the segment id for task events.
	Segment int
	// Found is the number of listings the extractor returned.
	Found int64
	// Appended is the number of those that were new.
	Appended int64
	// Dur captures task or run latency.
	Dur time.Duration
	// Outcome is set on RUN_DONE and CHECKPOINT.
	Outcome string
	// Note lets emitters attach low-volume context (e.g. error text).
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
	case StageRunStart:
	case StageRunDone, StageCheckpoint:
		if e.Outcome == "" {
			return fmt.Errorf("%s requires outcome", e.Stage)
		}
	case StageLocationSkip:
		if e.Location == "" {
			return errors.New("location skip requires location")
		}
	case StageTaskDone, StageTaskError, StageCategoryDone:
		if e.Location == "" || e.Category == "" {
			return fmt.Errorf("%s requires location and category", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Found < 0 || e.Appended < 0 {
		return errors.New("counts must be >= 0")
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
