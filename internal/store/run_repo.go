// Package store declares interfaces for persisting crawl run history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPaused    RunStatus = "paused"
	RunFailed    RunStatus = "failed"
)

// ParseRunStatus maps a run outcome (COMPLETED, PAUSED, FAILED) or a stored
// status onto a RunStatus.
func ParseRunStatus(s string) (RunStatus, bool) {
	switch s {
	case "running", "RUNNING":
		return RunRunning, true
	case "completed", "COMPLETED":
		return RunCompleted, true
	case "paused", "PAUSED":
		return RunPaused, true
	case "failed", "FAILED":
		return RunFailed, true
	default:
		return "", false
	}
}

// Run models the crawl_runs table for API responses.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	// Note optionally stores the final failure reason.
	Note *string `json:"note,omitempty"`
}

// TaskStats aggregates work for one (run, location, category) pair.
type TaskStats struct {
	RunID      uuid.UUID `json:"run_id"`
	Location   string    `json:"location"`
	Category   string    `json:"category"`
	LastUpdate time.Time `json:"last_update"`
	// Searches counts successful segment extractions.
	Searches int64 `json:"searches"`
	// Errors counts failed segment extractions.
	Errors   int64 `json:"errors"`
	Found    int64 `json:"found"`
	Appended int64 `json:"appended"`
	// Completed is set once the category is fully covered for the location.
	Completed bool `json:"completed"`
}

// TaskDelta is the increment applied to a TaskStats row.
type TaskDelta struct {
	Searches  int64
	Errors    int64
	Found     int64
	Appended  int64
	Completed bool
}

// RunRepository persists run history.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the started_at timestamp.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and note.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, note *string) error
	// UpsertTaskStats applies deltas per (run, location, category).
	UpsertTaskStats(
		ctx context.Context,
		runID uuid.UUID,
		location string,
		category string,
		delta TaskDelta,
		at time.Time,
	) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunTasks returns aggregated task stats for one run.
	ListRunTasks(ctx context.Context, runID uuid.UUID, limit, offset int) ([]TaskStats, error)
}
