// Package crawl drives the resumable, segment-by-segment crawl: it resolves
// each location, partitions it, runs every pending category on every
// segment through the extraction port, and persists progress after each
// completed search task.
package crawl

import (
	"context"
	"time"

	"github.com/JakeFAU/mapharvest/internal/geo"
	"github.com/JakeFAU/mapharvest/internal/record"
	"github.com/JakeFAU/mapharvest/internal/schedule"
	"github.com/JakeFAU/mapharvest/internal/state"
)

// ExtractionPort searches one category around one segment and returns the
// listings found. Implementations own their timeouts and internal retries.
// Returning an error wrapping ErrPortUnavailable aborts the run.
type ExtractionPort interface {
	Search(ctx context.Context, category string, segment geo.Segment) ([]record.Raw, error)
}

// Starter is implemented by ports that need initialization, such as
// launching a browser. A Start error is fatal for the run.
type Starter interface {
	Start(ctx context.Context) error
}

// StateStore persists the execution state.
type StateStore interface {
	Load() (*state.ExecutionState, error)
	Save(st *state.ExecutionState) error
}

// ResultSink holds the deduplicated result set.
type ResultSink interface {
	LoadExisting() (int, error)
	Seen(id string) bool
	AppendIfNew(recs ...record.Record) int
	Checkpoint() error
	Pending() int
	Len() int
	Paths() (csvPath, xlsxPath string)
}

// Delayer pauses between operations.
type Delayer interface {
	Delay(ctx context.Context, class schedule.Class) (time.Duration, error)
}

// Enricher fills contact details on freshly extracted records.
type Enricher interface {
	Enrich(ctx context.Context, recs []record.Record) []record.Record
}

// Archiver copies checkpoint files somewhere durable after a checkpoint.
type Archiver interface {
	Archive(ctx context.Context, runID string, seq int, paths ...string) error
}

// RecordMirror receives newly appended records, e.g. a database table.
type RecordMirror interface {
	InsertRecords(ctx context.Context, runID string, recs []record.Record) (int64, error)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// Outcome is the terminal status of a run.
type Outcome string

// Run outcomes. A pause is a clean exit, not an error.
const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomePaused    Outcome = "PAUSED"
	OutcomeFailed    Outcome = "FAILED"
)

// Report summarizes one run.
type Report struct {
	RunID      string    `json:"runId"`
	Outcome    Outcome   `json:"outcome"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	// TasksCompleted counts (location, category) search tasks marked done.
	TasksCompleted int `json:"tasksCompleted"`
	// Extractions counts (segment, category) port calls that succeeded.
	Extractions int `json:"extractions"`
	// ExtractionErrors counts failed port calls.
	ExtractionErrors   int      `json:"extractionErrors"`
	RecordsFound       int      `json:"recordsFound"`
	RecordsAppended    int      `json:"recordsAppended"`
	TotalRecords       int      `json:"totalRecords"`
	Checkpoints        int      `json:"checkpoints"`
	LocationsCompleted []string `json:"locationsCompleted"`
	LocationsSkipped   []string `json:"locationsSkipped"`
	Error              string   `json:"error,omitempty"`
}

// Config is the per-run crawl configuration.
type Config struct {
	Locations  []geo.Location
	Categories []string
	GridSize   int
	// CheckpointEveryRecords forces a checkpoint once this many records are
	// pending. Zero disables.
	CheckpointEveryRecords int
	// CheckpointEveryTasks forces a checkpoint after this many completed
	// search tasks. Zero disables.
	CheckpointEveryTasks int
	// CheckpointBeforeStateSave writes pending results before a search task
	// is marked complete, so the state never runs ahead of durable output.
	CheckpointBeforeStateSave bool
}
