package crawl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mapharvest/internal/fileutil"
	"github.com/JakeFAU/mapharvest/internal/geo"
	"github.com/JakeFAU/mapharvest/internal/progress"
	"github.com/JakeFAU/mapharvest/internal/record"
	"github.com/JakeFAU/mapharvest/internal/results"
	"github.com/JakeFAU/mapharvest/internal/schedule"
	"github.com/JakeFAU/mapharvest/internal/state"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

// Each location gets a distinct 1x1 degree square so segment centroids tell
// locations apart inside the fake port.
var areas = map[string]geo.Area{
	"A": {Name: "A", Shape: geo.BoundsFromBox(0, 1, 0, 1)},
	"B": {Name: "B", Shape: geo.BoundsFromBox(10, 11, 10, 11)},
	"C": {Name: "C", Shape: geo.BoundsFromBox(20, 21, 20, 21)},
}

type fakeResolver struct {
	fail map[string]error
}

func (f fakeResolver) Resolve(_ context.Context, name string) (geo.Area, error) {
	if err := f.fail[name]; err != nil {
		return geo.Area{}, err
	}
	a, ok := areas[name]
	if !ok {
		return geo.Area{}, geo.ErrNotFound
	}
	return a, nil
}

type call struct {
	location string
	category string
	segment  int
}

type fakePort struct {
	mu    sync.Mutex
	calls []call
	// hook runs before results are returned; it may cancel the run or fail.
	hook func(c call) error
	// shared makes every location return the same listing per category.
	shared bool
}

func locationOf(seg geo.Segment) string {
	for name, a := range areas {
		if a.Bound().Contains(seg.Centroid) {
			return name
		}
	}
	return "?"
}

func (f *fakePort) Search(ctx context.Context, category string, seg geo.Segment) ([]record.Raw, error) {
	if ctx.Err() != nil {
		return nil, errors.New("extraction context must not be cancelled")
	}
	c := call{location: locationOf(seg), category: category, segment: seg.ID}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.hook != nil {
		if err := f.hook(c); err != nil {
			return nil, err
		}
	}
	key := c.location
	if f.shared {
		key = "shared"
	}
	return []record.Raw{
		{Name: fmt.Sprintf("%s %s one", key, category), SourceURL: fmt.Sprintf("https://maps/place/x/data=!1s0x%x:0x1", key+category)},
		{Name: fmt.Sprintf("%s %s two", key, category), Address: "Main 1"},
		{Name: fmt.Sprintf("%s %s two", key, category), Address: "main  1"},
	}, nil
}

func (f *fakePort) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeScheduler struct {
	mu      sync.Mutex
	classes []schedule.Class
}

func (f *fakeScheduler) Delay(ctx context.Context, class schedule.Class) (time.Duration, error) {
	f.mu.Lock()
	f.classes = append(f.classes, class)
	f.mu.Unlock()
	return 0, ctx.Err()
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type harness struct {
	dir       string
	port      *fakePort
	scheduler *fakeScheduler
	emitter   *recordingEmitter
	resolver  fakeResolver
	cfg       Config
}

func newHarness(t *testing.T, locations ...string) *harness {
	t.Helper()
	locs := make([]geo.Location, 0, len(locations))
	for _, l := range locations {
		locs = append(locs, geo.NewLocation(l, ""))
	}
	return &harness{
		dir:       t.TempDir(),
		port:      &fakePort{},
		scheduler: &fakeScheduler{},
		emitter:   &recordingEmitter{},
		cfg: Config{
			Locations:  locs,
			Categories: []string{"X", "Y"},
			GridSize:   1,
		},
	}
}

func (h *harness) statePath() string { return filepath.Join(h.dir, "state.json") }

func (h *harness) orchestrator(t *testing.T) (*Orchestrator, *results.Sink) {
	t.Helper()
	sink := results.NewSink(results.Config{Dir: h.dir, BaseName: "results"}, nil)
	o, err := New(h.cfg, Deps{
		Resolver:  h.resolver,
		Port:      h.port,
		State:     state.NewStore(h.statePath(), fixedClock{}, nil),
		Results:   sink,
		Scheduler: h.scheduler,
		Clock:     fixedClock{},
		Progress:  h.emitter,
	})
	require.NoError(t, err)
	return o, sink
}

func (h *harness) loadState(t *testing.T) *state.ExecutionState {
	t.Helper()
	st, err := state.NewStore(h.statePath(), fixedClock{}, nil).Load()
	require.NoError(t, err)
	return st
}

func (h *harness) loadResults(t *testing.T) []record.Record {
	t.Helper()
	sink := results.NewSink(results.Config{Dir: h.dir, BaseName: "results"}, nil)
	_, err := sink.LoadExisting()
	require.NoError(t, err)
	return sink.Records()
}

func TestRunCompletesAllTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A", "B")
	o, _ := h.orchestrator(t)

	rep, err := o.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, 4, rep.TasksCompleted)
	assert.Equal(t, 4, rep.Extractions)
	assert.Equal(t, 12, rep.RecordsFound)
	assert.Equal(t, 8, rep.RecordsAppended)
	assert.Equal(t, []string{"A", "B"}, rep.LocationsCompleted)

	st := h.loadState(t)
	assert.True(t, st.IsLocationComplete("a", h.cfg.Categories))
	assert.True(t, st.IsLocationComplete("b", h.cfg.Categories))
	assert.Equal(t, 8, st.RecordsExtracted)
	assert.NotNil(t, st.LastCheckpoint)
	assert.Len(t, h.loadResults(t), 8)

	// One category delay per location, one location delay between them.
	assert.Equal(t, []schedule.Class{
		schedule.BetweenCategories,
		schedule.BetweenLocations,
		schedule.BetweenCategories,
	}, h.scheduler.classes)

	stages := h.emitter.Stages()
	assert.Equal(t, progress.StageRunStart, stages[0])
	assert.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	for _, e := range h.emitter.events {
		require.NoError(t, e.Validate(), "emitted %s", e.Stage)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A", "B")
	o, _ := h.orchestrator(t)
	_, err := o.Run(context.Background(), uuid.New())
	require.NoError(t, err)

	before := h.loadState(t)
	csvPath := filepath.Join(h.dir, "results.csv")
	csvBefore, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	callsBefore := len(h.port.Calls())

	o2, _ := h.orchestrator(t)
	rep, err := o2.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Zero(t, rep.RecordsAppended)
	assert.Equal(t, callsBefore, len(h.port.Calls()), "no task re-run")

	after := h.loadState(t)
	for key, loc := range before.Locations {
		assert.Equal(t, loc.CompletedCategories, after.Locations[key].CompletedCategories)
	}
	csvAfter, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, csvBefore, csvAfter)
}

func TestRunDeduplicatesAcrossCategoriesAndLocations(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A", "B")
	h.port.shared = true
	h.cfg.Categories = []string{"X"}
	o, _ := h.orchestrator(t)

	rep, err := o.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 6, rep.RecordsFound)
	assert.Equal(t, 2, rep.RecordsAppended)
	assert.Len(t, h.loadResults(t), 2)
}

func TestPauseAndResumeTwoLocations(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.port.hook = func(c call) error {
		if c.location == "A" && c.category == "Y" {
			cancel()
		}
		return nil
	}
	o, _ := h.orchestrator(t)

	rep, err := o.Run(ctx, uuid.New())
	require.NoError(t, err, "pause is not an error")
	assert.Equal(t, OutcomePaused, rep.Outcome)

	st := h.loadState(t)
	assert.Equal(t, []string{"X", "Y"}, st.Completed("a"))
	assert.Nil(t, st.Location("b"))
	firstRun := h.loadResults(t)
	assert.Len(t, firstRun, 4)

	h.port.hook = nil
	o2, _ := h.orchestrator(t)
	rep, err = o2.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)

	second := h.port.Calls()[2:]
	assert.Equal(t, []call{{"B", "X", 0}, {"B", "Y", 0}}, second)

	st = h.loadState(t)
	assert.True(t, st.IsLocationComplete("a", h.cfg.Categories))
	assert.True(t, st.IsLocationComplete("b", h.cfg.Categories))

	all := h.loadResults(t)
	assert.Len(t, all, 8)
	seen := map[string]bool{}
	for _, r := range all {
		require.False(t, seen[r.Identity()], "duplicate %s", r.Name)
		seen[r.Identity()] = true
	}
}

func TestCancellationBoundaryMarksOnlyFinishedTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	h.cfg.Categories = []string{"X", "Y", "Z"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.port.hook = func(c call) error {
		if c.category == "X" {
			cancel()
		}
		return nil
	}
	o, _ := h.orchestrator(t)

	rep, err := o.Run(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, rep.Outcome)
	assert.Len(t, h.port.Calls(), 1)

	st := h.loadState(t)
	assert.Equal(t, []string{"X"}, st.Completed("a"))
	recs := h.loadResults(t)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, "X", r.CategorySearched)
	}
}

func TestPauseBeforeAnyWork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o, _ := h.orchestrator(t)

	rep, err := o.Run(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, rep.Outcome)
	assert.Empty(t, h.port.Calls())
}

func TestExtractionErrorLeavesCategoryPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	h.cfg.GridSize = 2
	h.port.hook = func(c call) error {
		if c.category == "Y" && c.segment == 1 {
			return errors.New("feed never loaded")
		}
		return nil
	}
	o, _ := h.orchestrator(t)

	rep, err := o.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, 1, rep.ExtractionErrors)
	assert.Equal(t, 8, len(h.port.Calls()), "failure does not stop other segments")

	st := h.loadState(t)
	assert.Equal(t, []string{"X"}, st.Completed("a"))
	assert.Equal(t, 2, st.GridSize("a"))
	assert.False(t, st.Location("a").Complete)

	// The next run retries only Y.
	h.port.hook = nil
	o2, _ := h.orchestrator(t)
	_, err = o2.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	for _, c := range h.port.Calls()[8:] {
		assert.Equal(t, "Y", c.category)
	}
	assert.True(t, h.loadState(t).IsLocationComplete("a", h.cfg.Categories))
}

func TestResolutionFailureSkipsLocation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A", "Nowhere", "B")
	h.resolver = fakeResolver{fail: map[string]error{"A": errors.New("connection reset")}}
	o, _ := h.orchestrator(t)

	rep, err := o.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, []string{"A", "Nowhere"}, rep.LocationsSkipped)
	assert.Equal(t, []string{"B"}, rep.LocationsCompleted)
	assert.Contains(t, h.emitter.Stages(), progress.StageLocationSkip)
}

func TestGridSizeChangeSkipsPartialLocation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A", "B")
	st := state.New(fixedClock{}.Now())
	st.MarkCategoryComplete("a", "A", "X", 3, fixedClock{}.Now())
	require.NoError(t, state.NewStore(h.statePath(), fixedClock{}, nil).Save(st))

	o, _ := h.orchestrator(t)
	rep, err := o.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, rep.LocationsSkipped)
	for _, c := range h.port.Calls() {
		assert.Equal(t, "B", c.location)
	}
	assert.Equal(t, []string{"X"}, h.loadState(t).Completed("a"))
}

type failingStarter struct{ fakePort }

func (f *failingStarter) Start(context.Context) error { return errors.New("chrome not found") }

func TestPortStartFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	sink := results.NewSink(results.Config{Dir: h.dir, BaseName: "results"}, nil)
	o, err := New(h.cfg, Deps{
		Resolver:  h.resolver,
		Port:      &failingStarter{},
		State:     state.NewStore(h.statePath(), fixedClock{}, nil),
		Results:   sink,
		Scheduler: h.scheduler,
	})
	require.NoError(t, err)

	rep, err := o.Run(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrPortUnavailable)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.NotEmpty(t, rep.Error)
}

func TestPortUnavailableMidRunAbortsAfterCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A", "B")
	h.port.hook = func(c call) error {
		if c.location == "B" {
			return fmt.Errorf("browser crashed: %w", ErrPortUnavailable)
		}
		return nil
	}
	o, _ := h.orchestrator(t)

	rep, err := o.Run(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrPortUnavailable)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Len(t, h.port.Calls(), 3)
	assert.Len(t, h.loadResults(t), 4, "work done before the failure is checkpointed")
	assert.True(t, h.loadState(t).IsLocationComplete("a", h.cfg.Categories))
}

func TestCheckpointFailureFailsRunButKeepsFiles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	o, _ := h.orchestrator(t)
	_, err := o.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	csvPath := filepath.Join(h.dir, "results.csv")
	before, err := os.ReadFile(csvPath)
	require.NoError(t, err)

	h2 := newHarness(t, "B")
	h2.dir = h.dir
	sink := results.NewSink(results.Config{
		Dir:      h.dir,
		BaseName: "results",
		Writer: func(string, fileutil.WriteFunc) error {
			return errors.New("read-only file system")
		},
	}, nil)
	o2, err := New(h2.cfg, Deps{
		Resolver:  h2.resolver,
		Port:      h2.port,
		State:     state.NewStore(h2.statePath(), fixedClock{}, nil),
		Results:   sink,
		Scheduler: h2.scheduler,
	})
	require.NoError(t, err)

	rep, err := o2.Run(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, results.ErrCheckpoint)
	assert.Equal(t, OutcomeFailed, rep.Outcome)

	after, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCheckpointEveryRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	h.cfg.GridSize = 2
	h.cfg.Categories = []string{"X"}
	h.cfg.CheckpointEveryRecords = 2
	o, _ := h.orchestrator(t)

	rep, err := o.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	// First segment appends 2 and triggers; later segments only repeat
	// the same listings, so only the final checkpoint follows.
	assert.Equal(t, 2, rep.Checkpoints)
}

func TestCheckpointBeforeStateSave(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	h.cfg.CheckpointBeforeStateSave = true
	var sawResults []int
	h.port.hook = func(c call) error {
		if c.category == "Y" {
			sawResults = append(sawResults, len(h.loadResults(t)))
		}
		return nil
	}
	o, _ := h.orchestrator(t)

	_, err := o.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, sawResults, "X results were durable before Y started")
}

func TestFailedCheckpointLeavesCategoryPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	h.cfg.CheckpointBeforeStateSave = true
	failing := results.NewSink(results.Config{
		Dir:      h.dir,
		BaseName: "results",
		Writer: func(string, fileutil.WriteFunc) error {
			return errors.New("disk full")
		},
	}, nil)
	o, err := New(h.cfg, Deps{
		Resolver:  h.resolver,
		Port:      h.port,
		State:     state.NewStore(h.statePath(), fixedClock{}, nil),
		Results:   failing,
		Scheduler: h.scheduler,
		Clock:     fixedClock{},
	})
	require.NoError(t, err)

	rep, err := o.Run(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Zero(t, rep.TasksCompleted)
	assert.Empty(t, h.loadState(t).Completed("a"), "no task is complete without durable records")

	o2, _ := h.orchestrator(t)
	rep, err = o2.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, 2, rep.Extractions, "both categories are searched again")
	assert.Len(t, h.loadResults(t), 4)
	assert.True(t, h.loadState(t).IsLocationComplete("a", h.cfg.Categories))
}

type archiveCall struct {
	seq   int
	paths []string
}

type fakeArchiver struct{ calls []archiveCall }

func (f *fakeArchiver) Archive(_ context.Context, _ string, seq int, paths ...string) error {
	f.calls = append(f.calls, archiveCall{seq: seq, paths: paths})
	return nil
}

type fakeMirror struct{ inserted int }

func (f *fakeMirror) InsertRecords(_ context.Context, _ string, recs []record.Record) (int64, error) {
	f.inserted += len(recs)
	return int64(len(recs)), nil
}

type markingEnricher struct{ seen int }

func (m *markingEnricher) Enrich(_ context.Context, recs []record.Record) []record.Record {
	for i := range recs {
		m.seen++
		recs[i].Email = "info@example.com"
	}
	return recs
}

func TestOptionalCollaborators(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	archiver := &fakeArchiver{}
	mirror := &fakeMirror{}
	enricher := &markingEnricher{}
	sink := results.NewSink(results.Config{Dir: h.dir, BaseName: "results"}, nil)
	o, err := New(h.cfg, Deps{
		Resolver:  h.resolver,
		Port:      h.port,
		State:     state.NewStore(h.statePath(), fixedClock{}, nil),
		Results:   sink,
		Scheduler: h.scheduler,
		Archiver:  archiver,
		Mirror:    mirror,
		Enricher:  enricher,
	})
	require.NoError(t, err)

	_, err = o.Run(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 4, mirror.inserted)
	assert.Equal(t, 4, enricher.seen, "only new records are enriched")
	require.Len(t, archiver.calls, 1)
	assert.Equal(t, 1, archiver.calls[0].seq)
	assert.Len(t, archiver.calls[0].paths, 2)
	for _, r := range h.loadResults(t) {
		assert.Equal(t, "info@example.com", r.Email)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	_, err := New(h.cfg, Deps{})
	require.Error(t, err)

	sink := results.NewSink(results.Config{Dir: h.dir}, nil)
	deps := Deps{
		Resolver:  h.resolver,
		Port:      h.port,
		State:     state.NewStore(h.statePath(), fixedClock{}, nil),
		Results:   sink,
		Scheduler: h.scheduler,
	}
	bad := h.cfg
	bad.GridSize = 0
	_, err = New(bad, deps)
	require.ErrorIs(t, err, geo.ErrInvalidGrid)

	bad = h.cfg
	bad.Categories = nil
	_, err = New(bad, deps)
	require.Error(t, err)
}
