package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/dedupe"
	"github.com/JakeFAU/mapharvest/internal/geo"
	"github.com/JakeFAU/mapharvest/internal/progress"
	"github.com/JakeFAU/mapharvest/internal/record"
	"github.com/JakeFAU/mapharvest/internal/schedule"
	"github.com/JakeFAU/mapharvest/internal/state"
)

const tracerName = "github.com/JakeFAU/mapharvest/internal/crawl"

// errPaused unwinds the loop when cancellation is observed.
var errPaused = errors.New("paused")

// Deps are the collaborators of an Orchestrator. Resolver, Port, State,
// Results and Scheduler are required.
type Deps struct {
	Resolver  geo.Resolver
	Port      ExtractionPort
	State     StateStore
	Results   ResultSink
	Scheduler Delayer
	Clock     Clock
	Progress  progress.Emitter
	Enricher  Enricher
	Archiver  Archiver
	Mirror    RecordMirror
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// Orchestrator runs crawls. A single Orchestrator must not run concurrently
// with itself; the durable files have exactly one writer.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New validates cfg and deps and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.New("crawl: resolver is required")
	case deps.Port == nil:
		return nil, errors.New("crawl: extraction port is required")
	case deps.State == nil:
		return nil, errors.New("crawl: state store is required")
	case deps.Results == nil:
		return nil, errors.New("crawl: result sink is required")
	case deps.Scheduler == nil:
		return nil, errors.New("crawl: scheduler is required")
	}
	if cfg.GridSize < 1 {
		return nil, fmt.Errorf("crawl: %w (got %d)", geo.ErrInvalidGrid, cfg.GridSize)
	}
	if len(cfg.Categories) == 0 {
		return nil, errors.New("crawl: at least one category is required")
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("orchestrator"),
		tracer: deps.Tracer,
	}, nil
}

// run carries the mutable state of one Run call.
type run struct {
	o       *Orchestrator
	id      string
	idBytes [16]byte
	started time.Time
	st      *state.ExecutionState
	report  Report
	loaded  bool

	tasksSinceCheckpoint int
	checkpointSeq        int
}

// Run executes one crawl pass. Cancelling ctx requests a pause: the current
// extraction finishes, results are checkpointed, state is saved and the
// report carries OutcomePaused with a nil error. Errors are returned only
// for FAILED runs.
func (o *Orchestrator) Run(ctx context.Context, runID uuid.UUID) (Report, error) {
	r := &run{
		o:       o,
		id:      runID.String(),
		idBytes: progress.UUIDToBytes(runID),
		started: o.deps.Clock.Now(),
	}
	r.report = Report{RunID: r.id, StartedAt: r.started}
	r.emit(progress.Event{Stage: progress.StageRunStart})
	o.logger.Info("run starting",
		zap.String("run_id", r.id),
		zap.Int("locations", len(o.cfg.Locations)),
		zap.Int("categories", len(o.cfg.Categories)),
		zap.Int("grid_size", o.cfg.GridSize),
	)

	st, err := o.deps.State.Load()
	if err != nil {
		return r.finish(OutcomeFailed, fmt.Errorf("%w: load state: %w", ErrPersistence, err))
	}
	r.st = st
	if _, err := o.deps.Results.LoadExisting(); err != nil {
		return r.finish(OutcomeFailed, fmt.Errorf("%w: load results: %w", ErrPersistence, err))
	}
	r.loaded = true

	if starter, ok := o.deps.Port.(Starter); ok {
		if err := starter.Start(ctx); err != nil {
			return r.finish(OutcomeFailed, fmt.Errorf("%w: %w", ErrPortUnavailable, err))
		}
	}

	err = r.loop(ctx)
	switch {
	case errors.Is(err, errPaused):
		o.logger.Info("pause requested, stopping at task boundary", zap.String("run_id", r.id))
		return r.finish(OutcomePaused, nil)
	case err != nil:
		return r.finish(OutcomeFailed, err)
	default:
		return r.finish(OutcomeCompleted, nil)
	}
}

func (r *run) loop(ctx context.Context) error {
	o := r.o
	worked := false
	for _, loc := range o.cfg.Locations {
		if ctx.Err() != nil {
			return errPaused
		}
		if r.st.IsLocationComplete(loc.Key, o.cfg.Categories) {
			o.logger.Debug("location already complete", zap.String("location", loc.Name))
			continue
		}
		if err := r.checkGridSize(loc); err != nil {
			r.skip(loc, err)
			continue
		}
		if worked {
			if _, err := o.deps.Scheduler.Delay(ctx, schedule.BetweenLocations); err != nil {
				return errPaused
			}
		}
		worked = true

		err := r.location(ctx, loc)
		switch {
		case err == nil:
		case errors.Is(err, errPaused), errors.Is(err, ErrPortUnavailable):
			return err
		default:
			r.skip(loc, err)
		}
	}
	return nil
}

// checkGridSize refuses to continue a partially complete location with a
// different grid, since segment ids are positional.
func (r *run) checkGridSize(loc geo.Location) error {
	recorded := r.st.GridSize(loc.Key)
	if recorded == 0 || recorded == r.o.cfg.GridSize {
		return nil
	}
	if len(r.st.PendingCategories(loc.Key, r.o.cfg.Categories)) == len(r.o.cfg.Categories) {
		return nil
	}
	return fmt.Errorf("%w: recorded %d, configured %d", ErrGridSizeChanged, recorded, r.o.cfg.GridSize)
}

func (r *run) skip(loc geo.Location, err error) {
	r.report.LocationsSkipped = append(r.report.LocationsSkipped, loc.Name)
	r.o.logger.Warn("skipping location",
		zap.String("location", loc.Name),
		zap.String("location_key", loc.Key),
		zap.Error(err),
	)
	r.emit(progress.Event{Stage: progress.StageLocationSkip, Location: loc.Key, Note: err.Error()})
}

func (r *run) location(ctx context.Context, loc geo.Location) error {
	o := r.o
	pending := r.st.PendingCategories(loc.Key, o.cfg.Categories)

	area, err := o.deps.Resolver.Resolve(ctx, loc.Name)
	if err != nil {
		if ctx.Err() != nil {
			return errPaused
		}
		return fmt.Errorf("%w: %w", ErrResolution, err)
	}
	if !loc.HasCentroid() {
		loc.Centroid = area.Centroid()
	}
	segments, err := geo.Partition(area.Shape, o.cfg.GridSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResolution, err)
	}
	o.logger.Info("location resolved",
		zap.String("location", loc.Name),
		zap.String("display_name", area.DisplayName),
		zap.Bool("from_bounds", area.FromBounds),
		zap.Int("segments", len(segments)),
		zap.Int("pending_categories", len(pending)),
		zap.Float64("centroid_lat", loc.Centroid.Lat()),
		zap.Float64("centroid_lng", loc.Centroid.Lon()),
	)

	failed := make(map[string]bool, len(pending))
	for si, seg := range segments {
		lastSegment := si == len(segments)-1
		for ci, category := range pending {
			if ctx.Err() != nil {
				return errPaused
			}
			if err := r.task(ctx, loc, seg, category); err != nil {
				if errors.Is(err, ErrPortUnavailable) {
					return err
				}
				failed[category] = true
			}
			if lastSegment && !failed[category] {
				r.completeCategory(loc, category)
			}
			if ci < len(pending)-1 {
				if _, err := o.deps.Scheduler.Delay(ctx, schedule.BetweenCategories); err != nil {
					return errPaused
				}
			}
		}
		if !lastSegment {
			if _, err := o.deps.Scheduler.Delay(ctx, schedule.BetweenSegments); err != nil {
				return errPaused
			}
		}
	}

	r.st.RefreshComplete(loc.Key, o.cfg.Categories)
	_ = r.saveState()
	if r.st.IsLocationComplete(loc.Key, o.cfg.Categories) {
		r.report.LocationsCompleted = append(r.report.LocationsCompleted, loc.Name)
		o.logger.Info("location complete", zap.String("location", loc.Name))
	} else if len(failed) > 0 {
		o.logger.Warn("location left with pending categories",
			zap.String("location", loc.Name),
			zap.Int("failed_categories", len(failed)),
		)
	}
	return nil
}

// task runs one (segment, category) extraction. The port call is detached
// from cancellation so a pause never interrupts it mid-way.
func (r *run) task(ctx context.Context, loc geo.Location, seg geo.Segment, category string) error {
	o := r.o
	start := o.deps.Clock.Now()
	spanCtx, span := o.tracer.Start(ctx, "crawl.search", trace.WithAttributes(
		attribute.String("mapharvest.location", loc.Key),
		attribute.String("mapharvest.category", category),
		attribute.Int("mapharvest.segment", seg.ID),
	))
	defer span.End()

	raws, err := o.deps.Port.Search(context.WithoutCancel(spanCtx), category, seg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		r.report.ExtractionErrors++
		r.emit(progress.Event{
			Stage:    progress.StageTaskError,
			Location: loc.Key,
			Category: category,
			Segment:  seg.ID,
			Dur:      nonNegative(o.deps.Clock.Now().Sub(start)),
			Note:     err.Error(),
		})
		if errors.Is(err, ErrPortUnavailable) {
			o.logger.Error("extraction port unavailable", zap.Error(err))
			return err
		}
		o.logger.Warn("extraction failed, task stays pending",
			zap.String("location", loc.Name),
			zap.String("category", category),
			zap.Int("segment", seg.ID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	fresh := r.fresh(tag(raws, loc, seg, category, o.deps.Clock.Now()))
	if o.deps.Enricher != nil && len(fresh) > 0 {
		fresh = o.deps.Enricher.Enrich(context.WithoutCancel(spanCtx), fresh)
	}
	appended := o.deps.Results.AppendIfNew(fresh...)
	if o.deps.Mirror != nil && len(fresh) > 0 {
		if _, err := o.deps.Mirror.InsertRecords(context.WithoutCancel(spanCtx), r.id, fresh); err != nil {
			o.logger.Warn("record mirror insert failed", zap.Int("records", len(fresh)), zap.Error(err))
		}
	}

	r.report.Extractions++
	r.report.RecordsFound += len(raws)
	r.report.RecordsAppended += appended
	span.SetAttributes(
		attribute.Int("mapharvest.found", len(raws)),
		attribute.Int("mapharvest.appended", appended),
	)
	r.emit(progress.Event{
		Stage:    progress.StageTaskDone,
		Location: loc.Key,
		Category: category,
		Segment:  seg.ID,
		Found:    int64(len(raws)),
		Appended: int64(appended),
		Dur:      nonNegative(o.deps.Clock.Now().Sub(start)),
	})
	o.logger.Info("search done",
		zap.String("location", loc.Name),
		zap.String("category", category),
		zap.Int("segment", seg.ID),
		zap.Int("found", len(raws)),
		zap.Int("appended", appended),
		zap.Int("total", o.deps.Results.Len()),
	)

	if every := o.cfg.CheckpointEveryRecords; every > 0 && o.deps.Results.Pending() >= every {
		_ = r.checkpoint(ctx)
	}
	return nil
}

// fresh drops records already held by the sink or repeated within recs.
func (r *run) fresh(recs []record.Record) []record.Record {
	batch := dedupe.NewSet()
	out := recs[:0]
	for _, rec := range recs {
		id := rec.Identity()
		if r.o.deps.Results.Seen(id) || batch.SeenOrAdd(id) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func tag(raws []record.Raw, loc geo.Location, seg geo.Segment, category string, now time.Time) []record.Record {
	out := make([]record.Record, 0, len(raws))
	for _, raw := range raws {
		out = append(out, record.Record{
			Raw:              raw,
			City:             loc.City(),
			CategorySearched: category,
			SegmentID:        seg.ID,
			SegmentCentroid:  seg.CentroidString(),
			ExtractedAt:      now,
		})
	}
	return out
}

func (r *run) completeCategory(loc geo.Location, category string) {
	o := r.o
	if o.cfg.CheckpointBeforeStateSave && o.deps.Results.Pending() > 0 {
		// A completed task whose records are not on disk could never be
		// recovered, so the category stays pending until a checkpoint lands.
		if err := r.checkpoint(context.Background()); err != nil && o.deps.Results.Pending() > 0 {
			o.logger.Warn("category left pending, records not persisted",
				zap.String("location", loc.Name),
				zap.String("category", category),
				zap.Error(err),
			)
			return
		}
	}
	now := o.deps.Clock.Now()
	if !r.st.MarkCategoryComplete(loc.Key, loc.Name, category, o.cfg.GridSize, now) {
		return
	}
	r.st.RecordsExtracted = o.deps.Results.Len()
	r.report.TasksCompleted++
	_ = r.saveState()
	r.emit(progress.Event{Stage: progress.StageCategoryDone, Location: loc.Key, Category: category})
	o.logger.Info("category complete",
		zap.String("location", loc.Name),
		zap.String("category", category),
		zap.Int("completed", len(r.st.Completed(loc.Key))),
		zap.Int("configured", len(o.cfg.Categories)),
	)

	r.tasksSinceCheckpoint++
	if every := o.cfg.CheckpointEveryTasks; every > 0 && r.tasksSinceCheckpoint >= every {
		_ = r.checkpoint(context.Background())
	}
}

// checkpoint flushes results, then stamps and saves state. Failures are
// logged and returned; the next checkpoint retries.
func (r *run) checkpoint(ctx context.Context) error {
	o := r.o
	hadPending := o.deps.Results.Pending() > 0
	if err := o.deps.Results.Checkpoint(); err != nil {
		err = fmt.Errorf("%w: %w", ErrPersistence, err)
		o.logger.Error("checkpoint failed, will retry at next checkpoint", zap.Error(err))
		r.emit(progress.Event{Stage: progress.StageCheckpoint, Outcome: progress.OutcomeFailed, Note: err.Error()})
		return err
	}
	r.tasksSinceCheckpoint = 0
	r.report.Checkpoints++
	now := o.deps.Clock.Now()
	r.st.LastCheckpoint = &now
	r.st.RecordsExtracted = o.deps.Results.Len()
	stateErr := r.saveState()
	r.emit(progress.Event{
		Stage:    progress.StageCheckpoint,
		Outcome:  progress.OutcomeOK,
		Appended: int64(o.deps.Results.Len()),
	})

	if hadPending && o.deps.Archiver != nil {
		r.checkpointSeq++
		csvPath, xlsxPath := o.deps.Results.Paths()
		if err := o.deps.Archiver.Archive(context.WithoutCancel(ctx), r.id, r.checkpointSeq, csvPath, xlsxPath); err != nil {
			o.logger.Warn("checkpoint archive failed", zap.Int("seq", r.checkpointSeq), zap.Error(err))
		}
	}
	return stateErr
}

func (r *run) saveState() error {
	if err := r.o.deps.State.Save(r.st); err != nil {
		err = fmt.Errorf("%w: save state: %w", ErrPersistence, err)
		r.o.logger.Error("state save failed", zap.Error(err))
		return err
	}
	return nil
}

func (r *run) finish(outcome Outcome, cause error) (Report, error) {
	o := r.o
	if r.loaded {
		if err := r.checkpoint(context.Background()); err != nil && outcome != OutcomeFailed {
			outcome, cause = OutcomeFailed, err
		}
	}
	r.report.Outcome = outcome
	r.report.FinishedAt = o.deps.Clock.Now()
	r.report.TotalRecords = o.deps.Results.Len()
	if cause != nil {
		r.report.Error = cause.Error()
	}

	evt := progress.Event{
		Stage:    progress.StageRunDone,
		Outcome:  string(outcome),
		Found:    int64(r.report.RecordsFound),
		Appended: int64(r.report.RecordsAppended),
		Dur:      nonNegative(r.report.FinishedAt.Sub(r.started)),
	}
	if cause != nil {
		evt.Note = cause.Error()
	}
	r.emit(evt)

	fields := []zap.Field{
		zap.String("run_id", r.id),
		zap.String("outcome", string(outcome)),
		zap.Int("tasks_completed", r.report.TasksCompleted),
		zap.Int("extraction_errors", r.report.ExtractionErrors),
		zap.Int("records_appended", r.report.RecordsAppended),
		zap.Int("total_records", r.report.TotalRecords),
		zap.Duration("elapsed", evt.Dur),
	}
	if cause != nil {
		o.logger.Error("run failed", append(fields, zap.Error(cause))...)
	} else {
		o.logger.Info("run finished", fields...)
	}
	return r.report, cause
}

func (r *run) emit(evt progress.Event) {
	if r.o.deps.Progress == nil {
		return
	}
	evt.RunID = r.idBytes
	if evt.TS.IsZero() {
		evt.TS = r.o.deps.Clock.Now()
	}
	r.o.deps.Progress.Emit(evt)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
