package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/progress"
	"github.com/JakeFAU/mapharvest/internal/store"
)

// StoreSink persists run history via a store.RunRepository. It collapses
// task counters per (run, location, category) to reduce write amplification.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run lifecycle events and aggregated task deltas to the
// repository. Task deltas are flushed before any RUN_DONE in the same batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[taskKey]*store.TaskDelta)
	order := make([]taskKey, 0)
	at := make(map[taskKey]time.Time)

	var done []progress.Event
	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRunDone:
			done = append(done, evt)
		case progress.StageTaskDone, progress.StageTaskError, progress.StageCategoryDone:
			key := taskKey{runID: runID, location: evt.Location, category: evt.Category}
			delta, ok := stats[key]
			if !ok {
				delta = &store.TaskDelta{}
				stats[key] = delta
				order = append(order, key)
			}
			applyTaskEvent(delta, evt)
			if evt.TS.After(at[key]) {
				at[key] = evt.TS
			}
		}
	}

	for _, key := range order {
		if err := s.repo.UpsertTaskStats(ctx, key.runID, key.location, key.category, *stats[key], at[key]); err != nil {
			return fmt.Errorf("upsert task stats: %w", err)
		}
	}
	for _, evt := range done {
		if err := s.completeRun(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func applyTaskEvent(delta *store.TaskDelta, evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskDone:
		delta.Searches++
		delta.Found += evt.Found
		delta.Appended += evt.Appended
	case progress.StageTaskError:
		delta.Errors++
	case progress.StageCategoryDone:
		delta.Completed = true
	}
}

func (s *StoreSink) completeRun(ctx context.Context, evt progress.Event) error {
	status, ok := store.ParseRunStatus(evt.Outcome)
	if !ok {
		s.logger.Warn("unknown run outcome", zap.String("outcome", evt.Outcome))
		status = store.RunFailed
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type taskKey struct {
	runID    uuid.UUID
	location string
	category string
}
