package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/mapharvest/internal/store"
)

// RunStore implements store.RunRepository using the crawl_runs and
// crawl_tasks tables.
type RunStore struct {
	db DB
}

// NewRunStore wraps an existing pool.
func NewRunStore(db DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{db: db}, nil
}

// UpsertRunStart inserts a run row in the running state.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE crawl_runs.status <> EXCLUDED.status;
	`
	if _, err := s.db.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional note.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	note *string,
) error {
	query := `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, note = $3
		WHERE id = $4;
	`
	if _, err := s.db.Exec(ctx, query, finishedAt, status, note, runID); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// UpsertTaskStats adds delta to the (run, location, category) row.
func (s *RunStore) UpsertTaskStats(
	ctx context.Context,
	runID uuid.UUID,
	location string,
	category string,
	delta store.TaskDelta,
	at time.Time,
) error {
	query := `
		INSERT INTO crawl_tasks (run_id, location, category, last_update, searches, errors, found, appended, completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, location, category) DO UPDATE
		SET last_update = GREATEST(crawl_tasks.last_update, EXCLUDED.last_update),
			searches = crawl_tasks.searches + EXCLUDED.searches,
			errors = crawl_tasks.errors + EXCLUDED.errors,
			found = crawl_tasks.found + EXCLUDED.found,
			appended = crawl_tasks.appended + EXCLUDED.appended,
			completed = crawl_tasks.completed OR EXCLUDED.completed;
	`
	_, err := s.db.Exec(
		ctx,
		query,
		runID,
		location,
		category,
		at,
		delta.Searches,
		delta.Errors,
		delta.Found,
		delta.Appended,
		delta.Completed,
	)
	if err != nil {
		return fmt.Errorf("upsert task stats: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, note
		FROM crawl_runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Note,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, optionally filtered by status.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, note
		FROM crawl_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.Note); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunTasks retrieves aggregated task statistics for a run.
func (s *RunStore) ListRunTasks(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.TaskStats, error) {
	query := `
		SELECT run_id, location, category, last_update, searches, errors, found, appended, completed
		FROM crawl_tasks
		WHERE run_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list run tasks: %w", err)
	}
	defer rows.Close()

	var stats []store.TaskStats
	for rows.Next() {
		var stat store.TaskStats
		err := rows.Scan(
			&stat.RunID,
			&stat.Location,
			&stat.Category,
			&stat.LastUpdate,
			&stat.Searches,
			&stat.Errors,
			&stat.Found,
			&stat.Appended,
			&stat.Completed,
		)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return stats, nil
}
