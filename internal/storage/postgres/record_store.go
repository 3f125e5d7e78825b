package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/mapharvest/internal/record"
)

// RecordStore mirrors appended records into a Postgres table keyed by the
// deduplication identity.
type RecordStore struct {
	db    DB
	table string
}

// NewRecordStore wraps an existing pool. An empty table defaults to
// business_records.
func NewRecordStore(db DB, table string) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "business_records")
	if err != nil {
		return nil, err
	}
	return &RecordStore{db: db, table: table}, nil
}

// InsertRecords writes recs in one transaction, ignoring identities that are
// already present. It returns the number of rows inserted.
func (s *RecordStore) InsertRecords(ctx context.Context, runID string, recs []record.Record) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("record store is not configured")
	}
	if len(recs) == 0 {
		return 0, nil
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		return 0, fmt.Errorf("parse run id: %w", err)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin record insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`
INSERT INTO %s (
	identity,
	run_id,
	name,
	address,
	city,
	category,
	rating,
	review_count,
	phone,
	website,
	email,
	source_url,
	latitude,
	longitude,
	category_searched,
	segment_id,
	segment_centroid,
	extracted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
) ON CONFLICT (identity) DO NOTHING`, s.table)

	var inserted int64
	for _, rec := range recs {
		tag, err := tx.Exec(ctx, query, recordArgs(id, rec)...)
		if err != nil {
			return 0, fmt.Errorf("insert record: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit record insert: %w", err)
	}
	return inserted, nil
}

func recordArgs(runID uuid.UUID, rec record.Record) []any {
	var lat, lng *float64
	if rec.HasCoordinates() {
		lat, lng = &rec.Latitude, &rec.Longitude
	}
	return []any{
		rec.Identity(),
		runID,
		rec.Name,
		optional(rec.Address),
		rec.City,
		optional(rec.Category),
		positive(rec.Rating),
		positive(rec.ReviewCount),
		optional(rec.Phone),
		optional(rec.Website),
		optional(rec.Email),
		optional(rec.SourceURL),
		lat,
		lng,
		rec.CategorySearched,
		rec.SegmentID,
		rec.SegmentCentroid,
		rec.ExtractedAt,
	}
}

func optional(s string) *string {
	if s == "" || s == record.NotAvailable {
		return nil
	}
	return &s
}

func positive[T int | float64](v T) *T {
	if v <= 0 {
		return nil
	}
	return &v
}
