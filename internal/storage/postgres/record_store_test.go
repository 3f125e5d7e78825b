package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mapharvest/internal/record"
)

func TestRecordStoreInsertsInTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	recs, err := NewRecordStore(mock, "")
	require.NoError(t, err)

	runID := uuid.New()
	at := time.Unix(1700000000, 0).UTC()
	first := record.Record{
		Raw: record.Raw{
			Name:        "Panaderia Sol",
			Address:     "Cordoba 1200",
			Rating:      4.5,
			ReviewCount: 12,
			SourceURL:   "https://www.google.com/maps/place/x/data=!1s0xabc:0xdef",
			Latitude:    -32.95,
			Longitude:   -60.66,
		},
		City:             "Rosario",
		CategorySearched: "bakery",
		SegmentID:        2,
		SegmentCentroid:  "-32.950000,-60.660000",
		ExtractedAt:      at,
	}
	second := record.Record{
		Raw:              record.Raw{Name: "Kiosco", Address: record.NotAvailable},
		City:             "Rosario",
		CategorySearched: "bakery",
		SegmentID:        2,
		ExtractedAt:      at,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO business_records").
		WithArgs(recordArgs(runID, first)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO business_records").
		WithArgs(recordArgs(runID, second)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := recs.InsertRecords(context.Background(), runID.String(), []record.Record{first, second})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordArgsNullsMissingValues(t *testing.T) {
	t.Parallel()

	args := recordArgs(uuid.New(), record.Record{
		Raw:              record.Raw{Name: "Kiosco", Address: record.NotAvailable},
		CategorySearched: "bakery",
	})
	require.Equal(t, "legacy_kiosco|n/a", args[0])
	require.Nil(t, args[3])
	require.Nil(t, args[6])
	require.Nil(t, args[7])
	require.Nil(t, args[12])
}

func TestRecordStoreRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStore(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStore(mock, "records; DROP TABLE x")
	require.Error(t, err)

	recs, err := NewRecordStore(mock, "records")
	require.NoError(t, err)
	n, err := recs.InsertRecords(context.Background(), "not-a-uuid", []record.Record{{}})
	require.Error(t, err)
	require.Zero(t, n)

	n, err = recs.InsertRecords(context.Background(), "not-a-uuid", nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
