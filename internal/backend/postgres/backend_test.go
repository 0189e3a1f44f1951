package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawltask/internal/crawler"
)

func TestStoreResultUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend, err := NewWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.Record{
		JobID:     "job-1",
		Target:    "https://example.com",
		State:     crawler.StateFailed,
		Attempts:  3,
		Reason:    "retry budget exhausted after 3 attempts: timeout",
		UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO crawl_results").
		WithArgs(rec.JobID, rec.Target, "failed", 3, "", rec.Reason, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, backend.StoreResult(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreResultWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend, err := NewWithPool(mock, "results")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO results").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	err = backend.StoreResult(context.Background(), crawler.Record{JobID: "job-1", State: crawler.StatePending})
	require.ErrorContains(t, err, "upsert result: connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResult(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend, err := NewWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"job_id", "target", "state", "attempts", "result", "reason", "updated_at"}).
		AddRow("job-1", "https://example.com", "succeeded", 1, "Crawled https://example.com (2 pages, 4 entities)", "", now)
	mock.ExpectQuery("SELECT job_id, target, state").WithArgs("job-1").WillReturnRows(rows)

	got, err := backend.GetResult(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.StateSucceeded, got.State)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, now, got.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResultNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT job_id").WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"job_id"}))

	_, err = backend.GetResult(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend, err := NewWithPool(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_results").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, backend.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "bad-name;drop")
	require.ErrorContains(t, err, "invalid table name")

	_, err = New(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn is required")
}
