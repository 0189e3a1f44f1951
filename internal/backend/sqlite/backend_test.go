package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawltask/internal/crawler"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(context.Background(), filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestStoreAndGetResult(t *testing.T) {
	t.Parallel()

	b := openTestBackend(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 123_000_000, time.UTC)

	rec := crawler.Record{
		JobID:     "job-1",
		Target:    "https://example.com",
		State:     crawler.StatePending,
		UpdatedAt: now,
	}
	require.NoError(t, b.StoreResult(ctx, rec))

	rec.State = crawler.StateSucceeded
	rec.Attempts = 2
	rec.Result = "Crawled https://example.com (3 pages, 1 entities)"
	require.NoError(t, b.StoreResult(ctx, rec))

	got, err := b.GetResult(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestTerminalRowIsNotOverwritten(t *testing.T) {
	t.Parallel()

	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.StoreResult(ctx, crawler.Record{
		JobID: "job-1", Target: "https://example.com", State: crawler.StateFailed,
		Attempts: 3, Reason: "retry budget exhausted after 3 attempts: boom",
	}))
	require.NoError(t, b.StoreResult(ctx, crawler.Record{
		JobID: "job-1", Target: "https://example.com", State: crawler.StateRunning, Attempts: 3,
	}))

	got, err := b.GetResult(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.StateFailed, got.State)
	require.Contains(t, got.Reason, "retry budget exhausted")
}

func TestGetResultNotFound(t *testing.T) {
	t.Parallel()

	_, err := openTestBackend(t).GetResult(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestStoreResultRequiresJobID(t *testing.T) {
	t.Parallel()

	require.Error(t, openTestBackend(t).StoreResult(context.Background(), crawler.Record{}))
}
