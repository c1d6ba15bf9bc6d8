package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/transferd/internal/storage"
)

func newTestRepository(t *testing.T) *InstrumentedHistoryRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewInstrumentedHistoryRepository(db, nil)
}

func record(id uint32, outcome string, finished time.Time) storage.TransferRecord {
	return storage.TransferRecord{
		ID:          id,
		Type:        "link",
		Destination: "/usb/benchy.gcode",
		Expected:    4096,
		Outcome:     outcome,
		StartedAt:   finished.Add(-time.Minute),
		FinishedAt:  finished,
	}
}

func TestHistoryRepository_RecordAndGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	finished := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.RecordOutcome(ctx, record(7, "finished", finished)))

	got, err := repo.GetOutcome(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, record(7, "finished", finished), got)

	_, err = repo.GetOutcome(ctx, 8)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryRepository_ReplacesSameID(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	finished := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.RecordOutcome(ctx, record(1, "error_network", finished)))
	require.NoError(t, repo.RecordOutcome(ctx, record(1, "finished", finished.Add(time.Hour))))

	got, err := repo.GetOutcome(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "finished", got.Outcome)
}

func TestHistoryRepository_ListRecent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := range uint32(5) {
		require.NoError(t, repo.RecordOutcome(ctx, record(i, "finished", base.Add(time.Duration(i)*time.Minute))))
	}

	records, err := repo.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, uint32(4), records[0].ID)
	assert.Equal(t, uint32(3), records[1].ID)
	assert.Equal(t, uint32(2), records[2].ID)
}

func TestHistoryRepository_MaxID(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, found, err := repo.MaxID(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	now := time.Now()
	require.NoError(t, repo.RecordOutcome(ctx, record(3, "finished", now)))
	require.NoError(t, repo.RecordOutcome(ctx, record(11, "stopped", now)))

	id, found, err := repo.MaxID(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint32(11), id)
}
