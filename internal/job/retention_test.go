package job

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalog/internal/blob"
	"github.com/JonMunkholm/catalog/internal/config"
	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/queue"
	"github.com/JonMunkholm/catalog/internal/repository"
)

func TestPurge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	daysAgo := func(n int) *time.Time {
		ts := now.AddDate(0, 0, -n)
		return &ts
	}

	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"exports/old.csv", "imports/old.csv"} {
		require.NoError(t, blobs.Put(ctx, key, strings.NewReader("x"), 1))
	}

	store := NewMemoryStore()
	seed := []*Job{
		{ID: "old-export", Kind: KindExport, Status: StatusCompleted, FileRef: "exports/old.csv", FinishedAt: daysAgo(40)},
		{ID: "old-import", Kind: KindImport, Status: StatusFailed, FileRef: "imports/old.csv", FinishedAt: daysAgo(35)},
		{ID: "recent", Kind: KindImport, Status: StatusCompleted, FinishedAt: daysAgo(1)},
		{ID: "running", Kind: KindImport, Status: StatusRunning},
	}
	for _, j := range seed {
		j.CreatedAt = now.AddDate(0, -2, 0)
		require.NoError(t, store.Create(ctx, j))
	}

	orch := New(Deps{Store: store, Queue: queue.NewMemoryQueue(), Blobs: blobs, Kinds: core.NewRegistry[repository.Binding]()},
		config.JobConfig{}, WithClock(func() time.Time { return now }))

	purged, err := orch.Purge(ctx, RetentionConfig{MaxAge: 30 * 24 * time.Hour, Batch: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	left, err := store.List(ctx, 0)
	require.NoError(t, err)
	var ids []string
	for _, j := range left {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"recent", "running"}, ids)

	_, err = blobs.Open(ctx, "exports/old.csv")
	assert.ErrorIs(t, err, core.ErrNotFound, "export output is removed")
	rc, err := blobs.Open(ctx, "imports/old.csv")
	require.NoError(t, err, "uploads are kept")
	rc.Close()

	purged, err = orch.Purge(ctx, RetentionConfig{MaxAge: 30 * 24 * time.Hour})
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestMemoryStore_PurgeOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		fin := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.Create(ctx, &Job{ID: id, Status: StatusCancelled, FinishedAt: &fin}))
	}

	got, err := s.Purge(ctx, base.Add(24*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID)

	_, err = s.Get(ctx, "b")
	assert.NoError(t, err)
}
