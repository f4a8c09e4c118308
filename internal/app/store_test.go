package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordDownload(ctx, DownloadRecord{
		RequestID: "old", URL: "https://youtu.be/a", Platform: "youtube", Quality: "720",
		Status: 200, Bytes: 1024, Duration: 1500 * time.Millisecond, CreatedAt: base,
	}))
	require.NoError(t, store.RecordDownload(ctx, DownloadRecord{
		RequestID: "new", URL: "https://soundcloud.com/a/b", Platform: "soundcloud", Quality: "320",
		AudioOnly: true, Status: 400, ErrorKind: "unavailable", CreatedAt: base.Add(time.Minute),
	}))

	recs, err := store.RecentDownloads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "new", recs[0].RequestID)
	assert.True(t, recs[0].AudioOnly)
	assert.Equal(t, "unavailable", recs[0].ErrorKind)
	assert.Equal(t, "old", recs[1].RequestID)
	assert.EqualValues(t, 1024, recs[1].Bytes)
	assert.Equal(t, 1500*time.Millisecond, recs[1].Duration)
	assert.True(t, recs[1].CreatedAt.Equal(base))

	recs, err = store.RecentDownloads(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLiteStoreUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := DownloadRecord{RequestID: "r", URL: "https://youtu.be/a", Platform: "youtube", Quality: "720"}
	require.NoError(t, store.RecordDownload(ctx, rec))
	rec.Status = 200
	rec.Bytes = 42
	require.NoError(t, store.RecordDownload(ctx, rec))

	recs, err := store.RecentDownloads(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 200, recs[0].Status)
	assert.EqualValues(t, 42, recs[0].Bytes)
}

func TestSQLiteStoreRecordsServedDownloads(t *testing.T) {
	store := newTestStore(t)
	c := newTestController(t, &fakeDownloader{})
	c.History = store
	srv := &Server{Controller: c, History: store}

	rec := postJSON(t, srv.Handler(), "/api/download", map[string]any{"url": "https://example.com/x"})
	require.Equal(t, 400, rec.Code)

	recs, err := store.RecentDownloads(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "unsupported", recs[0].ErrorKind)
	assert.Equal(t, 400, recs[0].Status)
	assert.Equal(t, rec.Header().Get("X-Request-Id"), recs[0].RequestID)
}
