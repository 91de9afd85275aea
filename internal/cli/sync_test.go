package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunjid/heron-sub003/internal/db"
	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/remote"
)

func resetSyncFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		syncFeed, syncPages, syncWait, syncWatch, syncMetricsAddr = "", 1, 5*time.Second, false, ""
	}
	reset()
	t.Cleanup(reset)
}

func seedHome(backend *remote.MemoryBackend, n int) {
	now := time.Now().UTC()
	for i := range n {
		backend.Seed(models.Item{
			URI:    fmt.Sprintf("at://did:example:bob/post/%d", i),
			Feed:   models.FeedHome,
			Kind:   models.ItemKindPost,
			Author: "did:example:bob",
			Body:   fmt.Sprintf("post %d", i),
			SortAt: now.Add(-time.Duration(i+1) * time.Minute),
		})
	}
}

func runSyncJSON(t *testing.T) SyncSummary {
	t.Helper()
	jsonOutput = true
	out, err := captureStdout(t, func() error { return runSync(context.Background()) })
	require.NoError(t, err)

	var summary SyncSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	return summary
}

func TestSyncRefreshesAndPersists(t *testing.T) {
	cfg := setupCLI(t)
	resetSyncFlags(t)
	cfg.Tiling.PageSize = 2

	backend := remote.NewMemoryBackend()
	seedHome(backend, 3)
	useBackend(t, backend)

	summary := runSyncJSON(t)
	require.Equal(t, models.FeedHome, summary.Feed)
	require.Equal(t, 2, summary.Items)
	require.Equal(t, 1, summary.Tiles)
	require.Contains(t, summary.Status, "refreshed")
	require.NotNil(t, summary.Delivery)
	require.Zero(t, summary.Delivery.Attempted)

	database, err := openDatabase()
	require.NoError(t, err)
	defer database.Close()
	items, err := db.NewItemRepository(database).List(context.Background(), models.FeedHome, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestSyncLoadsFurtherPages(t *testing.T) {
	cfg := setupCLI(t)
	resetSyncFlags(t)
	cfg.Tiling.PageSize = 2

	backend := remote.NewMemoryBackend()
	seedHome(backend, 5)
	useBackend(t, backend)

	syncPages = 2
	summary := runSyncJSON(t)
	require.GreaterOrEqual(t, summary.Tiles, 2)
	require.GreaterOrEqual(t, summary.Items, 4)
}

func TestSyncDeliversQueuedPostFirst(t *testing.T) {
	cfg := setupCLI(t)
	resetSyncFlags(t)
	resetMutateFlags(t)
	cfg.Tiling.PageSize = 10

	backend := remote.NewMemoryBackend(remote.WithViewer(cfg.Global.Viewer))
	seedHome(backend, 2)
	useBackend(t, backend)

	quiet = true
	mutateReplyTo = ""
	_, err := captureStdout(t, func() error { return postCmd.RunE(postCmd, []string{"hello"}) })
	require.NoError(t, err)
	quiet = false

	summary := runSyncJSON(t)
	require.Equal(t, DrainSummary{Attempted: 1}, *summary.Delivery)
	require.Equal(t, 3, summary.Items)
	require.Zero(t, summary.Pending)
	require.Len(t, backend.Items(models.FeedHome), 3)
}

func TestSyncOfflineFails(t *testing.T) {
	setupCLI(t)
	resetSyncFlags(t)

	_, err := captureStdout(t, func() error { return runSync(context.Background()) })
	require.ErrorIs(t, err, errOffline)
}
