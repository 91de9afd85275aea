package cli

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunjid/heron-sub003/internal/models"
)

func TestResolveFeed(t *testing.T) {
	setupCLI(t)

	require.Equal(t, models.FeedHome, resolveFeed(""))
	require.Equal(t, "conversation:c9", resolveFeed("conversation:c9"))

	ctx, err := contextStore.Load()
	require.NoError(t, err)
	ctx.SetFeed(models.ConversationFeed("c1"))
	require.NoError(t, contextStore.Save(ctx))

	require.Equal(t, models.ConversationFeed("c1"), resolveFeed(""))
	require.Equal(t, models.FeedHome, resolveFeed(models.FeedHome))
}

func TestResolveViewer(t *testing.T) {
	cfg := setupCLI(t)

	viewer, err := resolveViewer()
	require.NoError(t, err)
	require.Equal(t, "did:example:alice", viewer)

	cfg.Global.Viewer = ""
	_, err = resolveViewer()
	require.Error(t, err)

	ctx, err := contextStore.Load()
	require.NoError(t, err)
	ctx.SetViewer("did:example:carol")
	require.NoError(t, contextStore.Save(ctx))

	viewer, err = resolveViewer()
	require.NoError(t, err)
	require.Equal(t, "did:example:carol", viewer)
}

func TestUseCommandStoresSelection(t *testing.T) {
	setupCLI(t)
	prevViewer, prevFeed, prevClear := useViewer, useFeed, useClear
	t.Cleanup(func() { useViewer, useFeed, useClear = prevViewer, prevFeed, prevClear })

	quiet = true
	useViewer, useFeed, useClear = "did:example:bob", "conversation:c2", false
	_, err := captureStdout(t, func() error { return useCmd.RunE(useCmd, nil) })
	require.NoError(t, err)

	ctx, err := contextStore.Load()
	require.NoError(t, err)
	require.Equal(t, "did:example:bob", ctx.Viewer)
	require.Equal(t, "conversation:c2", ctx.Feed)

	useViewer, useFeed, useClear = "", "", true
	_, err = captureStdout(t, func() error { return useCmd.RunE(useCmd, nil) })
	require.NoError(t, err)

	ctx, err = contextStore.Load()
	require.NoError(t, err)
	require.True(t, ctx.IsEmpty())

	useClear = false
	require.Error(t, useCmd.RunE(useCmd, nil))
}
