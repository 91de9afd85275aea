package cli

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunjid/heron-sub003/internal/db"
	"github.com/tunjid/heron-sub003/internal/models"
)

func resetItemFlags(t *testing.T) {
	t.Helper()
	reset := func() { itemsFeed, itemsLimit, itemsYes, itemsByRef = "", 20, false, false }
	reset()
	t.Cleanup(reset)
}

func cacheItems(t *testing.T, items ...models.Item) {
	t.Helper()
	database, err := openDatabase()
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.NewItemRepository(database).Upsert(context.Background(), items))
}

func TestItemsShow(t *testing.T) {
	setupCLI(t)
	resetItemFlags(t)
	jsonOutput = true

	confirmed := models.Item{
		URI:       "at://did:example:alice/post/1",
		Feed:      models.FeedHome,
		Kind:      models.ItemKindPost,
		Author:    "did:example:alice",
		ClientRef: "post:c1",
		Body:      "hello",
		SortAt:    time.Now().UTC().Truncate(time.Second),
	}
	cacheItems(t, confirmed)

	show := func(arg string) (models.Item, error) {
		out, err := captureStdout(t, func() error { return itemsShowCmd.RunE(itemsShowCmd, []string{arg}) })
		var item models.Item
		if err == nil {
			require.NoError(t, json.Unmarshal([]byte(out), &item))
		}
		return item, err
	}

	got, err := show(confirmed.URI)
	require.NoError(t, err)
	require.Equal(t, "hello", got.Body)

	itemsByRef = true
	got, err = show("post:c1")
	require.NoError(t, err)
	require.Equal(t, confirmed.URI, got.URI)

	_, err = show("post:missing")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "no cached item"), err.Error())
}

func TestItemsClearNeedsConfirmation(t *testing.T) {
	setupCLI(t)
	resetItemFlags(t)

	cacheItems(t, models.Item{
		URI:    "at://did:example:bob/post/1",
		Feed:   models.FeedHome,
		Kind:   models.ItemKindPost,
		SortAt: time.Now().UTC(),
	})

	err := itemsClearCmd.RunE(itemsClearCmd, nil)
	require.ErrorContains(t, err, "without --yes")

	itemsYes = true
	out, err := captureStdout(t, func() error { return itemsClearCmd.RunE(itemsClearCmd, nil) })
	require.NoError(t, err)
	require.Equal(t, "Removed 1 item from home.", out)
}
