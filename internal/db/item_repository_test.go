package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tunjid/heron-sub003/internal/cursor"
	"github.com/tunjid/heron-sub003/internal/models"
)

var testAnchor = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedItems(t *testing.T, repo *ItemRepository, feed string, n int) []models.Item {
	t.Helper()

	items := make([]models.Item, n)
	for i := range items {
		items[i] = models.Item{
			URI:    fmt.Sprintf("at://%s/%02d", feed, i),
			Feed:   feed,
			Kind:   models.ItemKindPost,
			Author: "did:plc:alice",
			Body:   fmt.Sprintf("post %d", i),
			SortAt: testAnchor.Add(-time.Duration(i) * time.Minute),
		}
	}
	if err := repo.Upsert(context.Background(), items); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return items
}

func TestItemRepositoryReadPages(t *testing.T) {
	database := setupTestDB(t)
	repo := NewItemRepository(database)
	ctx := context.Background()
	seeded := seedItems(t, repo, "home", 7)
	seedItems(t, repo, "other", 3)

	q := cursor.New(3, map[string]string{FilterFeed: "home"}, testAnchor)
	cases := []struct {
		page int
		want []string
	}{
		{0, []string{seeded[0].URI, seeded[1].URI, seeded[2].URI}},
		{1, []string{seeded[3].URI, seeded[4].URI, seeded[5].URI}},
		{2, []string{seeded[6].URI}},
		{3, nil},
	}
	for _, tc := range cases {
		items, err := repo.Read(ctx, q.WithPage(tc.page))
		if err != nil {
			t.Fatalf("Read page %d: %v", tc.page, err)
		}
		if len(items) != len(tc.want) {
			t.Fatalf("page %d: expected %d items, got %d", tc.page, len(tc.want), len(items))
		}
		for i, item := range items {
			if item.URI != tc.want[i] {
				t.Fatalf("page %d item %d: expected %s, got %s", tc.page, i, tc.want[i], item.URI)
			}
			if item.Feed != "home" {
				t.Fatalf("page %d leaked item from feed %q", tc.page, item.Feed)
			}
		}
	}
}

func TestItemRepositoryReadRespectsAnchor(t *testing.T) {
	database := setupTestDB(t)
	repo := NewItemRepository(database)
	seeded := seedItems(t, repo, "home", 5)

	q := cursor.New(10, map[string]string{FilterFeed: "home"}, testAnchor.Add(-2*time.Minute))
	items, err := repo.Read(context.Background(), q)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items at or before the anchor, got %d", len(items))
	}
	if items[0].URI != seeded[2].URI {
		t.Fatalf("expected first item %s, got %s", seeded[2].URI, items[0].URI)
	}
}

func TestItemRepositoryReadRequiresFeed(t *testing.T) {
	database := setupTestDB(t)
	repo := NewItemRepository(database)

	_, err := repo.Read(context.Background(), cursor.New(3, nil, testAnchor))
	if !errors.Is(err, ErrFeedFilterMissing) {
		t.Fatalf("expected ErrFeedFilterMissing, got %v", err)
	}
}

func TestItemRepositoryUpsertReplaces(t *testing.T) {
	database := setupTestDB(t)
	repo := NewItemRepository(database)
	ctx := context.Background()
	seeded := seedItems(t, repo, "home", 1)

	updated := seeded[0]
	updated.Body = "edited"
	updated.ClientRef = "post:c1"
	updated.Data = json.RawMessage(`{"likes":3}`)
	if err := repo.Upsert(ctx, []models.Item{updated}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := repo.Get(ctx, "home", updated.URI)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Body != "edited" || got.ClientRef != "post:c1" || string(got.Data) != `{"likes":3}` {
		t.Fatalf("unexpected item after upsert: %+v", got)
	}
	if !got.SortAt.Equal(updated.SortAt) {
		t.Fatalf("sort time changed: %v != %v", got.SortAt, updated.SortAt)
	}

	byRef, err := repo.FindByClientRef(ctx, "home", "post:c1")
	if err != nil {
		t.Fatalf("FindByClientRef: %v", err)
	}
	if byRef.URI != updated.URI {
		t.Fatalf("expected %s, got %s", updated.URI, byRef.URI)
	}
}

func TestItemRepositoryRejectsOptimisticItems(t *testing.T) {
	database := setupTestDB(t)
	repo := NewItemRepository(database)

	item := models.Item{URI: "local:1", Feed: "home", SortAt: testAnchor, Delivery: models.DeliverySending}
	if err := repo.Upsert(context.Background(), []models.Item{item}); err == nil {
		t.Fatal("expected optimistic item to be rejected")
	}
}

func TestItemRepositoryDeleteIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	repo := NewItemRepository(database)
	ctx := context.Background()
	seeded := seedItems(t, repo, "home", 3)

	n, err := repo.Delete(ctx, "home", seeded[0].URI, "at://missing")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}

	n, err = repo.Delete(ctx, "home", seeded[0].URI)
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 deleted, got %d", n)
	}

	if _, err := repo.Get(ctx, "home", seeded[0].URI); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}

	feeds, err := repo.Feeds(ctx)
	if err != nil {
		t.Fatalf("Feeds: %v", err)
	}
	if len(feeds) != 1 || feeds[0].Items != 2 {
		t.Fatalf("unexpected feed counts: %+v", feeds)
	}
}
