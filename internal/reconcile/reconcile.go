// Package reconcile splices not-yet-confirmed write queue entries into the
// tiled list of a feed so the presentation layer sees one list.
package reconcile

import (
	"slices"
	"time"

	"github.com/tunjid/heron-sub003/internal/cursor"
	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/tiling"
)

// Edge names the end of a list closest to now, where optimistic items go.
type Edge int

const (
	// EdgeHead lists are newest first; the first tile is terminal.
	EdgeHead Edge = iota
	// EdgeTail lists are oldest first; the last tile is terminal.
	EdgeTail
)

// PendingURIPrefix prefixes the URI of synthetic items.
const PendingURIPrefix = "pending:"

// Options describes the feed being reconciled.
type Options struct {
	// Feed is the feed name items are synthesized for.
	Feed string

	// Viewer authors synthetic items.
	Viewer string

	// Kinds are the mutation kinds that show up in Feed as items. Sends
	// only show up in their own conversation feed.
	Kinds []models.MutationKind

	Edge Edge

	// Query labels the synthetic tile of an otherwise empty list.
	Query cursor.Query
}

// HomeOptions returns options for a newest-first timeline that shows the
// viewer's own posts and reposts.
func HomeOptions(feed, viewer string, query cursor.Query) Options {
	return Options{
		Feed:   feed,
		Viewer: viewer,
		Kinds:  []models.MutationKind{models.MutationKindPost, models.MutationKindRepost},
		Edge:   EdgeHead,
		Query:  query,
	}
}

// ConversationOptions returns options for a conversation feed. Messages are
// paged newest first like a timeline, so pending sends join the first tile.
// Chat views that show the newest message last reverse the list on screen.
func ConversationOptions(conversationID, viewer string, query cursor.Query) Options {
	return Options{
		Feed:   models.ConversationFeed(conversationID),
		Viewer: viewer,
		Kinds:  []models.MutationKind{models.MutationKindSend},
		Edge:   EdgeHead,
		Query:  query,
	}
}

// Synthesize converts a queue entry into the optimistic item shown while it
// is undelivered. It reports false for entries that do not render as an
// item of the feed.
func Synthesize(entry *models.QueueEntry, opts Options) (models.Item, bool) {
	if entry == nil || !entry.Visible() {
		return models.Item{}, false
	}
	m := entry.Current()
	if m == nil || !slices.Contains(opts.Kinds, m.Kind()) {
		return models.Item{}, false
	}

	key := string(entry.Key)
	item := models.Item{
		URI:       PendingURIPrefix + key,
		Feed:      opts.Feed,
		Author:    opts.Viewer,
		ClientRef: key,
		SortAt:    sortTime(m.Created(), entry.EnqueuedAt),
		Delivery:  models.DeliverySending,
	}
	if entry.Status == models.QueueEntryStatusFailed {
		item.Delivery = models.DeliveryFailed
	}

	switch v := m.(type) {
	case models.Send:
		if models.ConversationFeed(v.ConversationID) != opts.Feed {
			return models.Item{}, false
		}
		item.Kind = models.ItemKindMessage
		item.Body = v.Text
	case models.Post:
		item.Kind = models.ItemKindPost
		item.Body = v.Text
		item.Subject = v.ReplyTo
	case models.Repost:
		if v.Undo {
			return models.Item{}, false
		}
		item.Kind = models.ItemKindRepost
		item.Subject = v.PostURI
	default:
		return models.Item{}, false
	}
	return item, true
}

// Reconcile returns list with an optimistic item for every visible entry
// whose key is not yet confirmed in list. Optimistic items are merged into
// the terminal tile ordered by creation time together with the tile's
// confirmed items. A confirmed item with the same key always wins.
//
// Reconcile is pure: it performs no I/O and never modifies its inputs.
func Reconcile(list tiling.List[models.Item], entries []*models.QueueEntry, opts Options) tiling.List[models.Item] {
	if len(entries) == 0 {
		return list
	}

	confirmed := make(map[string]struct{}, list.Len())
	for i := range list.Len() {
		item := list.At(i)
		if !item.Pending() {
			confirmed[item.Key()] = struct{}{}
		}
	}

	var pending []models.Item
	seen := make(map[string]struct{})
	for _, entry := range entries {
		item, ok := Synthesize(entry, opts)
		if !ok {
			continue
		}
		if _, ok := confirmed[item.Key()]; ok {
			continue
		}
		if _, ok := seen[item.Key()]; ok {
			continue
		}
		seen[item.Key()] = struct{}{}
		pending = append(pending, item)
	}
	if len(pending) == 0 {
		return list
	}

	if list.TileCount() == 0 {
		sortItems(pending, opts.Edge)
		return tiling.Build(func(b *tiling.Builder[models.Item]) {
			b.AddPage(tiling.Page[models.Item]{
				Query:  opts.Query,
				Items:  pending,
				Source: tiling.SourceSynthetic,
			})
		})
	}

	terminal := 0
	if opts.Edge == EdgeTail {
		terminal = list.TileCount() - 1
	}
	items := append(list.TileItems(terminal), pending...)
	sortItems(items, opts.Edge)
	return list.WithTileItems(terminal, items)
}

func sortItems(items []models.Item, edge Edge) {
	slices.SortStableFunc(items, func(a, b models.Item) int {
		if edge == EdgeTail {
			return a.SortAt.Compare(b.SortAt)
		}
		return b.SortAt.Compare(a.SortAt)
	})
}

func sortTime(created, enqueued time.Time) time.Time {
	if !created.IsZero() {
		return created
	}
	return enqueued
}
