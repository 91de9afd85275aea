// Package models defines the data types shared by the feed sync core.
package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ItemKind categorizes a feed item.
type ItemKind string

const (
	ItemKindPost         ItemKind = "post"
	ItemKindRepost       ItemKind = "repost"
	ItemKindNotification ItemKind = "notification"
	ItemKindMessage      ItemKind = "message"
	ItemKindProfile      ItemKind = "profile"
)

// DeliveryState marks locally synthesized items. Items fetched from the
// local store or the remote always have an empty delivery state.
type DeliveryState string

const (
	DeliveryConfirmed DeliveryState = ""
	DeliverySending   DeliveryState = "sending"
	DeliveryFailed    DeliveryState = "failed"
)

// Item validation errors.
var (
	ErrItemURIRequired    = errors.New("item uri is required")
	ErrItemFeedRequired   = errors.New("item feed is required")
	ErrItemSortAtRequired = errors.New("item sort time is required")
)

// Item is one entry of a windowed feed: a timeline post, a notification,
// a conversation message or a search result.
type Item struct {
	// URI is the remote identity of the item.
	URI string `json:"uri"`

	// Feed is the collection the item belongs to (timeline, conversation, query).
	Feed string `json:"feed"`

	Kind   ItemKind `json:"kind"`
	Author string   `json:"author,omitempty"`

	// Subject references another item (the reposted post, the liked post).
	Subject string `json:"subject,omitempty"`

	// ClientRef is the dedup key of the local mutation that created the item.
	// The remote echoes it back so confirmed items can replace optimistic ones.
	ClientRef string `json:"client_ref,omitempty"`

	Body string `json:"body,omitempty"`

	// SortAt is the ordering field cursor queries are anchored on.
	SortAt    time.Time       `json:"sort_at"`
	IndexedAt time.Time       `json:"indexed_at,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	Delivery DeliveryState `json:"delivery,omitempty"`
}

// Key returns the logical identity used to collapse duplicates.
func (i Item) Key() string {
	if i.ClientRef != "" {
		return i.ClientRef
	}
	return i.URI
}

// Pending reports whether the item is an optimistic stand-in.
func (i Item) Pending() bool {
	return i.Delivery != DeliveryConfirmed
}

// Validate checks that the item can be persisted.
func (i *Item) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(i.URI) == "" {
		validation.Add("uri", ErrItemURIRequired)
	}
	if strings.TrimSpace(i.Feed) == "" {
		validation.Add("feed", ErrItemFeedRequired)
	}
	if i.SortAt.IsZero() {
		validation.Add("sort_at", ErrItemSortAtRequired)
	}
	if i.Pending() {
		validation.AddMessage("delivery", "optimistic items are never persisted")
	}
	return validation.Err()
}

// ItemKey is the key function used for cross-tile dedup.
func ItemKey(i Item) string {
	return i.Key()
}

// CloneItems copies a slice of items, including raw data buffers.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for idx, item := range items {
		if len(item.Data) > 0 {
			item.Data = append(json.RawMessage(nil), item.Data...)
		}
		out[idx] = item
	}
	return out
}

// Well-known feed names.
const (
	FeedHome          = "home"
	FeedNotifications = "notifications"
)

// ConversationFeed names the feed holding the messages of a conversation.
func ConversationFeed(conversationID string) string {
	return "conversation:" + conversationID
}

// AuthorFeed names the feed holding the posts of one author.
func AuthorFeed(author string) string {
	return "author:" + author
}
