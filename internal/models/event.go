package models

import (
	"encoding/json"
	"time"
)

// EventType categorizes sync events.
type EventType string

const (
	// Write queue events
	EventTypeMutationEnqueued   EventType = "mutation.enqueued"
	EventTypeMutationSuperseded EventType = "mutation.superseded"
	EventTypeMutationDelivered  EventType = "mutation.delivered"
	EventTypeMutationRetrying   EventType = "mutation.retrying"
	EventTypeMutationFailed     EventType = "mutation.failed"
	EventTypeMutationDismissed  EventType = "mutation.dismissed"

	// Tiling events
	EventTypeTilesMerged   EventType = "feed.tiles_merged"
	EventTypeStatusChanged EventType = "feed.status_changed"
	EventTypeFetchFailed   EventType = "feed.fetch_failed"
)

// EntityType identifies what an event relates to.
type EntityType string

const (
	EntityTypeMutation EntityType = "mutation"
	EntityTypeFeed     EntityType = "feed"
)

// Event is an append-only sync log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Type       EventType  `json:"type"`
	EntityType EntityType `json:"entity_type"`

	// EntityID is the dedup key for mutation events and the feed name for
	// tiling events.
	EntityID string `json:"entity_id"`

	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MutationEventPayload is the payload of mutation.* events.
type MutationEventPayload struct {
	EntryID   string       `json:"entry_id"`
	Kind      MutationKind `json:"kind"`
	Attempts  int          `json:"attempts,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorKind ErrorKind    `json:"error_kind,omitempty"`
	RetryAt   *time.Time   `json:"retry_at,omitempty"`
}

// FetchFailedPayload is the payload of feed.fetch_failed events.
type FetchFailedPayload struct {
	PageIndex int       `json:"page_index"`
	Anchor    time.Time `json:"anchor"`
	ErrorKind ErrorKind `json:"error_kind"`
	Error     string    `json:"error"`
	Refresh   bool      `json:"refresh,omitempty"`
}

// StatusChangedPayload is the payload of feed.status_changed events.
type StatusChangedPayload struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// TilesMergedPayload is the payload of feed.tiles_merged events.
type TilesMergedPayload struct {
	PageIndex int    `json:"page_index"`
	Items     int    `json:"items"`
	Source    string `json:"source"`
	Tiles     int    `json:"tiles"`
}
