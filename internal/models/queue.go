package models

import (
	"errors"
	"time"
)

// QueueEntryStatus represents the delivery state of a write queue entry.
type QueueEntryStatus string

const (
	QueueEntryStatusPending  QueueEntryStatus = "pending"
	QueueEntryStatusInFlight QueueEntryStatus = "in_flight"
	QueueEntryStatusFailed   QueueEntryStatus = "failed"
	QueueEntryStatusAcked    QueueEntryStatus = "acked"
)

// ErrInvalidQueueEntry is returned for entries that cannot be stored.
var ErrInvalidQueueEntry = errors.New("invalid queue entry")

// QueueEntry is one pending mutation owned by the write queue.
type QueueEntry struct {
	// ID is the unique identifier of the stored row.
	ID string `json:"id"`

	// Key is the dedup key of Mutation.
	Key DedupKey `json:"key"`

	Kind     MutationKind `json:"kind"`
	Mutation Mutation     `json:"-"`

	// Successor is a superseding mutation waiting for the in-flight
	// delivery of Mutation to settle.
	Successor Mutation `json:"-"`

	// EnqueuedAt orders entries for draining (oldest first).
	EnqueuedAt time.Time `json:"enqueued_at"`

	Attempts int              `json:"attempts"`
	Status   QueueEntryStatus `json:"status"`

	// NextAttemptAt is the earliest time the entry may be drained again.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	LastError string    `json:"last_error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// AckedAt is set once the remote acknowledged delivery.
	AckedAt   *time.Time `json:"acked_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks that the entry can be persisted.
func (e *QueueEntry) Validate() error {
	validation := &ValidationErrors{}
	if e.Mutation == nil {
		validation.Add("mutation", ErrNilMutation)
		return validation.Err()
	}
	if e.Key == "" {
		validation.Add("key", ErrInvalidQueueEntry)
	} else if e.Key != e.Mutation.DedupKey() {
		validation.Addf("key", "does not match mutation key %q", e.Mutation.DedupKey())
	}
	if e.Successor != nil && e.Successor.DedupKey() != e.Key {
		validation.Addf("successor", "key %q does not match %q", e.Successor.DedupKey(), e.Key)
	}
	validation.Nest("mutation", e.Mutation)
	validation.Nest("successor", e.Successor)
	return validation.Err()
}

// Ready reports whether the entry may be picked by the drain loop at now.
func (e *QueueEntry) Ready(now time.Time) bool {
	return e.Status == QueueEntryStatusPending && !now.Before(e.NextAttemptAt)
}

// Visible reports whether the entry should be rendered optimistically.
func (e *QueueEntry) Visible() bool {
	switch e.Status {
	case QueueEntryStatusPending, QueueEntryStatusInFlight, QueueEntryStatusFailed:
		return true
	default:
		return false
	}
}

// Current returns the mutation the user last asked for: the successor when
// one is queued, otherwise the entry's own mutation.
func (e *QueueEntry) Current() Mutation {
	if e.Successor != nil {
		return e.Successor
	}
	return e.Mutation
}

// Clone returns a copy that is safe to hand outside the queue lock.
func (e *QueueEntry) Clone() *QueueEntry {
	if e == nil {
		return nil
	}
	out := *e
	if e.AckedAt != nil {
		at := *e.AckedAt
		out.AckedAt = &at
	}
	return &out
}
