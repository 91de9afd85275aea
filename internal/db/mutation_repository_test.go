package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tunjid/heron-sub003/internal/models"
)

func newEntry(m models.Mutation, enqueuedAt time.Time) *models.QueueEntry {
	return &models.QueueEntry{
		Key:        m.DedupKey(),
		Mutation:   m,
		EnqueuedAt: enqueuedAt,
		Status:     models.QueueEntryStatusPending,
	}
}

func TestMutationRepositorySaveAndGet(t *testing.T) {
	database := setupTestDB(t)
	repo := NewMutationRepository(database)
	ctx := context.Background()

	send := models.Send{ConversationID: "c1", ClientMessageID: "m1", Text: "hi"}
	entry := newEntry(send, testAnchor)
	entry.Successor = models.Send{ConversationID: "c1", ClientMessageID: "m1", Text: "hi again"}
	if err := repo.Save(ctx, entry); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("Save did not set entry ID")
	}

	got, err := repo.Get(ctx, send.DedupKey())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != entry.ID || got.Kind != models.MutationKindSend {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if !models.SamePayload(got.Mutation, send) {
		t.Fatalf("mutation mismatch: %+v", got.Mutation)
	}
	if !models.SamePayload(got.Successor, entry.Successor) {
		t.Fatalf("successor mismatch: %+v", got.Successor)
	}
	if !got.EnqueuedAt.Equal(testAnchor) {
		t.Fatalf("enqueued at mismatch: %v", got.EnqueuedAt)
	}
}

func TestMutationRepositorySaveReplacesSameKey(t *testing.T) {
	database := setupTestDB(t)
	repo := NewMutationRepository(database)
	ctx := context.Background()

	if err := repo.Save(ctx, newEntry(models.Like{PostURI: "at://p/1"}, testAnchor)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	replacement := newEntry(models.Like{PostURI: "at://p/1", Undo: true}, testAnchor)
	if err := repo.Save(ctx, replacement); err != nil {
		t.Fatalf("Save replacement: %v", err)
	}

	entries, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID != replacement.ID {
		t.Fatalf("expected replacement id %s, got %s", replacement.ID, entries[0].ID)
	}
	if like := entries[0].Mutation.(models.Like); !like.Undo {
		t.Fatalf("expected replaced payload, got %+v", like)
	}
}

func TestMutationRepositoryListOrdersByEnqueueTime(t *testing.T) {
	database := setupTestDB(t)
	repo := NewMutationRepository(database)
	ctx := context.Background()

	later := newEntry(models.Connection{ProfileID: "bob", Follow: true}, testAnchor.Add(time.Second))
	earlier := newEntry(models.Post{ClientPostID: "p1", Text: "hello"}, testAnchor)
	failed := newEntry(models.Repost{PostURI: "at://p/2"}, testAnchor.Add(2*time.Second))
	failed.Status = models.QueueEntryStatusFailed
	failed.ErrorKind = models.ErrorKindRemoteRejected
	failed.LastError = "blocked"
	for _, e := range []*models.QueueEntry{later, earlier, failed} {
		if err := repo.Save(ctx, e); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	entries, err := repo.List(ctx, models.QueueEntryStatusPending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != earlier.ID || entries[1].ID != later.ID {
		t.Fatalf("unexpected pending order: %+v", entries)
	}

	failedEntries, err := repo.List(ctx, models.QueueEntryStatusFailed)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failedEntries) != 1 || failedEntries[0].ErrorKind != models.ErrorKindRemoteRejected || failedEntries[0].LastError != "blocked" {
		t.Fatalf("unexpected failed entries: %+v", failedEntries)
	}
}

func TestMutationRepositoryRecover(t *testing.T) {
	database := setupTestDB(t)
	repo := NewMutationRepository(database)
	ctx := context.Background()

	acked := newEntry(models.Like{PostURI: "at://p/1"}, testAnchor)
	inFlight := newEntry(models.Like{PostURI: "at://p/2"}, testAnchor)
	inFlight.Status = models.QueueEntryStatusInFlight
	pending := newEntry(models.Like{PostURI: "at://p/3"}, testAnchor)
	for _, e := range []*models.QueueEntry{acked, inFlight, pending} {
		if err := repo.Save(ctx, e); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := repo.MarkAcked(ctx, acked.ID, testAnchor); err != nil {
		t.Fatalf("MarkAcked: %v", err)
	}

	purged, reset, err := repo.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if purged != 1 || reset != 1 {
		t.Fatalf("expected 1 purged and 1 reset, got %d and %d", purged, reset)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[models.QueueEntryStatusPending] != 2 || counts[models.QueueEntryStatusAcked] != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestMutationRepositoryMarkAckedMissing(t *testing.T) {
	database := setupTestDB(t)
	repo := NewMutationRepository(database)

	if err := repo.MarkAcked(context.Background(), "missing", testAnchor); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	if err := repo.Delete(context.Background(), "missing"); err != nil {
		t.Fatalf("Delete of missing entry: %v", err)
	}
}

func TestMutationRepositoryRejectsInvalidEntry(t *testing.T) {
	database := setupTestDB(t)
	repo := NewMutationRepository(database)

	entry := newEntry(models.Like{}, testAnchor)
	if err := repo.Save(context.Background(), entry); !errors.Is(err, models.ErrInvalidQueueEntry) {
		t.Fatalf("expected ErrInvalidQueueEntry, got %v", err)
	}
}
