// Package writequeue implements the durable optimistic write queue: user
// mutations are recorded locally, deduplicated per key and delivered to the
// remote in the background with bounded retries.
package writequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tunjid/heron-sub003/internal/events"
	"github.com/tunjid/heron-sub003/internal/logging"
	"github.com/tunjid/heron-sub003/internal/metrics"
	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/remote"
)

// Write queue errors.
var (
	ErrQueueClosed    = errors.New("write queue closed")
	ErrNotLoaded      = errors.New("write queue not loaded")
	ErrAlreadyRunning = errors.New("write queue already running")
	ErrQueueFull      = errors.New("write queue full")
	ErrStaleMutation  = errors.New("mutation is older than the queued one")
	ErrEntryNotFound  = errors.New("queue entry not found")
	ErrEntryNotFailed = errors.New("queue entry has not failed")
)

// Status is the outcome of Enqueue.
type Status int

const (
	// StatusEnqueued means the mutation is durably recorded and scheduled.
	StatusEnqueued Status = iota
	// StatusDuplicate means an identical mutation is already queued.
	StatusDuplicate
	// StatusDropped means the queue refused the mutation.
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusEnqueued:
		return "enqueued"
	case StatusDuplicate:
		return "duplicate"
	case StatusDropped:
		return "dropped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Store is the durable table behind the queue. The queue is its only writer.
type Store interface {
	Save(ctx context.Context, entry *models.QueueEntry) error
	MarkAcked(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, statuses ...models.QueueEntryStatus) ([]*models.QueueEntry, error)
	Recover(ctx context.Context) (purged, reset int64, err error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithPublisher sets the publisher membership changes are sent to.
func WithPublisher(p *events.InMemoryPublisher) Option {
	return func(q *Queue) { q.publisher = p }
}

// WithMetrics records queue metrics.
func WithMetrics(m *metrics.Queue) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock overrides the queue's clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// Queue is the write queue. Construct it with New, call Load or Start to
// rehydrate persisted entries and Close to stop draining.
type Queue struct {
	cfg       Config
	store     Store
	submitter remote.Submitter
	publisher *events.InMemoryPublisher
	metrics   *metrics.Queue
	logger    zerolog.Logger
	now       func() time.Time

	locks   keyLocks
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	wake    chan struct{}

	// unsent counts claimed entries released before reaching the submitter.
	unsent atomic.Int64

	mu      sync.Mutex
	entries map[models.DedupKey]*models.QueueEntry
	loaded  bool
	running bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a queue over store that delivers through submitter.
func New(store Store, submitter remote.Submitter, cfg Config, opts ...Option) *Queue {
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.SubmitRate > 0 {
		limit = rate.Limit(cfg.SubmitRate)
	}

	q := &Queue{
		cfg:       cfg,
		store:     store,
		submitter: submitter,
		logger:    logging.Component("write-queue"),
		now:       time.Now,
		locks:     keyLocks{locks: make(map[models.DedupKey]*keyLock)},
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		limiter:   rate.NewLimiter(limit, cfg.SubmitBurst),
		wake:      make(chan struct{}, 1),
		entries:   make(map[models.DedupKey]*models.QueueEntry),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.publisher == nil {
		q.publisher = events.NewInMemoryPublisher(events.WithLogger(q.logger))
	}
	if q.metrics == nil {
		q.metrics = metrics.NewQueue(nil)
	}
	return q
}

// Load rehydrates the queue from the store: acknowledged rows are purged and
// rows that were in flight when the process stopped are retried.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	purged, reset, err := q.store.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover write queue: %w", err)
	}
	stored, err := q.store.List(ctx,
		models.QueueEntryStatusPending,
		models.QueueEntryStatusInFlight,
		models.QueueEntryStatusFailed)
	if err != nil {
		return fmt.Errorf("load write queue: %w", err)
	}

	q.mu.Lock()
	q.entries = make(map[models.DedupKey]*models.QueueEntry, len(stored))
	for _, entry := range stored {
		q.entries[entry.Key] = entry
	}
	q.loaded = true
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.logger.Info().
		Int("entries", len(stored)).
		Int64("purged_acked", purged).
		Int64("reset_in_flight", reset).
		Msg("write queue loaded")
	return nil
}

// Enqueue records m for delivery.
//
// An identical mutation already queued under the same key yields
// StatusDuplicate. A different mutation under the same key supersedes the
// queued one; when that one is being delivered the new mutation waits behind
// it. Mutations that fail validation, are older than the queued mutation or
// exceed MaxPending are dropped with an explanatory error. StatusEnqueued is
// returned only once the entry is durably stored.
func (q *Queue) Enqueue(ctx context.Context, m models.Mutation) (Status, error) {
	status, outcome, evt, err := q.enqueue(ctx, m)
	q.metrics.Enqueued.WithLabelValues(outcome).Inc()
	if evt != nil {
		q.publish(ctx, evt)
		q.signal()
	}
	if err != nil {
		q.logger.Debug().Err(err).Str("outcome", outcome).Msg("mutation not enqueued")
	}
	return status, err
}

func (q *Queue) enqueue(ctx context.Context, m models.Mutation) (Status, string, *models.Event, error) {
	if m == nil {
		return StatusDropped, "dropped", nil, models.ErrNilMutation
	}
	if m.Created().IsZero() {
		m = models.WithCreatedAt(m, q.now())
	}
	if err := m.Validate(); err != nil {
		return StatusDropped, "dropped", nil, err
	}

	key := m.DedupKey()
	unlock := q.locks.lock(key)
	defer unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return StatusDropped, "dropped", nil, ErrQueueClosed
	}
	if !q.loaded {
		q.mu.Unlock()
		return StatusDropped, "dropped", nil, ErrNotLoaded
	}
	existing := q.entries[key].Clone()
	count := len(q.entries)
	q.mu.Unlock()

	now := q.now().UTC()
	var next *models.QueueEntry
	eventType := models.EventTypeMutationEnqueued
	outcome := "enqueued"

	switch {
	case existing == nil || existing.Status == models.QueueEntryStatusFailed:
		if existing == nil && q.cfg.MaxPending > 0 && count >= q.cfg.MaxPending {
			return StatusDropped, "dropped", nil, ErrQueueFull
		}
		next = &models.QueueEntry{
			ID:         uuid.New().String(),
			Key:        key,
			Mutation:   m,
			EnqueuedAt: now,
			Status:     models.QueueEntryStatusPending,
		}

	case models.SamePayload(existing.Current(), m):
		return StatusDuplicate, "duplicate", nil, nil

	case m.Created().Before(existing.Current().Created()):
		return StatusDropped, "dropped", nil, ErrStaleMutation

	case existing.Status == models.QueueEntryStatusInFlight:
		next = existing
		if models.SamePayload(existing.Mutation, m) {
			// The user reverted to what is already being delivered.
			next.Successor = nil
		} else {
			next.Successor = m
		}
		eventType, outcome = models.EventTypeMutationSuperseded, "superseded"

	default:
		next = existing
		next.Mutation = m
		next.Successor = nil
		next.Attempts = 0
		next.NextAttemptAt = time.Time{}
		next.LastError = ""
		next.ErrorKind = ""
		eventType, outcome = models.EventTypeMutationSuperseded, "superseded"
	}

	if err := q.store.Save(ctx, next); err != nil {
		return StatusDropped, "dropped", nil, models.LocalStore("enqueue", err)
	}

	q.mu.Lock()
	q.entries[key] = next
	q.updateGaugesLocked()
	q.mu.Unlock()

	return StatusEnqueued, outcome, q.event(eventType, next, nil), nil
}

// Contains reports whether a mutation with m's key is queued and not yet
// acknowledged. Failed entries count until they are retried or dismissed.
func (q *Queue) Contains(m models.Mutation) bool {
	if m == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[m.DedupKey()]
	return ok && entry.Visible()
}

// Get returns a copy of the entry for key.
func (q *Queue) Get(key models.DedupKey) (*models.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[key]
	return entry.Clone(), ok
}

// Entries returns copies of every queued entry, oldest first.
func (q *Queue) Entries() []*models.QueueEntry {
	return q.snapshot(func(*models.QueueEntry) bool { return true })
}

// Pending returns entries waiting for or undergoing delivery, oldest first.
func (q *Queue) Pending() []*models.QueueEntry {
	return q.snapshot(func(e *models.QueueEntry) bool {
		return e.Status == models.QueueEntryStatusPending || e.Status == models.QueueEntryStatusInFlight
	})
}

// Failed returns entries that failed terminally, oldest first.
func (q *Queue) Failed() []*models.QueueEntry {
	return q.snapshot(func(e *models.QueueEntry) bool {
		return e.Status == models.QueueEntryStatusFailed
	})
}

func (q *Queue) snapshot(keep func(*models.QueueEntry) bool) []*models.QueueEntry {
	q.mu.Lock()
	out := make([]*models.QueueEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		if keep(entry) {
			out = append(out, entry.Clone())
		}
	}
	q.mu.Unlock()

	sortEntries(out)
	return out
}

// Retry moves a Failed entry back to pending with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, key models.DedupKey) error {
	unlock := q.locks.lock(key)
	entry, err := q.failedEntry(key)
	if err != nil {
		unlock()
		return err
	}

	entry.Status = models.QueueEntryStatusPending
	entry.Attempts = 0
	entry.NextAttemptAt = time.Time{}
	entry.LastError = ""
	entry.ErrorKind = ""
	if err := q.store.Save(ctx, entry); err != nil {
		unlock()
		return models.LocalStore("retry", err)
	}

	q.mu.Lock()
	q.entries[key] = entry
	q.updateGaugesLocked()
	q.mu.Unlock()
	unlock()

	q.logger.Info().Str("key", string(key)).Msg("retrying failed mutation")
	q.publish(ctx, q.event(models.EventTypeMutationEnqueued, entry, nil))
	q.signal()
	return nil
}

// Dismiss discards a Failed entry.
func (q *Queue) Dismiss(ctx context.Context, key models.DedupKey) error {
	unlock := q.locks.lock(key)
	entry, err := q.failedEntry(key)
	if err != nil {
		unlock()
		return err
	}

	if err := q.store.Delete(ctx, entry.ID); err != nil {
		unlock()
		return models.LocalStore("dismiss", err)
	}

	q.mu.Lock()
	delete(q.entries, key)
	q.updateGaugesLocked()
	q.mu.Unlock()
	unlock()

	q.logger.Info().Str("key", string(key)).Msg("dismissed failed mutation")
	q.publish(ctx, q.event(models.EventTypeMutationDismissed, entry, nil))
	return nil
}

func (q *Queue) failedEntry(key models.DedupKey) (*models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if entry.Status != models.QueueEntryStatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrEntryNotFailed, key, entry.Status)
	}
	return entry.Clone(), nil
}

// Changes returns a stream of membership events (mutation.*). Consumers
// re-read Entries on every event.
func (q *Queue) Changes(buffer int) (*events.Stream, error) {
	return q.publisher.Listen(events.Filter{
		EntityTypes: []models.EntityType{models.EntityTypeMutation},
	}, buffer)
}

func (q *Queue) event(eventType models.EventType, entry *models.QueueEntry, cause error) *models.Event {
	payload := models.MutationEventPayload{
		EntryID:   entry.ID,
		Kind:      entry.Mutation.Kind(),
		Attempts:  entry.Attempts,
		ErrorKind: entry.ErrorKind,
	}
	if cause != nil {
		payload.Error = logging.Redact(cause.Error())
	}
	if eventType == models.EventTypeMutationRetrying && !entry.NextAttemptAt.IsZero() {
		at := entry.NextAttemptAt
		payload.RetryAt = &at
	}

	data, err := json.Marshal(payload)
	if err != nil {
		q.logger.Warn().Err(err).Msg("failed to marshal mutation event payload")
	}
	return &models.Event{
		Type:       eventType,
		EntityType: models.EntityTypeMutation,
		EntityID:   string(entry.Key),
		Payload:    data,
	}
}

func (q *Queue) publish(ctx context.Context, evt *models.Event) {
	if evt == nil {
		return
	}
	q.publisher.Publish(context.WithoutCancel(ctx), evt)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) updateGaugesLocked() {
	var pending, inFlight, failed int
	for _, entry := range q.entries {
		switch entry.Status {
		case models.QueueEntryStatusPending:
			pending++
		case models.QueueEntryStatusInFlight:
			inFlight++
		case models.QueueEntryStatusFailed:
			failed++
		}
	}
	q.metrics.Pending.Set(float64(pending))
	q.metrics.InFlight.Set(float64(inFlight))
	q.metrics.Failed.Set(float64(failed))
}

func sortEntries(entries []*models.QueueEntry) {
	slices.SortFunc(entries, func(a, b *models.QueueEntry) int {
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		if a.Key < b.Key {
			return -1
		}
		if a.Key > b.Key {
			return 1
		}
		return 0
	})
}

// keyLocks hands out one mutex per dedup key so unrelated keys never wait
// on each other.
type keyLocks struct {
	mu    sync.Mutex
	locks map[models.DedupKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key models.DedupKey) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
