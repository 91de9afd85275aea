package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunjid/heron-sub003/internal/logging"
	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/tiling"
)

// DefaultHold is how long a delivered entry keeps rendering while the
// confirmed item has not reached the list yet.
const DefaultHold = 30 * time.Second

// ListSource is the tiling engine side of the reconciler.
type ListSource interface {
	List() tiling.List[models.Item]
}

// EntrySource is the write queue side of the reconciler.
type EntrySource interface {
	Entries() []*models.QueueEntry
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithHold sets how long delivered entries keep rendering. Zero disables
// holding.
func WithHold(d time.Duration) Option {
	return func(r *Reconciler) { r.hold = d }
}

// WithClock overrides the reconciler's clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler keeps the reconciled list of one feed current.
//
// An entry leaves the write queue as soon as the remote acknowledges it,
// which is usually before the confirmed item has been fetched. The
// reconciler keeps rendering such an entry until the confirmed item shows
// up in the list or the hold expires.
type Reconciler struct {
	list    ListSource
	entries EntrySource
	logger  zerolog.Logger
	hold    time.Duration
	now     func() time.Time

	mu       sync.Mutex
	opts     Options
	seen     map[models.DedupKey]*models.QueueEntry
	awaiting map[models.DedupKey]awaitingEntry
	current  tiling.List[models.Item]
	version  uint64
	updates  chan struct{}
}

type awaitingEntry struct {
	entry   *models.QueueEntry
	expires time.Time
}

// New creates a reconciler over an engine and a queue.
func New(list ListSource, entries EntrySource, opts Options, options ...Option) *Reconciler {
	r := &Reconciler{
		list:     list,
		entries:  entries,
		opts:     opts,
		logger:   logging.WithFeed("reconciler", opts.Feed),
		hold:     DefaultHold,
		now:      time.Now,
		seen:     make(map[models.DedupKey]*models.QueueEntry),
		awaiting: make(map[models.DedupKey]awaitingEntry),
		updates:  make(chan struct{}, 1),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// SetOptions replaces the options, e.g. after a refresh re-anchored the
// feed, and recomputes.
func (r *Reconciler) SetOptions(opts Options) tiling.List[models.Item] {
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()
	return r.Recompute()
}

// Snapshot reconciles the current state of both sources without
// publishing the result.
func (r *Reconciler) Snapshot() tiling.List[models.Item] {
	list := r.list.List()
	entries := r.entries.Entries()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcileLocked(list, entries)
}

// Recompute rebuilds the reconciled list from the current state of both
// sources and notifies Updates.
func (r *Reconciler) Recompute() tiling.List[models.Item] {
	list := r.list.List()
	entries := r.entries.Entries()

	r.mu.Lock()
	out := r.reconcileLocked(list, entries)
	r.current = out
	r.version++
	version := r.version
	r.mu.Unlock()

	r.logger.Trace().Uint64("version", version).Int("items", out.Len()).Msg("reconciled")
	select {
	case r.updates <- struct{}{}:
	default:
	}
	return out
}

func (r *Reconciler) reconcileLocked(list tiling.List[models.Item], entries []*models.QueueEntry) tiling.List[models.Item] {
	queued := make(map[models.DedupKey]struct{}, len(entries))
	for _, entry := range entries {
		queued[entry.Key] = struct{}{}
		r.seen[entry.Key] = entry
	}

	if len(r.awaiting) > 0 {
		confirmed := make(map[string]struct{}, list.Len())
		for i := range list.Len() {
			if item := list.At(i); !item.Pending() {
				confirmed[item.Key()] = struct{}{}
			}
		}
		now := r.now()
		for key, held := range r.awaiting {
			_, requeued := queued[key]
			_, arrived := confirmed[string(key)]
			if requeued || arrived || now.After(held.expires) {
				delete(r.awaiting, key)
				continue
			}
			entries = append(entries, held.entry)
		}
	}
	return Reconcile(list, entries, r.opts)
}

// Observe updates hold state from a write queue event.
func (r *Reconciler) Observe(evt *models.Event) {
	if evt == nil || evt.EntityType != models.EntityTypeMutation {
		return
	}
	key := models.DedupKey(evt.EntityID)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch evt.Type {
	case models.EventTypeMutationDelivered:
		entry, ok := r.seen[key]
		delete(r.seen, key)
		if !ok || r.hold <= 0 {
			return
		}
		held := entry.Clone()
		held.Status = models.QueueEntryStatusInFlight
		r.awaiting[key] = awaitingEntry{entry: held, expires: r.now().Add(r.hold)}
	case models.EventTypeMutationDismissed:
		delete(r.seen, key)
		delete(r.awaiting, key)
	}
}

// Current returns the last reconciled list.
func (r *Reconciler) Current() tiling.List[models.Item] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Version increases with every Recompute.
func (r *Reconciler) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Updates signals after every Recompute. Signals coalesce; consumers read
// Current after each one.
func (r *Reconciler) Updates() <-chan struct{} {
	return r.updates
}

// Run recomputes on every event from the engine and from the queue until
// ctx is done or both channels are closed.
func (r *Reconciler) Run(ctx context.Context, feedEvents, queueEvents <-chan *models.Event) error {
	r.Recompute()
	for feedEvents != nil || queueEvents != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-feedEvents:
			if !ok {
				feedEvents = nil
				continue
			}
		case evt, ok := <-queueEvents:
			if !ok {
				queueEvents = nil
				continue
			}
			r.Observe(evt)
		}
		r.Recompute()
	}
	return nil
}
