package writequeue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/remote"
)

// Start loads the queue if needed and begins draining.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	loaded := q.loaded
	q.mu.Unlock()
	if !loaded {
		if err := q.Load(ctx); err != nil {
			return err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.running {
		return ErrAlreadyRunning
	}

	q.ctx, q.cancel = context.WithCancel(ctx)
	q.running = true

	q.logger.Info().
		Int("workers", q.cfg.Workers).
		Int("max_attempts", q.cfg.MaxAttempts).
		Dur("base_backoff", q.cfg.BaseBackoff).
		Float64("submit_rate", q.cfg.SubmitRate).
		Msg("write queue starting")

	q.wg.Add(1)
	go q.runLoop()
	return nil
}

// Close stops draining and waits for in-flight deliveries to settle.
// Entries interrupted by Close go back to pending and are retried after the
// next Load. Close is safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	running := q.running
	q.running = false
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	q.wg.Wait()
	if running {
		q.logger.Info().Msg("write queue stopped")
	}
	return nil
}

// Drain delivers every ready entry once and waits for the deliveries to
// settle, without starting the background loop. It returns how many
// entries were handed to the submitter. Entries that could not be sent
// before ctx ended stay pending.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		return 0, ErrQueueClosed
	case !q.loaded:
		q.mu.Unlock()
		return 0, ErrNotLoaded
	case q.running:
		q.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	cancel := q.cancel
	q.mu.Unlock()
	defer cancel()

	q.unsent.Store(0)
	started, _ := q.dispatchReady()
	q.wg.Wait()
	return started - int(q.unsent.Load()), nil
}

// runLoop is the main drain loop.
func (q *Queue) runLoop() {
	defer q.wg.Done()

	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()

	for {
		_, next := q.dispatchReady()

		wait := q.cfg.PollInterval
		if !next.IsZero() {
			wait = min(wait, max(next.Sub(q.now()), time.Millisecond))
		}
		timer.Reset(wait)

		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// dispatchReady starts deliveries for ready entries, oldest first, while
// workers are available. It returns how many were started and the earliest
// time a waiting entry becomes ready.
func (q *Queue) dispatchReady() (int, time.Time) {
	now := q.now()
	var ready []*models.QueueEntry
	var next time.Time

	q.mu.Lock()
	for _, entry := range q.entries {
		switch {
		case entry.Ready(now):
			ready = append(ready, entry.Clone())
		case entry.Status == models.QueueEntryStatusPending:
			if next.IsZero() || entry.NextAttemptAt.Before(next) {
				next = entry.NextAttemptAt
			}
		}
	}
	q.mu.Unlock()
	sortEntries(ready)

	started := 0
	for _, candidate := range ready {
		if !q.sem.TryAcquire(1) {
			// A finishing worker signals the loop.
			break
		}
		entry, ok := q.claim(candidate)
		if !ok {
			q.sem.Release(1)
			continue
		}

		q.mu.Lock()
		if q.closed && q.ctx.Err() != nil {
			q.mu.Unlock()
			q.sem.Release(1)
			break
		}
		q.wg.Add(1)
		ctx := q.ctx
		q.mu.Unlock()

		started++
		go q.deliver(ctx, entry)
	}
	return started, next
}

// claim marks an entry in flight under its key lock. It fails when the entry
// changed since the snapshot was taken.
func (q *Queue) claim(candidate *models.QueueEntry) (*models.QueueEntry, bool) {
	unlock := q.locks.lock(candidate.Key)
	defer unlock()

	q.mu.Lock()
	current, ok := q.entries[candidate.Key]
	if !ok || current.ID != candidate.ID || !current.Ready(q.now()) {
		q.mu.Unlock()
		return nil, false
	}
	entry := current.Clone()
	q.mu.Unlock()

	entry.Status = models.QueueEntryStatusInFlight
	entry.Attempts++
	if err := q.store.Save(context.WithoutCancel(q.ctx), entry); err != nil {
		q.logger.Warn().Err(err).Str("key", string(entry.Key)).Msg("failed to mark entry in flight")
		q.mu.Lock()
		if current, ok := q.entries[candidate.Key]; ok && current.ID == candidate.ID {
			current.NextAttemptAt = q.now().Add(q.cfg.BaseBackoff)
		}
		q.mu.Unlock()
		return nil, false
	}

	q.mu.Lock()
	q.entries[entry.Key] = entry
	q.updateGaugesLocked()
	q.mu.Unlock()
	return entry.Clone(), true
}

// deliver submits one entry and settles the outcome.
func (q *Queue) deliver(ctx context.Context, entry *models.QueueEntry) {
	defer q.wg.Done()
	defer q.signal()
	defer q.sem.Release(1)

	if err := q.limiter.Wait(ctx); err != nil {
		q.release(entry, false, err)
		return
	}

	var (
		receipt remote.Receipt
		err     error
	)
	switch entry.Mutation.(type) {
	case models.Like, models.Repost, models.Send, models.React, models.Connection, models.Post:
		start := time.Now()
		dctx, cancel := context.WithTimeout(ctx, q.cfg.DeliveryTimeout)
		receipt, err = q.submitter.Submit(dctx, entry.Mutation)
		cancel()
		q.metrics.DeliverySeconds.Observe(time.Since(start).Seconds())
	default:
		err = models.Rejected("deliver", fmt.Errorf("%w: %T", models.ErrUnknownMutationKind, entry.Mutation))
	}

	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// The outcome is unknown. Remote acks are idempotent, so the entry is
		// simply delivered again later.
		q.release(entry, true, err)
		return
	}
	q.settle(ctx, entry, receipt, err)
}

// release returns a claimed entry to pending when its delivery was cut short
// by the caller's context. An entry that never reached the submitter gets
// its attempt back and stays ready. One that did is retried after the
// usual backoff.
func (q *Queue) release(claimed *models.QueueEntry, submitted bool, cause error) {
	if !submitted {
		q.unsent.Add(1)
	}

	unlock := q.locks.lock(claimed.Key)
	defer unlock()

	q.mu.Lock()
	current, ok := q.entries[claimed.Key]
	if !ok || current.ID != claimed.ID || current.Status != models.QueueEntryStatusInFlight {
		q.mu.Unlock()
		return
	}
	entry := current.Clone()
	q.mu.Unlock()

	entry.Status = models.QueueEntryStatusPending
	if submitted {
		entry.NextAttemptAt = q.now().Add(q.cfg.backoff(entry.Attempts))
	} else {
		entry.Attempts = max(entry.Attempts-1, 0)
	}
	if err := q.store.Save(context.WithoutCancel(q.ctx), entry); err != nil {
		// The row stays in flight and Load puts it back to pending.
		q.logger.Warn().Err(err).Str("key", string(entry.Key)).Msg("failed to release entry")
	}

	q.mu.Lock()
	q.entries[entry.Key] = entry
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.logger.Debug().Err(cause).
		Str("key", string(entry.Key)).
		Bool("submitted", submitted).
		Msg("delivery interrupted, entry released")
}

func (q *Queue) settle(ctx context.Context, delivered *models.QueueEntry, receipt remote.Receipt, deliveryErr error) {
	ctx = context.WithoutCancel(ctx)
	key := delivered.Key
	kind := string(delivered.Mutation.Kind())

	unlock := q.locks.lock(key)
	q.mu.Lock()
	current, ok := q.entries[key]
	if ok {
		current = current.Clone()
	}
	q.mu.Unlock()
	if !ok || current.ID != delivered.ID {
		unlock()
		q.logger.Warn().Str("key", string(key)).Msg("delivered entry is no longer queued")
		return
	}

	var evts []*models.Event
	var next *models.QueueEntry // nil removes the key
	log := q.logger.With().Str("key", string(key)).Str("kind", kind).Int("attempt", current.Attempts).Logger()

	if deliveryErr == nil {
		q.metrics.Deliveries.WithLabelValues("acked", kind).Inc()
		ackedAt := q.now().UTC()
		if !receipt.AckedAt.IsZero() {
			ackedAt = receipt.AckedAt
		}
		evts = append(evts, q.event(models.EventTypeMutationDelivered, current, nil))
		log.Debug().Bool("duplicate", receipt.Duplicate).Str("uri", receipt.URI).Msg("mutation delivered")

		if current.Successor != nil {
			// Saving the successor replaces the delivered row in one write.
			next = promote(current)
		} else if err := q.store.MarkAcked(ctx, current.ID, ackedAt); err != nil {
			// The ack must be durable before the row goes away, otherwise a
			// crash in between resubmits.
			log.Warn().Err(err).Msg("failed to record ack")
		}
	} else {
		errKind := models.KindOf(deliveryErr)
		retryable := models.IsRetryable(deliveryErr)

		switch {
		case current.Successor != nil:
			// The newer payload replaces the one that failed.
			q.metrics.Deliveries.WithLabelValues("superseded", kind).Inc()
			log.Debug().Err(deliveryErr).Msg("delivery failed, promoting successor")
			next = promote(current)

		case retryable && current.Attempts < q.cfg.MaxAttempts:
			q.metrics.Deliveries.WithLabelValues("retry", kind).Inc()
			next = current
			next.Status = models.QueueEntryStatusPending
			next.NextAttemptAt = q.now().Add(q.cfg.backoff(current.Attempts))
			next.LastError = deliveryErr.Error()
			next.ErrorKind = errKind
			evts = append(evts, q.event(models.EventTypeMutationRetrying, next, deliveryErr))
			log.Debug().Err(deliveryErr).Time("retry_at", next.NextAttemptAt).Msg("delivery failed, retrying")

		default:
			q.metrics.Deliveries.WithLabelValues("failed", kind).Inc()
			next = current
			next.Status = models.QueueEntryStatusFailed
			next.LastError = deliveryErr.Error()
			next.ErrorKind = errKind
			evts = append(evts, q.event(models.EventTypeMutationFailed, next, deliveryErr))
			log.Warn().Err(deliveryErr).Str("error_kind", string(errKind)).Msg("delivery failed")
		}
	}

	if next == nil {
		if err := q.store.Delete(ctx, current.ID); err != nil {
			log.Warn().Err(err).Msg("failed to delete delivered entry")
		}
	} else if err := q.store.Save(ctx, next); err != nil {
		log.Warn().Err(err).Msg("failed to persist entry")
	}

	q.mu.Lock()
	if next == nil {
		delete(q.entries, key)
	} else {
		q.entries[key] = next
	}
	q.updateGaugesLocked()
	q.mu.Unlock()
	unlock()

	if next != nil && next.ID != current.ID {
		evts = append(evts, q.event(models.EventTypeMutationEnqueued, next, nil))
	}
	for _, evt := range evts {
		q.publish(ctx, evt)
	}
}

// promote turns an entry's successor into a fresh pending entry that keeps
// the original queue position.
func promote(entry *models.QueueEntry) *models.QueueEntry {
	return &models.QueueEntry{
		ID:         uuid.New().String(),
		Key:        entry.Key,
		Mutation:   entry.Successor,
		EnqueuedAt: entry.EnqueuedAt,
		Status:     models.QueueEntryStatusPending,
	}
}
