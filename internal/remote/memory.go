package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tunjid/heron-sub003/internal/cursor"
	"github.com/tunjid/heron-sub003/internal/models"
)

// Faults configures failure injection on a MemoryBackend.
type Faults struct {
	FetchLatency  time.Duration
	SubmitLatency time.Duration

	// FailFetchEvery fails every Nth fetch with ErrUnavailable. Zero disables.
	FailFetchEvery int
	// FailSubmitEvery fails every Nth submit with ErrUnavailable. Zero disables.
	FailSubmitEvery int

	// RejectKinds makes submits of these kinds fail permanently.
	RejectKinds []models.MutationKind
}

// MemoryBackend is an in-memory remote. Submitted mutations are applied to
// its feeds so that later fetches return confirmed items echoing the
// mutation's dedup key.
type MemoryBackend struct {
	mu sync.Mutex

	viewer    string
	postFeeds []string
	now       func() time.Time

	// feeds are kept sorted newest first.
	feeds   map[string][]models.Item
	applied map[models.DedupKey]models.Mutation
	log     []models.Mutation

	likes     map[string]bool
	follows   map[string]bool
	reactions map[string]bool

	faults       Faults
	fetches      int
	submits      int
	fetchErrors  []error
	submitErrors []error
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithViewer sets the author of items created by submitted mutations.
func WithViewer(viewer string) MemoryOption {
	return func(b *MemoryBackend) { b.viewer = viewer }
}

// WithPostFeeds sets the feeds new posts and reposts are published to.
func WithPostFeeds(feeds ...string) MemoryOption {
	return func(b *MemoryBackend) { b.postFeeds = feeds }
}

// WithBackendClock overrides the backend's clock.
func WithBackendClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) { b.now = now }
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		viewer:    "did:example:viewer",
		now:       time.Now,
		feeds:     make(map[string][]models.Item),
		applied:   make(map[models.DedupKey]models.Mutation),
		likes:     make(map[string]bool),
		follows:   make(map[string]bool),
		reactions: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.postFeeds) == 0 {
		b.postFeeds = []string{models.FeedHome, models.AuthorFeed(b.viewer)}
	}
	return b
}

// Seed adds items to their feeds.
func (b *MemoryBackend) Seed(items ...models.Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, item := range items {
		b.insertLocked(item)
	}
}

// SetFaults replaces the failure injection settings.
func (b *MemoryBackend) SetFaults(f Faults) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = f
}

// FailNextFetch queues an error returned by the next fetch.
func (b *MemoryBackend) FailNextFetch(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErrors = append(b.fetchErrors, err)
}

// FailNextSubmit queues an error returned by the next submit.
func (b *MemoryBackend) FailNextSubmit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErrors = append(b.submitErrors, err)
}

// FetchPage implements Fetcher. Items of the query's feed at or before the
// anchor are returned newest first.
func (b *MemoryBackend) FetchPage(ctx context.Context, query cursor.Query, token string) ([]models.Item, string, error) {
	b.mu.Lock()
	b.fetches++
	latency := b.faults.FetchLatency
	err := b.injectedLocked(&b.fetchErrors, b.faults.FailFetchEvery, b.fetches)
	b.mu.Unlock()

	if err := wait(ctx, latency); err != nil {
		return nil, "", err
	}
	if err != nil {
		return nil, "", err
	}

	offset := query.PageIndex * query.Limit
	if token != "" {
		anchor, tokenOffset, err := decodeToken(token)
		if err != nil {
			return nil, "", err
		}
		if !anchor.Equal(query.Anchor) {
			return nil, "", fmt.Errorf("%w: token anchored at %s", ErrInvalidToken, anchor)
		}
		offset = tokenOffset
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	feed := query.Filter("feed")
	kind := query.Filter("kind")
	var window []models.Item
	for _, item := range b.feeds[feed] {
		if item.SortAt.After(query.Anchor) {
			continue
		}
		if kind != "" && string(item.Kind) != kind {
			continue
		}
		window = append(window, item)
	}

	if offset >= len(window) {
		return []models.Item{}, "", nil
	}
	end := min(offset+query.Limit, len(window))
	page := models.CloneItems(window[offset:end])

	next := ""
	if end < len(window) {
		next = encodeToken(query.Anchor, end)
	}
	return page, next, nil
}

// Submit implements Submitter.
func (b *MemoryBackend) Submit(ctx context.Context, m models.Mutation) (Receipt, error) {
	if err := m.Validate(); err != nil {
		return Receipt{}, err
	}

	b.mu.Lock()
	b.submits++
	latency := b.faults.SubmitLatency
	err := b.injectedLocked(&b.submitErrors, b.faults.FailSubmitEvery, b.submits)
	if err == nil && slices.Contains(b.faults.RejectKinds, m.Kind()) {
		err = models.Rejected("submit", fmt.Errorf("%s mutations are not accepted", m.Kind()))
	}
	b.mu.Unlock()

	if err := wait(ctx, latency); err != nil {
		return Receipt{}, err
	}
	if err != nil {
		return Receipt{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := m.DedupKey()
	if prev, ok := b.applied[key]; ok && models.SamePayload(prev, m) {
		return Receipt{AckedAt: b.now().UTC(), Duplicate: true}, nil
	}

	receipt := Receipt{AckedAt: b.now().UTC()}
	receipt.URI = b.applyLocked(m, receipt.AckedAt)
	b.applied[key] = m
	b.log = append(b.log, m)
	return receipt, nil
}

func (b *MemoryBackend) applyLocked(m models.Mutation, at time.Time) string {
	key := string(m.DedupKey())
	switch v := m.(type) {
	case models.Like:
		b.likes[v.PostURI] = !v.Undo
	case models.Connection:
		b.follows[v.ProfileID] = v.Follow
	case models.React:
		b.reactions[fmt.Sprintf("%s/%s/%s", v.ConversationID, v.MessageID, v.Emoji)] = !v.Remove
	case models.Send:
		b.removeByRefLocked(key)
		item := models.Item{
			URI:       fmt.Sprintf("at://%s/message/%s", v.ConversationID, uuid.New().String()),
			Feed:      models.ConversationFeed(v.ConversationID),
			Kind:      models.ItemKindMessage,
			Author:    b.viewer,
			ClientRef: key,
			Body:      v.Text,
			SortAt:    at,
			IndexedAt: at,
		}
		b.insertLocked(item)
		return item.URI
	case models.Post:
		b.removeByRefLocked(key)
		uri := fmt.Sprintf("at://%s/post/%s", b.viewer, uuid.New().String())
		for _, feed := range b.postFeeds {
			b.insertLocked(models.Item{
				URI:       uri,
				Feed:      feed,
				Kind:      models.ItemKindPost,
				Author:    b.viewer,
				Subject:   v.ReplyTo,
				ClientRef: key,
				Body:      v.Text,
				SortAt:    at,
				IndexedAt: at,
			})
		}
		return uri
	case models.Repost:
		b.removeByRefLocked(key)
		if v.Undo {
			return ""
		}
		uri := fmt.Sprintf("at://%s/repost/%s", b.viewer, uuid.New().String())
		for _, feed := range b.postFeeds {
			b.insertLocked(models.Item{
				URI:       uri,
				Feed:      feed,
				Kind:      models.ItemKindRepost,
				Author:    b.viewer,
				Subject:   v.PostURI,
				ClientRef: key,
				SortAt:    at,
				IndexedAt: at,
			})
		}
		return uri
	}
	return ""
}

func (b *MemoryBackend) insertLocked(item models.Item) {
	items := b.feeds[item.Feed]
	items = slices.DeleteFunc(items, func(existing models.Item) bool { return existing.URI == item.URI })
	idx, _ := slices.BinarySearchFunc(items, item, func(a, target models.Item) int {
		if c := target.SortAt.Compare(a.SortAt); c != 0 {
			return c
		}
		return strings.Compare(target.URI, a.URI)
	})
	b.feeds[item.Feed] = slices.Insert(items, idx, item)
}

func (b *MemoryBackend) removeByRefLocked(ref string) {
	for feed, items := range b.feeds {
		b.feeds[feed] = slices.DeleteFunc(items, func(item models.Item) bool { return item.ClientRef == ref })
	}
}

func (b *MemoryBackend) injectedLocked(queued *[]error, every, count int) error {
	if len(*queued) > 0 {
		err := (*queued)[0]
		*queued = (*queued)[1:]
		return err
	}
	if every > 0 && count%every == 0 {
		return ErrUnavailable
	}
	return nil
}

// Items returns a copy of a feed, newest first.
func (b *MemoryBackend) Items(feed string) []models.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.CloneItems(b.feeds[feed])
}

// Applied returns the mutations applied so far, in order.
func (b *MemoryBackend) Applied() []models.Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.log)
}

// Liked reports whether the viewer currently likes uri.
func (b *MemoryBackend) Liked(uri string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.likes[uri]
}

// Following reports whether the viewer currently follows profileID.
func (b *MemoryBackend) Following(profileID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.follows[profileID]
}

// Calls returns how many fetches and submits were received.
func (b *MemoryBackend) Calls() (fetches, submits int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches, b.submits
}

func encodeToken(anchor time.Time, offset int) string {
	raw := strconv.FormatInt(anchor.UnixNano(), 10) + ":" + strconv.Itoa(offset)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeToken(token string) (time.Time, int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	anchorPart, offsetPart, ok := strings.Cut(string(raw), ":")
	if !ok {
		return time.Time{}, 0, ErrInvalidToken
	}
	nanos, err := strconv.ParseInt(anchorPart, 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	offset, err := strconv.Atoi(offsetPart)
	if err != nil || offset < 0 {
		return time.Time{}, 0, ErrInvalidToken
	}
	return time.Unix(0, nanos).UTC(), offset, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
