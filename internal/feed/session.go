// Package feed exposes one feed to the presentation layer: the reconciled
// list, its status, the actions that drive loading and the write queue.
package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunjid/heron-sub003/internal/cursor"
	"github.com/tunjid/heron-sub003/internal/db"
	"github.com/tunjid/heron-sub003/internal/events"
	"github.com/tunjid/heron-sub003/internal/logging"
	"github.com/tunjid/heron-sub003/internal/metrics"
	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/reconcile"
	"github.com/tunjid/heron-sub003/internal/remote"
	"github.com/tunjid/heron-sub003/internal/tiling"
	"github.com/tunjid/heron-sub003/internal/writequeue"
)

// Session errors.
var (
	ErrSessionClosed  = errors.New("feed session closed")
	ErrSessionStarted = errors.New("feed session already started")
)

// Config configures a Session.
type Config struct {
	// Feed is the feed name, e.g. "home" or "conversation:<id>".
	Feed string

	// Viewer authors optimistic items.
	Viewer string

	// PageSize is the limit of every page query.
	// Default: cursor.DefaultLimit
	PageSize int

	// Kinds are the mutation kinds rendered optimistically in this feed.
	// Default: sends for conversation feeds, posts and reposts otherwise.
	Kinds []models.MutationKind

	// Edge is the terminal edge of the feed.
	Edge reconcile.Edge

	// RefreshOnDelivery refreshes the feed when a mutation rendered in it
	// is delivered, so the confirmed item arrives promptly.
	RefreshOnDelivery bool

	// Hold is how long a delivered mutation keeps rendering while its
	// confirmed item is not fetched yet.
	// Default: reconcile.DefaultHold
	Hold time.Duration

	Engine tiling.EngineConfig
}

// Option configures a Session.
type Option func(*Session)

// WithPublisher sets the publisher the engine reports to. Pass the
// publisher backed by the event log to persist feed events.
func WithPublisher(p *events.InMemoryPublisher) Option {
	return func(s *Session) { s.pub = p }
}

// WithMetrics sets the tiling collectors.
func WithMetrics(m *metrics.Tiling) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is the presentation contract of one feed.
type Session struct {
	cfg        Config
	engine     *tiling.Engine[models.Item]
	queue      *writequeue.Queue
	reconciler *reconcile.Reconciler
	pub        *events.InMemoryPublisher
	metrics    *metrics.Tiling
	now        func() time.Time
	logger     zerolog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	streams []*events.Stream
	wg      sync.WaitGroup
}

// NewSession wires an engine over local and fetcher to queue. The queue is
// shared between sessions and is not owned by the session.
func NewSession(local tiling.LocalStore[models.Item], fetcher remote.Fetcher, queue *writequeue.Queue, cfg Config, opts ...Option) (*Session, error) {
	if cfg.Feed == "" {
		return nil, fmt.Errorf("feed session: %w", models.ErrItemFeedRequired)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = cursor.DefaultLimit
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = defaultKinds(cfg.Feed)
	}
	if cfg.Hold == 0 {
		cfg.Hold = reconcile.DefaultHold
	}
	if cfg.Engine.Name == "" {
		cfg.Engine.Name = cfg.Feed
	}

	s := &Session{
		cfg:    cfg,
		queue:  queue,
		now:    time.Now,
		logger: logging.WithFeed("feed-session", cfg.Feed),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pub == nil {
		s.pub = events.NewInMemoryPublisher(events.WithLogger(s.logger))
	}
	if s.metrics == nil {
		s.metrics = metrics.NewTiling(nil, cfg.Feed)
	}

	initial := cursor.New(cfg.PageSize, map[string]string{db.FilterFeed: cfg.Feed}, s.now())
	s.engine = tiling.NewEngine[models.Item](local, fetcher, models.ItemKey, initial, cfg.Engine,
		tiling.WithPublisher(s.pub),
		tiling.WithMetrics(s.metrics),
		tiling.WithClock(s.now),
	)
	s.reconciler = reconcile.New(s.engine, queue, s.options(initial),
		reconcile.WithHold(cfg.Hold),
		reconcile.WithClock(s.now),
	)
	return s, nil
}

func defaultKinds(feed string) []models.MutationKind {
	if strings.HasPrefix(feed, models.ConversationFeed("")) {
		return []models.MutationKind{models.MutationKindSend}
	}
	return []models.MutationKind{models.MutationKindPost, models.MutationKindRepost}
}

func (s *Session) options(query cursor.Query) reconcile.Options {
	return reconcile.Options{
		Feed:   s.cfg.Feed,
		Viewer: s.cfg.Viewer,
		Kinds:  s.cfg.Kinds,
		Edge:   s.cfg.Edge,
		Query:  query,
	}
}

// Start subscribes the reconciler to engine and queue updates.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.started {
		return ErrSessionStarted
	}

	feedEvents, err := s.pub.Listen(events.Filter{
		EntityTypes: []models.EntityType{models.EntityTypeFeed},
		EntityID:    s.engine.Name(),
	}, 64)
	if err != nil {
		return fmt.Errorf("listen feed events: %w", err)
	}
	queueEvents, err := s.queue.Changes(64)
	if err != nil {
		feedEvents.Close()
		return fmt.Errorf("listen queue events: %w", err)
	}
	s.streams = []*events.Stream{feedEvents, queueEvents}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	// The reconciler sees every queue event first; delivery refreshes
	// are driven from a copy.
	forward := make(chan *models.Event, 64)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer close(forward)
		for evt := range queueEvents.C() {
			select {
			case forward <- evt:
			case <-runCtx.Done():
				return
			}
			s.onQueueEvent(runCtx, evt)
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.reconciler.Run(runCtx, feedEvents.C(), forward); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Msg("reconciler stopped")
		}
	}()

	s.logger.Info().Str("viewer", s.cfg.Viewer).Int("page_size", s.cfg.PageSize).Msg("feed session started")
	return nil
}

func (s *Session) onQueueEvent(ctx context.Context, evt *models.Event) {
	if !s.cfg.RefreshOnDelivery || evt.Type != models.EventTypeMutationDelivered {
		return
	}
	if !s.renders(models.DedupKey(evt.EntityID)) {
		return
	}
	s.logger.Debug().Str("key", evt.EntityID).Msg("refreshing after delivery")
	if err := s.Dispatch(ctx, tiling.RefreshAction{}); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug().Err(err).Msg("refresh after delivery failed")
	}
}

// renders reports whether key belongs to a mutation kind this feed renders.
func (s *Session) renders(key models.DedupKey) bool {
	for _, kind := range s.cfg.Kinds {
		if strings.HasPrefix(string(key), string(kind)+":") {
			return true
		}
	}
	return false
}

// CurrentList returns the reconciled list: the engine's list with every
// undelivered mutation of this feed spliced in.
func (s *Session) CurrentList() tiling.List[models.Item] {
	return s.reconciler.Snapshot()
}

// Status returns the tiling status.
func (s *Session) Status() tiling.Status {
	return s.engine.Status()
}

// Query returns the query the feed is anchored on.
func (s *Session) Query() cursor.Query {
	return s.engine.Query()
}

// Dispatch applies a presentation action.
func (s *Session) Dispatch(ctx context.Context, a tiling.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	if err := s.engine.Dispatch(ctx, a); err != nil {
		return err
	}
	if _, ok := a.(tiling.RefreshAction); ok {
		s.reconciler.SetOptions(s.options(s.engine.Query()))
	}
	return nil
}

// Enqueue records a mutation in the write queue.
func (s *Session) Enqueue(ctx context.Context, m models.Mutation) (writequeue.Status, error) {
	return s.queue.Enqueue(ctx, m)
}

// Contains reports whether m is still waiting for delivery.
func (s *Session) Contains(m models.Mutation) bool {
	return s.queue.Contains(m)
}

// Failed returns the failed entries rendered in this feed.
func (s *Session) Failed() []*models.QueueEntry {
	failed := s.queue.Failed()
	return slices.DeleteFunc(failed, func(entry *models.QueueEntry) bool {
		_, ok := reconcile.Synthesize(entry, s.options(s.engine.Query()))
		return !ok
	})
}

// Updates signals whenever the reconciled list may have changed. Signals
// coalesce; read CurrentList after each one.
func (s *Session) Updates() <-chan struct{} {
	return s.reconciler.Updates()
}

// Errors delivers fetch failures for transient banners and refresh errors.
func (s *Session) Errors() <-chan *tiling.FetchError {
	return s.engine.Errors()
}

// Close stops the session and its engine. The write queue keeps running.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	streams := s.streams
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, stream := range streams {
		stream.Close()
	}
	s.engine.Close()
	s.wg.Wait()
	s.logger.Info().Msg("feed session closed")
}
