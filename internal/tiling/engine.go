package tiling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tunjid/heron-sub003/internal/cursor"
	"github.com/tunjid/heron-sub003/internal/events"
	"github.com/tunjid/heron-sub003/internal/logging"
	"github.com/tunjid/heron-sub003/internal/metrics"
	"github.com/tunjid/heron-sub003/internal/models"
)

// Engine errors.
var (
	ErrEngineClosed  = errors.New("tiling engine closed")
	ErrQueryMismatch = errors.New("query does not belong to this feed")
)

// LocalStore is the durable store contract consumed by the engine.
type LocalStore[T any] interface {
	// Read returns the locally cached items of one page.
	Read(ctx context.Context, query cursor.Query) ([]T, error)
	// Upsert stores remote items.
	Upsert(ctx context.Context, items []T) error
}

// RemoteSource is the remote paginated fetch contract. token is the
// continuation returned with the previous page; it is empty for page 0.
// An empty next token marks the last page.
type RemoteSource[T any] interface {
	FetchPage(ctx context.Context, query cursor.Query, token string) (items []T, next string, err error)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Name identifies the feed in logs, metrics and events.
	Name string

	// AnchorTolerance is how far two anchors may drift and still address
	// the same page.
	AnchorTolerance time.Duration

	// PrefetchAhead and PrefetchBehind are how many pages past the visible
	// ones are kept resident.
	PrefetchAhead  int
	PrefetchBehind int

	// FetchTimeout bounds each remote fetch attempt.
	FetchTimeout time.Duration

	// FetchRetries is how many extra attempts a background fetch makes
	// after a transient failure. Refresh never retries.
	FetchRetries int
	FetchBackoff time.Duration

	// PersistRetries bounds attempts to store remote pages locally.
	PersistRetries int

	// ErrorBuffer is the capacity of the Errors channel.
	ErrorBuffer int
}

// DefaultEngineConfig returns sensible engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Name:            "feed",
		AnchorTolerance: time.Second,
		PrefetchAhead:   2,
		PrefetchBehind:  1,
		FetchTimeout:    15 * time.Second,
		FetchRetries:    2,
		FetchBackoff:    250 * time.Millisecond,
		PersistRetries:  3,
		ErrorBuffer:     16,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	defaults := DefaultEngineConfig()
	if c.Name == "" {
		c.Name = defaults.Name
	}
	if c.AnchorTolerance < 0 {
		c.AnchorTolerance = 0
	}
	if c.PrefetchAhead < 0 {
		c.PrefetchAhead = 0
	}
	if c.PrefetchBehind < 0 {
		c.PrefetchBehind = 0
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaults.FetchTimeout
	}
	if c.FetchRetries < 0 {
		c.FetchRetries = 0
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = defaults.FetchBackoff
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = defaults.PersistRetries
	}
	if c.ErrorBuffer <= 0 {
		c.ErrorBuffer = defaults.ErrorBuffer
	}
	return c
}

// FetchError is reported on the Errors channel.
type FetchError struct {
	Query   cursor.Query
	Kind    models.ErrorKind
	Err     error
	Refresh bool
	At      time.Time
}

func (e *FetchError) Error() string {
	op := "load"
	if e.Refresh {
		op = "refresh"
	}
	return fmt.Sprintf("%s page %d: %s: %v", op, e.Query.PageIndex, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	publisher events.Publisher
	metrics   *metrics.Tiling
	now       func() time.Time
	logger    *zerolog.Logger
}

// WithPublisher publishes tile merges, status changes and fetch failures.
func WithPublisher(p events.Publisher) EngineOption {
	return func(o *engineOptions) { o.publisher = p }
}

// WithMetrics sets the collectors the engine reports to.
func WithMetrics(m *metrics.Tiling) EngineOption {
	return func(o *engineOptions) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) { o.now = now }
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = &logger }
}

// Engine keeps a tiled list of one feed in sync with the local store and
// the remote. Reads never block on the network: LoadAround merges the local
// page immediately and the remote page whenever it arrives.
type Engine[T any] struct {
	cfg     EngineConfig
	local   LocalStore[T]
	remote  RemoteSource[T]
	key     func(T) string
	pub     events.Publisher
	metrics *metrics.Tiling
	now     func() time.Time
	logger  zerolog.Logger

	flight singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	raw         List[T]
	view        List[T]
	query       cursor.Query
	status      Status
	prior       Status
	refreshGen  uint64
	seq         uint64
	tokens      map[string]map[int]string
	lastPage    map[string]int
	deferred    map[string]cursor.Query
	inflight    map[string]*pendingFetch
	viewport    cursor.Range
	hasViewport bool
	closed      bool
	errs        chan *FetchError
}

type pendingFetch struct {
	query  cursor.Query
	cancel context.CancelFunc
}

type remoteResult[T any] struct {
	page    Page[T]
	persist *sync.Once
}

// NewEngine creates an engine positioned at initial. key identifies items
// for cross-tile dedup.
func NewEngine[T any](local LocalStore[T], remote RemoteSource[T], key func(T) string, initial cursor.Query, cfg EngineConfig, opts ...EngineOption) *Engine[T] {
	cfg = cfg.withDefaults()
	options := engineOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	if options.metrics == nil {
		options.metrics = metrics.NewTiling(nil, cfg.Name)
	}
	if options.publisher == nil {
		options.publisher = events.NewInMemoryPublisher()
	}
	logger := logging.WithFeed("tiling-engine", cfg.Name)
	if options.logger != nil {
		logger = *options.logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine[T]{
		cfg:      cfg,
		local:    local,
		remote:   remote,
		key:      key,
		pub:      options.publisher,
		metrics:  options.metrics,
		now:      options.now,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		query:    initial,
		status:   Initial(),
		tokens:   make(map[string]map[int]string),
		lastPage: make(map[string]int),
		deferred: make(map[string]cursor.Query),
		inflight: make(map[string]*pendingFetch),
		errs:     make(chan *FetchError, cfg.ErrorBuffer),
	}
}

// List returns the current deduplicated list.
func (e *Engine[T]) List() List[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// Status returns the current status.
func (e *Engine[T]) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Query returns the query the engine is anchored on.
func (e *Engine[T]) Query() cursor.Query {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.query
}

// Name returns the feed name.
func (e *Engine[T]) Name() string { return e.cfg.Name }

// Errors delivers fetch failures. It is closed by Close. Failures are
// dropped when nobody drains the channel.
func (e *Engine[T]) Errors() <-chan *FetchError { return e.errs }

// LastPage returns the last page index of the current anchor, if known.
func (e *Engine[T]) LastPage() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastPage[anchorKey(e.query)]
	return last, ok
}

// LoadAround makes query's page resident. The local page is read and
// merged before LoadAround returns; the remote page is fetched in the
// background, merged on arrival and persisted locally. A second LoadAround
// for a page already being fetched joins the outstanding fetch.
func (e *Engine[T]) LoadAround(ctx context.Context, query cursor.Query) error {
	if err := query.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if !query.SameFeed(e.query) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueryMismatch, query)
	}
	if cursor.AnchorsWithin(query.Anchor, e.query.Anchor, e.cfg.AnchorTolerance) {
		query.Anchor = e.query.Anchor
	}
	e.mu.Unlock()

	started := e.now()
	items, err := e.local.Read(ctx, query)
	e.metrics.FetchSeconds.WithLabelValues(SourceLocal.String()).Observe(e.now().Sub(started).Seconds())
	if err != nil {
		e.metrics.Fetches.WithLabelValues(SourceLocal.String(), "error").Inc()
		err = models.LocalStore("read page", err)
		e.report(query, err, false)
		return err
	}
	e.metrics.Fetches.WithLabelValues(SourceLocal.String(), "ok").Inc()

	// An empty local page is not merged so the slot keeps reading as
	// missing until the remote answers.
	if len(items) > 0 {
		e.mu.Lock()
		page := Page[T]{Query: query, Items: items, Source: SourceLocal, Seq: e.nextSeqLocked()}
		outcome := e.mergeLocked(page)
		e.mu.Unlock()
		e.publishMerged(page, outcome)
	}

	e.fetchRemote(query)
	return nil
}

// fetchRemote starts the background remote fetch for query unless one is
// already outstanding, the page is past the end of the feed, or the
// continuation token is not known yet.
func (e *Engine[T]) fetchRemote(query cursor.Query) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if last, ok := e.lastPage[anchorKey(query)]; ok && query.PageIndex > last {
		return
	}
	key := query.Key()
	if _, busy := e.inflight[key]; busy {
		e.metrics.Coalesced.Inc()
		return
	}
	token, ok := e.tokenLocked(query)
	if !ok {
		e.deferred[key] = query
		e.logger.Debug().Int("page", query.PageIndex).Msg("remote fetch deferred until previous page arrives")
		return
	}

	ctx, cancel := context.WithCancel(e.ctx)
	pending := &pendingFetch{query: query, cancel: cancel}
	e.inflight[key] = pending

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		v, err, shared := e.flight.Do(key, func() (any, error) {
			return e.fetchPage(ctx, query, token, e.cfg.FetchRetries)
		})
		if shared {
			e.metrics.Coalesced.Inc()
		}

		e.mu.Lock()
		if e.inflight[key] == pending {
			delete(e.inflight, key)
		}
		cancelled := ctx.Err() != nil
		e.mu.Unlock()

		if err != nil {
			if cancelled {
				e.metrics.Discarded.Inc()
				return
			}
			e.report(query, err, false)
			return
		}
		result := v.(remoteResult[T])
		e.persistAsync(result)

		e.mu.Lock()
		if cancelled || e.closed || !e.wantedLocked(query) {
			e.mu.Unlock()
			e.metrics.Discarded.Inc()
			e.logger.Debug().Int("page", query.PageIndex).Msg("discarded page outside prefetch window")
			return
		}
		outcome := e.mergeLocked(result.page)
		e.mu.Unlock()
		e.publishMerged(result.page, outcome)
	}()
}

// fetchPage fetches query from the remote, retrying transient failures, and
// records the continuation token for the next page.
func (e *Engine[T]) fetchPage(ctx context.Context, query cursor.Query, token string, retries int) (remoteResult[T], error) {
	var (
		items []T
		next  string
	)
	backoff := e.cfg.FetchBackoff
	for attempt := 0; ; attempt++ {
		started := e.now()
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		var err error
		items, next, err = e.remote.FetchPage(attemptCtx, query, token)
		cancel()
		e.metrics.FetchSeconds.WithLabelValues(SourceRemote.String()).Observe(e.now().Sub(started).Seconds())
		if err == nil {
			e.metrics.Fetches.WithLabelValues(SourceRemote.String(), "ok").Inc()
			break
		}
		e.metrics.Fetches.WithLabelValues(SourceRemote.String(), "error").Inc()
		if ctx.Err() != nil {
			return remoteResult[T]{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = models.NewSyncError(models.ErrorKindTimeout, "fetch page", err)
		}
		if attempt >= retries || !models.IsRetryable(err) {
			return remoteResult[T]{}, err
		}
		e.logger.Debug().Err(err).Int("page", query.PageIndex).Int("attempt", attempt+1).Msg("retrying page fetch")
		if err := sleepContext(ctx, backoff); err != nil {
			return remoteResult[T]{}, err
		}
		backoff *= 2
	}

	e.mu.Lock()
	anchor := anchorKey(query)
	if next == "" {
		e.lastPage[anchor] = query.PageIndex
	} else {
		if e.tokens[anchor] == nil {
			e.tokens[anchor] = make(map[int]string)
		}
		e.tokens[anchor][query.PageIndex+1] = next
	}
	page := Page[T]{Query: query, Items: items, Source: SourceRemote, Seq: e.nextSeqLocked()}
	var release []cursor.Query
	if deferred, ok := e.deferred[query.Next().Key()]; ok && next != "" {
		delete(e.deferred, query.Next().Key())
		release = append(release, deferred)
	}
	e.mu.Unlock()

	for _, q := range release {
		e.fetchRemote(q)
	}
	return remoteResult[T]{page: page, persist: &sync.Once{}}, nil
}

// Refresh re-anchors the feed at now and fetches page 0 from the remote.
// The status moves to Refreshing and then to Refreshed on success. On
// failure the status falls back to what it was before the refresh began
// and the list is left untouched. Overlapping refreshes are allowed; only
// the latest one settles the status, but an earlier one that succeeds
// becomes the status a failing latest refresh falls back to.
func (e *Engine[T]) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.refreshGen++
	gen := e.refreshGen
	if e.status.Phase != PhaseRefreshing {
		e.prior = e.status
	}
	old := e.status
	now := e.now()
	e.status = Refreshing(now)
	refreshQuery := e.query.Reset(now)
	e.mu.Unlock()
	e.publishStatus(old, Refreshing(now))

	ch := e.flight.DoChan(refreshQuery.Key(), func() (any, error) {
		return e.fetchPage(e.ctx, refreshQuery, "", 0)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res = singleflight.Result{Err: ctx.Err()}
	}

	e.mu.Lock()
	latest := gen == e.refreshGen && !e.closed
	if res.Err != nil {
		var restored Status
		before := e.status
		if latest {
			e.status = e.prior
			restored = e.status
		}
		e.mu.Unlock()

		e.report(refreshQuery, res.Err, true)
		if latest {
			e.publishStatus(before, restored)
		}
		return fmt.Errorf("refresh %s: %w", e.cfg.Name, res.Err)
	}

	result := res.Val.(remoteResult[T])
	before := e.status
	if latest {
		e.query = refreshQuery
		e.status = Refreshed(e.now())
		e.forgetAnchorsLocked(anchorKey(refreshQuery))
	} else {
		// A superseded refresh that lands still becomes the fallback of the
		// one that superseded it.
		e.prior = Refreshed(e.now())
		if refreshQuery.Anchor.After(e.query.Anchor) {
			e.query = refreshQuery
			e.forgetAnchorsLocked(anchorKey(refreshQuery))
		}
		if e.status.Phase != PhaseRefreshing && !e.closed {
			e.status = e.prior
		}
	}
	after := e.status
	outcome := e.mergeLocked(result.page)
	e.mu.Unlock()

	e.persistAsync(result)
	e.publishMerged(result.page, outcome)
	e.publishStatus(before, after)
	if latest {
		if visible, ok := e.currentViewport(); ok {
			if _, err := e.Viewport(ctx, visible); err != nil {
				e.logger.Warn().Err(err).Msg("prefetch after refresh failed")
			}
		}
	}
	return nil
}

// forgetAnchorsLocked drops continuation state of every anchor but keep.
func (e *Engine[T]) forgetAnchorsLocked(keep string) {
	for anchor := range e.tokens {
		if anchor != keep {
			delete(e.tokens, anchor)
		}
	}
	for anchor := range e.lastPage {
		if anchor != keep {
			delete(e.lastPage, anchor)
		}
	}
	for key, q := range e.deferred {
		if anchorKey(q) != keep {
			delete(e.deferred, key)
		}
	}
}

// Viewport records the visible index range and loads the pages the
// prefetch policy finds missing. Outstanding fetches for pages that left
// the window are cancelled. It returns the queries it loaded.
func (e *Engine[T]) Viewport(ctx context.Context, visible cursor.Range) ([]cursor.Query, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.viewport = visible
	e.hasViewport = true
	req := e.pivotLocked()
	plan := PlanPrefetch(req, e.view)
	for key, pending := range e.inflight {
		if !InWindow(req, e.view, pending.query) {
			pending.cancel()
			delete(e.inflight, key)
		}
	}
	for key, q := range e.deferred {
		if !InWindow(req, e.view, q) {
			delete(e.deferred, key)
		}
	}
	e.mu.Unlock()

	for _, q := range plan {
		if err := e.LoadAround(ctx, q); err != nil {
			return plan, err
		}
	}
	return plan, nil
}

func (e *Engine[T]) currentViewport() (cursor.Range, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewport, e.hasViewport
}

// Close stops background fetches and waits for them and for local writes
// already under way to exit.
func (e *Engine[T]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	close(e.errs)
	e.mu.Unlock()
}

func (e *Engine[T]) pivotLocked() PivotRequest {
	last := -1
	if page, ok := e.lastPage[anchorKey(e.query)]; ok {
		last = page
	}
	return PivotRequest{
		Visible:   e.viewport,
		Query:     e.query,
		Ahead:     e.cfg.PrefetchAhead,
		Behind:    e.cfg.PrefetchBehind,
		LastPage:  last,
		Tolerance: e.cfg.AnchorTolerance,
	}
}

func (e *Engine[T]) wantedLocked(query cursor.Query) bool {
	if !e.hasViewport {
		return true
	}
	return InWindow(e.pivotLocked(), e.view, query)
}

func (e *Engine[T]) tokenLocked(query cursor.Query) (string, bool) {
	if query.PageIndex == 0 {
		return "", true
	}
	token, ok := e.tokens[anchorKey(query)][query.PageIndex]
	return token, ok
}

func (e *Engine[T]) nextSeqLocked() uint64 {
	e.seq++
	return e.seq
}

func (e *Engine[T]) mergeLocked(page Page[T]) string {
	outcome := "inserted"
	if idx, ok := e.raw.FindSlot(page.Query); ok {
		outcome = "replaced"
		if !Supersedes(page, e.raw.Pages()[idx]) {
			outcome = "stale"
		}
	}
	e.metrics.Merges.WithLabelValues(outcome).Inc()
	if outcome == "stale" {
		return outcome
	}
	e.raw = Merge(e.raw, page)
	e.view = DistinctBy(e.raw, e.key)
	e.metrics.Items.Set(float64(e.view.Len()))
	e.metrics.Tiles.Set(float64(e.view.TileCount()))
	return outcome
}

func (e *Engine[T]) persistAsync(result remoteResult[T]) {
	if len(result.page.Items) == 0 {
		return
	}
	result.persist.Do(func() {
		// wg.Add happens under the lock so it never races Close's Wait.
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.persist(result.page)
		}()
	})
}

// persist stores a remote page locally. A write in progress completes even
// when Close is called; only further retries are abandoned.
func (e *Engine[T]) persist(page Page[T]) {
	ctx := context.WithoutCancel(e.ctx)
	backoff := e.cfg.FetchBackoff
	var err error
	for attempt := 1; attempt <= e.cfg.PersistRetries; attempt++ {
		if err = e.local.Upsert(ctx, page.Items); err == nil {
			return
		}
		if e.ctx.Err() != nil || attempt == e.cfg.PersistRetries {
			break
		}
		if sleepContext(e.ctx, backoff) != nil {
			break
		}
		backoff *= 2
	}
	if e.ctx.Err() != nil {
		return
	}
	e.report(page.Query, models.LocalStore("persist page", err), false)
}

func (e *Engine[T]) report(query cursor.Query, err error, refresh bool) {
	kind := models.KindOf(err)
	fetchErr := &FetchError{Query: query, Kind: kind, Err: err, Refresh: refresh, At: e.now()}

	e.logger.Warn().Err(err).
		Int("page", query.PageIndex).
		Time("anchor", query.Anchor).
		Str("kind", string(kind)).
		Bool("refresh", refresh).
		Msg("page fetch failed")

	e.publish(models.EventTypeFetchFailed, models.FetchFailedPayload{
		PageIndex: query.PageIndex,
		Anchor:    query.Anchor,
		ErrorKind: kind,
		Error:     err.Error(),
		Refresh:   refresh,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.errs <- fetchErr:
	default:
		e.logger.Debug().Msg("error channel full, dropping fetch error")
	}
}

func (e *Engine[T]) publishMerged(page Page[T], outcome string) {
	if outcome == "stale" {
		return
	}
	tiles := e.List().TileCount()
	e.publish(models.EventTypeTilesMerged, models.TilesMergedPayload{
		PageIndex: page.Query.PageIndex,
		Items:     len(page.Items),
		Source:    page.Source.String(),
		Tiles:     tiles,
	})
}

func (e *Engine[T]) publishStatus(old, current Status) {
	if old == current {
		return
	}
	e.logger.Debug().Stringer("from", old).Stringer("to", current).Msg("status changed")
	e.publish(models.EventTypeStatusChanged, models.StatusChangedPayload{
		Old: old.String(),
		New: current.String(),
	})
}

func (e *Engine[T]) publish(eventType models.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Str("type", string(eventType)).Msg("failed to encode event payload")
		return
	}
	e.pub.Publish(e.ctx, &models.Event{
		Type:       eventType,
		EntityType: models.EntityTypeFeed,
		EntityID:   e.cfg.Name,
		Payload:    data,
	})
}

func anchorKey(q cursor.Query) string {
	return q.WithPage(0).Key()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
