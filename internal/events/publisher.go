// Package events provides the in-process sync event stream.
package events

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tunjid/heron-sub003/internal/models"
)

// ErrPublisherClosed is returned by Listen after Close.
var ErrPublisherClosed = errors.New("event publisher closed")

// Filter selects events. Zero fields match everything.
type Filter struct {
	EventTypes  []models.EventType
	EntityTypes []models.EntityType
	EntityID    string
}

// Matches reports whether the event passes the filter.
func (f *Filter) Matches(event *models.Event) bool {
	if event == nil {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, event.Type) {
		return false
	}
	if len(f.EntityTypes) > 0 && !slices.Contains(f.EntityTypes, event.EntityType) {
		return false
	}
	return f.EntityID == "" || event.EntityID == f.EntityID
}

// Store persists published events.
type Store interface {
	Create(ctx context.Context, event *models.Event) error
}

// Publisher accepts sync events.
type Publisher interface {
	Publish(ctx context.Context, event *models.Event)
}

// InMemoryPublisher fans events out to Streams and optionally appends them
// to a Store first, so the log never lags what listeners have seen.
type InMemoryPublisher struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	streams map[*Stream]struct{}
	closed  bool
}

// PublisherOption configures an InMemoryPublisher.
type PublisherOption func(*InMemoryPublisher)

// WithStore also appends every published event to store.
func WithStore(store Store) PublisherOption {
	return func(p *InMemoryPublisher) { p.store = store }
}

// WithLogger sets the logger used to report persistence failures.
func WithLogger(logger zerolog.Logger) PublisherOption {
	return func(p *InMemoryPublisher) { p.logger = logger }
}

// NewInMemoryPublisher creates a publisher with no listeners.
func NewInMemoryPublisher(opts ...PublisherOption) *InMemoryPublisher {
	p := &InMemoryPublisher{
		logger:  zerolog.Nop(),
		now:     time.Now,
		streams: make(map[*Stream]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish stamps the event, appends it to the store when one is set and
// offers it to every matching stream. It never blocks on a listener.
func (p *InMemoryPublisher) Publish(ctx context.Context, event *models.Event) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now().UTC()
	}

	if p.store != nil {
		if err := p.store.Create(ctx, event); err != nil {
			p.logger.Warn().Err(err).
				Str("type", string(event.Type)).
				Str("entity_id", event.EntityID).
				Msg("failed to persist sync event")
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for stream := range p.streams {
		if stream.filter.Matches(event) {
			stream.offer(event)
		}
	}
}

// Listen returns a stream of the events matching filter, buffered to
// buffer events.
func (p *InMemoryPublisher) Listen(filter Filter, buffer int) (*Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPublisherClosed
	}

	s := newStream(p, filter, max(buffer, 1))
	p.streams[s] = struct{}{}
	return s, nil
}

// Listeners returns the number of open streams.
func (p *InMemoryPublisher) Listeners() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.streams)
}

func (p *InMemoryPublisher) remove(s *Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, s)
}

// Close closes every stream. Later events are still persisted but reach
// no listener.
func (p *InMemoryPublisher) Close() {
	p.mu.Lock()
	p.closed = true
	streams := make([]*Stream, 0, len(p.streams))
	for s := range p.streams {
		streams = append(streams, s)
	}
	clear(p.streams)
	p.mu.Unlock()

	for _, s := range streams {
		s.shut()
	}
}
