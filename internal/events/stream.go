package events

import (
	"sync"

	"github.com/tunjid/heron-sub003/internal/models"
)

// Stream is a channel-backed subscription.
//
// Delivery never blocks the publisher: when the buffer is full the event is
// dropped and counted. Consumers treat an event as a signal to re-read
// state, not as the state itself.
type Stream struct {
	pub    *InMemoryPublisher
	filter Filter
	ch     chan *models.Event

	mu      sync.Mutex
	closed  bool
	dropped int
}

func newStream(pub *InMemoryPublisher, filter Filter, buffer int) *Stream {
	return &Stream{
		pub:    pub,
		filter: filter,
		ch:     make(chan *models.Event, buffer),
	}
}

func (s *Stream) offer(event *models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped++
	}
}

// C returns the receive side of the stream. It is closed by Close.
func (s *Stream) C() <-chan *models.Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the stream and closes its channel. It is safe to call
// twice and after the publisher closed.
func (s *Stream) Close() {
	s.pub.remove(s)
	s.shut()
}

func (s *Stream) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
