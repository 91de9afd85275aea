package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunjid/heron-sub003/internal/models"
)

func TestFilter_Matches(t *testing.T) {
	event := &models.Event{
		Type:       models.EventTypeMutationEnqueued,
		EntityType: models.EntityTypeMutation,
		EntityID:   "like:x",
	}
	tests := []struct {
		name   string
		filter Filter
		event  *models.Event
		want   bool
	}{
		{name: "empty filter matches", filter: Filter{}, event: event, want: true},
		{name: "nil event", filter: Filter{}, event: nil, want: false},
		{
			name:   "event type match",
			filter: Filter{EventTypes: []models.EventType{models.EventTypeMutationFailed, models.EventTypeMutationEnqueued}},
			event:  event,
			want:   true,
		},
		{
			name:   "event type mismatch",
			filter: Filter{EventTypes: []models.EventType{models.EventTypeTilesMerged}},
			event:  event,
			want:   false,
		},
		{
			name:   "entity type mismatch",
			filter: Filter{EntityTypes: []models.EntityType{models.EntityTypeFeed}},
			event:  event,
			want:   false,
		},
		{name: "entity id match", filter: Filter{EntityID: "like:x"}, event: event, want: true},
		{name: "entity id mismatch", filter: Filter{EntityID: "like:y"}, event: event, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.filter.Matches(tt.event))
		})
	}
}

func TestInMemoryPublisher_PublishStampsAndFilters(t *testing.T) {
	pub := NewInMemoryPublisher()
	stream, err := pub.Listen(Filter{
		EventTypes: []models.EventType{models.EventTypeMutationFailed},
	}, 4)
	require.NoError(t, err)

	pub.Publish(context.Background(), &models.Event{Type: models.EventTypeMutationEnqueued})
	pub.Publish(context.Background(), &models.Event{Type: models.EventTypeMutationFailed})
	pub.Publish(context.Background(), nil)
	stream.Close()

	var got []*models.Event
	for event := range stream.C() {
		got = append(got, event)
	}
	require.Len(t, got, 1)
	require.NotEmpty(t, got[0].ID)
	require.False(t, got[0].Timestamp.IsZero())
}

func TestInMemoryPublisher_ConcurrentPublish(t *testing.T) {
	pub := NewInMemoryPublisher()
	stream, err := pub.Listen(Filter{}, 1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				pub.Publish(context.Background(), &models.Event{Type: models.EventTypeMutationDelivered})
			}
		}()
	}
	wg.Wait()

	require.Len(t, stream.C(), 1000)
	require.Zero(t, stream.Dropped())
}

type recordingStore struct {
	mu     sync.Mutex
	events []*models.Event
	err    error
}

func (s *recordingStore) Create(_ context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func TestInMemoryPublisher_StoreFailureStillDelivers(t *testing.T) {
	store := &recordingStore{err: errors.New("disk full")}
	pub := NewInMemoryPublisher(WithStore(store))
	stream, err := pub.Listen(Filter{}, 1)
	require.NoError(t, err)

	pub.Publish(context.Background(), &models.Event{Type: models.EventTypeMutationEnqueued, EntityID: "like:x"})

	require.Len(t, store.events, 1)
	require.Len(t, stream.C(), 1)
}

func TestStream_DropsWhenFull(t *testing.T) {
	pub := NewInMemoryPublisher()
	stream, err := pub.Listen(Filter{}, 1)
	require.NoError(t, err)
	require.Equal(t, 1, pub.Listeners())

	pub.Publish(context.Background(), &models.Event{Type: models.EventTypeTilesMerged})
	pub.Publish(context.Background(), &models.Event{Type: models.EventTypeStatusChanged})

	first := <-stream.C()
	require.Equal(t, models.EventTypeTilesMerged, first.Type)
	require.Equal(t, 1, stream.Dropped())

	stream.Close()
	stream.Close()
	_, ok := <-stream.C()
	require.False(t, ok)
	require.Zero(t, pub.Listeners())

	pub.Publish(context.Background(), &models.Event{Type: models.EventTypeTilesMerged})
}

func TestInMemoryPublisher_Close(t *testing.T) {
	store := &recordingStore{}
	pub := NewInMemoryPublisher(WithStore(store))
	stream, err := pub.Listen(Filter{}, 1)
	require.NoError(t, err)

	pub.Close()
	_, ok := <-stream.C()
	require.False(t, ok, "close ends open streams")
	stream.Close()

	_, err = pub.Listen(Filter{}, 1)
	require.ErrorIs(t, err, ErrPublisherClosed)

	pub.Publish(context.Background(), &models.Event{Type: models.EventTypeTilesMerged, EntityID: "home"})
	require.Len(t, store.events, 1)
}
