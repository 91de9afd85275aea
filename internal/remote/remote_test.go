package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tunjid/heron-sub003/internal/cursor"
	"github.com/tunjid/heron-sub003/internal/models"
)

var base = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

// startTestServer serves backend on a loopback listener and returns a
// connected client.
func startTestServer(t *testing.T, backend Backend) *Client {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(backend, zerolog.Nop()).NewGRPCServer()
	go func() { _ = server.Serve(listener) }()

	cfg := DefaultClientConfig()
	cfg.Addr = listener.Addr().String()
	client, err := Dial(context.Background(), cfg)
	if err != nil {
		server.Stop()
		t.Fatalf("dial: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		server.Stop()
	})
	return client
}

func seedFeed(backend *MemoryBackend, feed string, n int) {
	for i := 0; i < n; i++ {
		backend.Seed(models.Item{
			URI:    fmt.Sprintf("at://%s/%02d", feed, i),
			Feed:   feed,
			Kind:   models.ItemKindPost,
			SortAt: base.Add(-time.Duration(i) * time.Minute),
		})
	}
}

func TestClientFetchPageFollowsContinuationTokens(t *testing.T) {
	backend := NewMemoryBackend()
	seedFeed(backend, "home", 5)
	client := startTestServer(t, backend)
	ctx := context.Background()

	q := cursor.New(2, map[string]string{"feed": "home"}, base)
	var uris []string
	token := ""
	for page := 0; ; page++ {
		items, next, err := client.FetchPage(ctx, q.WithPage(page), token)
		require.NoError(t, err)
		for _, item := range items {
			uris = append(uris, item.URI)
		}
		if next == "" {
			require.Equal(t, 2, page)
			break
		}
		token = next
	}

	require.Equal(t, []string{
		"at://home/00", "at://home/01", "at://home/02", "at://home/03", "at://home/04",
	}, uris)
}

func TestClientFetchPageRespectsAnchor(t *testing.T) {
	backend := NewMemoryBackend()
	seedFeed(backend, "home", 3)
	client := startTestServer(t, backend)

	q := cursor.New(10, map[string]string{"feed": "home"}, base.Add(-time.Minute))
	items, next, err := client.FetchPage(context.Background(), q, "")
	require.NoError(t, err)
	require.Empty(t, next)
	require.Len(t, items, 2)
	require.Equal(t, "at://home/01", items[0].URI)
}

func TestClientSubmitEchoesClientRef(t *testing.T) {
	backend := NewMemoryBackend(WithBackendClock(func() time.Time { return base.Add(time.Hour) }))
	client := startTestServer(t, backend)
	ctx := context.Background()

	send := models.Send{ConversationID: "c1", ClientMessageID: "m1", Text: "hello"}
	receipt, err := client.Submit(ctx, send)
	require.NoError(t, err)
	require.NotEmpty(t, receipt.URI)
	require.False(t, receipt.Duplicate)

	q := cursor.New(10, map[string]string{"feed": models.ConversationFeed("c1")}, base.Add(2*time.Hour))
	items, _, err := client.FetchPage(ctx, q, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, string(send.DedupKey()), items[0].ClientRef)
	require.Equal(t, receipt.URI, items[0].URI)

	again, err := client.Submit(ctx, send)
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Len(t, backend.Applied(), 1)
}

func TestClientMapsErrors(t *testing.T) {
	backend := NewMemoryBackend()
	backend.SetFaults(Faults{RejectKinds: []models.MutationKind{models.MutationKindConnection}})
	client := startTestServer(t, backend)
	ctx := context.Background()

	backend.FailNextFetch(ErrUnavailable)
	_, _, err := client.FetchPage(ctx, cursor.New(2, map[string]string{"feed": "home"}, base), "")
	require.Error(t, err)
	require.Equal(t, models.ErrorKindNetworkTransient, models.KindOf(err))
	require.True(t, models.IsRetryable(err))

	_, err = client.Submit(ctx, models.Connection{ProfileID: "bob", Follow: true})
	require.Error(t, err)
	require.Equal(t, models.ErrorKindRemoteRejected, models.KindOf(err))

	_, _, err = client.FetchPage(ctx, cursor.New(2, map[string]string{"feed": "home"}, base).WithPage(1), "bogus!")
	require.Equal(t, models.ErrorKindRemoteRejected, models.KindOf(err))

	backend.FailNextSubmit(status.Error(codes.AlreadyExists, "applied elsewhere"))
	receipt, err := client.Submit(ctx, models.Like{PostURI: "at://p/1"})
	require.NoError(t, err)
	require.True(t, receipt.Duplicate)
}

func TestClientTimeout(t *testing.T) {
	backend := NewMemoryBackend()
	backend.SetFaults(Faults{FetchLatency: time.Second})
	client := startTestServer(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := client.FetchPage(ctx, cursor.New(2, map[string]string{"feed": "home"}, base), "")
	require.Error(t, err)
	require.Equal(t, models.ErrorKindTimeout, models.KindOf(err))
}

func TestFromStatus(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		code codes.Code
		want models.ErrorKind
	}{
		{codes.Unavailable, models.ErrorKindNetworkTransient},
		{codes.ResourceExhausted, models.ErrorKindNetworkTransient},
		{codes.Aborted, models.ErrorKindNetworkTransient},
		{codes.DeadlineExceeded, models.ErrorKindTimeout},
		{codes.InvalidArgument, models.ErrorKindRemoteRejected},
		{codes.PermissionDenied, models.ErrorKindRemoteRejected},
		{codes.Unauthenticated, models.ErrorKindRemoteRejected},
		{codes.NotFound, models.ErrorKindRemoteRejected},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := fromStatus(ctx, "op", status.Error(tc.code, "x"))
			require.Equal(t, tc.want, models.KindOf(err))
		})
	}

	require.ErrorIs(t, fromStatus(ctx, "op", status.Error(codes.AlreadyExists, "x")), ErrAlreadyApplied)
}

func TestToStatus(t *testing.T) {
	require.Equal(t, codes.AlreadyExists, status.Code(toStatus(ErrAlreadyApplied)))
	require.Equal(t, codes.Unavailable, status.Code(toStatus(errors.New("boom"))))
	require.Equal(t, codes.FailedPrecondition, status.Code(toStatus(models.Rejected("op", errors.New("no")))))

	validation := &models.ValidationErrors{}
	validation.AddMessage("text", "is required")
	require.Equal(t, codes.InvalidArgument, status.Code(toStatus(validation.Err())))
}

func TestMemoryBackendRepostUndoRemovesItem(t *testing.T) {
	backend := NewMemoryBackend(WithPostFeeds("home"))
	ctx := context.Background()

	_, err := backend.Submit(ctx, models.Repost{PostURI: "at://p/9"})
	require.NoError(t, err)
	require.Len(t, backend.Items("home"), 1)
	require.Equal(t, models.ItemKindRepost, backend.Items("home")[0].Kind)

	_, err = backend.Submit(ctx, models.Repost{PostURI: "at://p/9", Undo: true})
	require.NoError(t, err)
	require.Empty(t, backend.Items("home"))
}
