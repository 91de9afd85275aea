package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestContext_IsEmpty(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want bool
	}{
		{
			name: "empty context",
			ctx:  Context{},
			want: true,
		},
		{
			name: "with viewer only",
			ctx:  Context{Viewer: "did:example:alice"},
			want: false,
		},
		{
			name: "with feed only",
			ctx:  Context{Feed: "home"},
			want: false,
		},
		{
			name: "with both",
			ctx:  Context{Viewer: "did:example:alice", Feed: "home"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.IsEmpty(); got != tt.want {
				t.Errorf("Context.IsEmpty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContext_SetViewerClearsFeed(t *testing.T) {
	ctx := &Context{Viewer: "did:example:alice", Feed: "conversation:c1"}

	ctx.SetViewer("did:example:alice")
	if ctx.Feed != "conversation:c1" {
		t.Errorf("same viewer cleared feed: %q", ctx.Feed)
	}

	ctx.SetViewer("did:example:bob")
	if ctx.Feed != "" {
		t.Errorf("feed = %q after switching viewer, want empty", ctx.Feed)
	}
	if ctx.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestContext_SetFeedKeepsRecentFeeds(t *testing.T) {
	ctx := &Context{Viewer: "did:example:alice"}
	for _, feed := range []string{"home", "conversation:c1", "home", "notifications", "conversation:c2", "conversation:c3", "conversation:c4"} {
		ctx.SetFeed(feed)
	}

	want := []string{"conversation:c4", "conversation:c3", "conversation:c2", "notifications", "home"}
	if diff := cmp.Diff(want, ctx.RecentFeeds); diff != "" {
		t.Errorf("RecentFeeds mismatch (-want +got):\n%s", diff)
	}
	if ctx.Feed != "conversation:c4" {
		t.Errorf("Feed = %q, want conversation:c4", ctx.Feed)
	}

	ctx.SetViewer("did:example:bob")
	if len(ctx.RecentFeeds) != 0 {
		t.Errorf("RecentFeeds = %v after switching viewer, want empty", ctx.RecentFeeds)
	}
}

func TestContext_String(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want string
	}{
		{name: "empty", ctx: Context{}, want: "(no context set)"},
		{name: "viewer", ctx: Context{Viewer: "alice"}, want: "viewer:alice"},
		{name: "feed", ctx: Context{Feed: "home"}, want: "feed:home"},
		{name: "both", ctx: Context{Viewer: "alice", Feed: "home"}, want: "viewer:alice feed:home"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.String(); got != tt.want {
				t.Errorf("Context.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContextStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "context.yaml")
	store := NewContextStore(path)

	ctx, err := store.Load()
	if err != nil {
		t.Fatalf("Load() missing file: %v", err)
	}
	if !ctx.IsEmpty() {
		t.Fatalf("Load() missing file = %+v, want empty", ctx)
	}

	ctx.SetViewer("did:example:alice")
	ctx.SetFeed("conversation:c1")
	if err := store.Save(ctx); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Viewer != "did:example:alice" || loaded.Feed != "conversation:c1" {
		t.Errorf("Load() = %+v", loaded)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("context file still exists after Clear: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Errorf("Clear() twice: %v", err)
	}
}

func TestContextStore_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.yaml")
	if err := os.WriteFile(path, []byte("viewer: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewContextStore(path).Load(); err == nil {
		t.Error("Load() of invalid yaml succeeded")
	}
}

func TestContextStore_Update(t *testing.T) {
	store := NewContextStore(filepath.Join(t.TempDir(), "context.yaml"))

	ctx, err := store.Update(func(c *Context) error {
		c.SetViewer("did:example:alice")
		c.SetFeed("home")
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if ctx.String() != "viewer:did:example:alice feed:home" {
		t.Errorf("Update() = %q", ctx.String())
	}

	errStop := errors.New("stop")
	if _, err := store.Update(func(c *Context) error {
		c.Clear()
		return errStop
	}); !errors.Is(err, errStop) {
		t.Fatalf("Update() error = %v, want %v", err, errStop)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Viewer != "did:example:alice" {
		t.Errorf("failed update was saved: %+v", loaded)
	}
}
