package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// maxRecentFeeds bounds Context.RecentFeeds.
const maxRecentFeeds = 5

// Context is the CLI selection that persists between invocations: the
// viewer commands act as and the feed they default to.
type Context struct {
	Viewer string `yaml:"viewer,omitempty" json:"viewer,omitempty"`

	// Feed is the selected feed, e.g. "home" or "conversation:<id>".
	Feed string `yaml:"feed,omitempty" json:"feed,omitempty"`

	// RecentFeeds lists previously selected feeds of the viewer, most
	// recent first.
	RecentFeeds []string `yaml:"recent_feeds,omitempty" json:"recent_feeds,omitempty"`

	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// IsEmpty reports whether neither a viewer nor a feed is selected.
func (c *Context) IsEmpty() bool {
	return c.Viewer == "" && c.Feed == ""
}

func (c *Context) HasViewer() bool { return c.Viewer != "" }

func (c *Context) HasFeed() bool { return c.Feed != "" }

// Clear drops the selection and the feed history.
func (c *Context) Clear() {
	*c = Context{UpdatedAt: time.Now()}
}

// SetViewer selects viewer. Feeds are per viewer: switching viewers drops
// the selected feed and the history.
func (c *Context) SetViewer(viewer string) {
	if c.Viewer != viewer {
		c.Feed = ""
		c.RecentFeeds = nil
	}
	c.Viewer = viewer
	c.UpdatedAt = time.Now()
}

// SetFeed selects feed and moves it to the front of RecentFeeds.
func (c *Context) SetFeed(feed string) {
	c.Feed = feed
	recent := slices.DeleteFunc(slices.Clone(c.RecentFeeds), func(f string) bool { return f == feed })
	recent = slices.Insert(recent, 0, feed)
	if len(recent) > maxRecentFeeds {
		recent = recent[:maxRecentFeeds]
	}
	c.RecentFeeds = recent
	c.UpdatedAt = time.Now()
}

func (c *Context) String() string {
	if c.IsEmpty() {
		return "(no context set)"
	}
	var parts []string
	if c.HasViewer() {
		parts = append(parts, "viewer:"+c.Viewer)
	}
	if c.HasFeed() {
		parts = append(parts, "feed:"+c.Feed)
	}
	return strings.Join(parts, " ")
}

// ContextStore keeps the Context in a YAML file.
type ContextStore struct {
	path string
	mu   sync.Mutex
}

// DefaultContextPath is ~/.config/feedsync/context.yaml.
func DefaultContextPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "feedsync", "context.yaml")
}

// NewContextStore returns a store at path, or at DefaultContextPath when
// path is empty.
func NewContextStore(path string) *ContextStore {
	if path == "" {
		path = DefaultContextPath()
	}
	return &ContextStore{path: path}
}

func (s *ContextStore) Path() string { return s.path }

// Load reads the stored context. A missing file is an empty context.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Save replaces the stored context.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx)
}

// Update applies fn to the stored context and saves the result unless fn
// fails.
func (s *ContextStore) Update(fn func(*Context) error) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, err := s.read()
	if err != nil {
		return nil, err
	}
	if err := fn(ctx); err != nil {
		return nil, err
	}
	if err := s.write(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}

func (s *ContextStore) read() (*Context, error) {
	ctx := &Context{}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ctx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}
	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file %s: %w", s.path, err)
	}
	return ctx, nil
}

// write replaces the file through a rename so readers never see a partial
// document.
func (s *ContextStore) write(ctx *Context) error {
	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".context-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write context file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace context file: %w", err)
	}
	return nil
}
