package tiling

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tunjid/heron-sub003/internal/cursor"
)

type post struct {
	ID  string
	Rev int
}

func postKey(p post) string { return p.ID }

func posts(rev int, ids ...string) []post {
	out := make([]post, len(ids))
	for i, id := range ids {
		out[i] = post{ID: id, Rev: rev}
	}
	return out
}

func postRange(prefix string, n int) []post {
	out := make([]post, n)
	for i := range out {
		out[i] = post{ID: fmt.Sprintf("%s%02d", prefix, i)}
	}
	return out
}

var anchor = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func homeQuery() cursor.Query {
	return cursor.New(3, map[string]string{"feed": "home"}, anchor)
}

func TestBuildAndQueryAt(t *testing.T) {
	q := homeQuery()
	list := Build(func(b *Builder[post]) {
		b.AddAll(q, posts(0, "a", "b"))
		b.AddAll(q.Next(), nil)
		b.AddAll(q.Next().Next(), posts(0, "c", "d", "e"))
	})

	require.NoError(t, list.Validate())
	require.Equal(t, 5, list.Len())
	require.Equal(t, 3, list.TileCount())

	require.Equal(t, 0, list.QueryAt(1).PageIndex)
	require.Equal(t, 2, list.QueryAt(2).PageIndex, "empty tile must be skipped")
	require.Equal(t, 2, list.QueryAt(4).PageIndex)

	idx, ok := list.TileAt(2)
	require.True(t, ok)
	require.Equal(t, 2, idx)

	_, ok = list.TileAt(5)
	require.False(t, ok)
	require.Panics(t, func() { list.QueryAt(5) })
	require.Panics(t, func() { list.QueryAt(-1) })
}

func TestListIsImmutable(t *testing.T) {
	q := homeQuery()
	base := Build(func(b *Builder[post]) { b.AddAll(q, posts(0, "a")) })
	grown := base.AddAll(q.Next(), posts(0, "b"))

	require.Equal(t, 1, base.Len())
	require.Equal(t, 2, grown.Len())

	items := grown.Items()
	items[0].ID = "mutated"
	require.Equal(t, "a", grown.At(0).ID)
}

func TestWithTileItemsShiftsFollowingTiles(t *testing.T) {
	q := homeQuery()
	list := Build(func(b *Builder[post]) {
		b.AddAll(q, posts(0, "a", "b"))
		b.AddAll(q.Next(), posts(0, "c"))
	})

	replaced := list.WithTileItems(0, posts(1, "x", "a", "b"))
	require.NoError(t, replaced.Validate())
	require.Equal(t, posts(0, "c"), replaced.TileItems(1))
	require.Equal(t, cursor.Range{Start: 3, End: 4}, replaced.Tile(1).Range())
	require.Equal(t, q.Next(), replaced.QueryAt(3))
}

func TestSliceClamps(t *testing.T) {
	list := homeQueryList(posts(0, "a", "b", "c"))
	require.Equal(t, posts(0, "b", "c"), list.Slice(cursor.Range{Start: 1, End: 10}))
	require.Empty(t, list.Slice(cursor.Range{Start: 5, End: 10}))
}

func TestValidateDetectsGaps(t *testing.T) {
	bad := List[post]{
		items: posts(0, "a", "b"),
		tiles: []Tile{{Query: homeQuery(), Start: 0, End: 1}},
	}
	require.Error(t, bad.Validate())
}

func TestPagesRoundTrip(t *testing.T) {
	q := homeQuery()
	list := Build(func(b *Builder[post]) {
		b.AddPage(Page[post]{Query: q, Items: posts(0, "a"), Source: SourceRemote, Seq: 4})
		b.AddPage(Page[post]{Query: q.Next(), Items: posts(0, "b", "c"), Source: SourceLocal, Seq: 2})
	})
	rebuilt := Build(func(b *Builder[post]) { b.AddList(list) })

	if diff := cmp.Diff(list.Tiles(), rebuilt.Tiles()); diff != "" {
		t.Fatalf("tiles mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, list.Items(), rebuilt.Items())
}

func homeQueryList(items []post) List[post] {
	return Build(func(b *Builder[post]) { b.AddAll(homeQuery(), items) })
}
