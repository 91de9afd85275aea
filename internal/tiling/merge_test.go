package tiling

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tunjid/heron-sub003/internal/cursor"
)

func requireSameList(t *testing.T, want, got List[post]) {
	t.Helper()
	if diff := cmp.Diff(want.Tiles(), got.Tiles()); diff != "" {
		t.Fatalf("tiles mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Items(), got.Items()); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	q := homeQuery()
	page := Page[post]{Query: q, Items: posts(0, "a", "b"), Source: SourceRemote, Seq: 1}

	once := Merge(List[post]{}, page)
	twice := Merge(once, page)
	requireSameList(t, once, twice)
}

func TestMergeInsertsByPageOrder(t *testing.T) {
	q := homeQuery()
	list := MergeAll(List[post]{},
		Page[post]{Query: q.WithPage(2), Items: posts(0, "e", "f"), Seq: 1},
		Page[post]{Query: q, Items: posts(0, "a", "b"), Seq: 2},
		Page[post]{Query: q.WithPage(1), Items: posts(0, "c", "d"), Seq: 3},
	)
	require.NoError(t, list.Validate())
	require.Equal(t, posts(0, "a", "b", "c", "d", "e", "f"), list.Items())
	for i, tile := range list.Tiles() {
		require.Equal(t, i, tile.Query.PageIndex)
	}
}

func TestMergeLocalThenRemoteReplacesWithoutShiftingOtherTiles(t *testing.T) {
	q := cursor.New(20, map[string]string{"feed": "home"}, anchor)
	page1 := Page[post]{Query: q.Next(), Items: postRange("older", 20), Source: SourceRemote, Seq: 1}
	local := Page[post]{Query: q, Items: postRange("p", 15), Source: SourceLocal, Seq: 2}
	remote := Page[post]{Query: q, Items: postRange("p", 20), Source: SourceRemote, Seq: 3}

	list := MergeAll(List[post]{}, page1, local)
	require.Equal(t, 35, list.Len())

	list = Merge(list, remote)
	require.NoError(t, list.Validate())
	require.Equal(t, 40, list.Len())
	require.Equal(t, postRange("p", 20), list.TileItems(0))
	require.Equal(t, postRange("older", 20), list.TileItems(1))
	require.Equal(t, 1, list.Tile(1).Query.PageIndex)

	// A later local read of the same page does not displace remote data.
	again := Merge(list, Page[post]{Query: q, Items: postRange("p", 20), Source: SourceLocal, Seq: 4})
	requireSameList(t, list, again)

	distinct := DistinctBy(again, postKey)
	require.Equal(t, 40, distinct.Len())
}

func TestMergeDiscardsStalePage(t *testing.T) {
	q := homeQuery()
	fresh := q.Reset(anchor.Add(time.Minute))

	list := Merge(List[post]{}, Page[post]{Query: fresh, Items: posts(2, "new"), Source: SourceLocal, Seq: 1})
	stale := Merge(list, Page[post]{Query: q, Items: posts(1, "old"), Source: SourceRemote, Seq: 5})
	requireSameList(t, list, stale)
}

func TestMergeIsCommutative(t *testing.T) {
	q := homeQuery()
	refreshed := q.Reset(anchor.Add(time.Minute))
	pages := []Page[post]{
		{Query: q, Items: posts(0, "a", "b"), Source: SourceLocal, Seq: 1},
		{Query: q, Items: posts(1, "a", "b", "c"), Source: SourceRemote, Seq: 2},
		{Query: q.Next(), Items: posts(0, "d"), Source: SourceRemote, Seq: 3},
		{Query: refreshed, Items: posts(2, "z", "a"), Source: SourceRemote, Seq: 4},
	}

	want := MergeAll(List[post]{}, pages...)
	permute(pages, func(order []Page[post]) {
		requireSameList(t, want, MergeAll(List[post]{}, order...))
	})
	require.Equal(t, posts(2, "z", "a"), want.TileItems(0))
}

func TestMergeCoverageInvariant(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	q := homeQuery()
	list := List[post]{}
	for step := 0; step < 500; step++ {
		page := Page[post]{
			Query:  q.Reset(anchor.Add(time.Duration(rng.IntN(3)) * time.Second)).WithPage(rng.IntN(6)),
			Items:  postRange(string(rune('a'+rng.IntN(5))), rng.IntN(5)),
			Source: Source(rng.IntN(2)),
			Seq:    uint64(step + 1),
		}
		list = Merge(list, page)
		require.NoError(t, list.Validate())

		distinct := DistinctBy(list, postKey)
		require.NoError(t, distinct.Validate())
		require.Equal(t, list.TileCount(), distinct.TileCount())

		seen := map[string]bool{}
		for _, item := range distinct.Items() {
			require.False(t, seen[item.ID], "duplicate %s", item.ID)
			seen[item.ID] = true
		}
	}
}

func TestDistinctByKeepsMostRecentlyFetched(t *testing.T) {
	q := homeQuery()
	list := MergeAll(List[post]{},
		Page[post]{Query: q, Items: posts(5, "a", "b"), Source: SourceRemote, Seq: 5},
		Page[post]{Query: q.Next(), Items: posts(1, "b", "c"), Source: SourceRemote, Seq: 1},
		Page[post]{Query: q.WithPage(2), Items: posts(9, "c"), Source: SourceRemote, Seq: 9},
	)

	distinct := DistinctBy(list, postKey)
	require.NoError(t, distinct.Validate())
	require.Equal(t, []post{{"a", 5}, {"b", 5}, {"c", 9}}, distinct.Items())

	require.Equal(t, 0, distinct.Tile(1).Len(), "page 1 lost both items")
	require.Equal(t, 3, distinct.TileCount())
	require.Equal(t, 2, distinct.QueryAt(2).PageIndex)
}

func TestDistinctByWithinTileKeepsFirst(t *testing.T) {
	list := homeQueryList([]post{{"a", 1}, {"a", 2}, {"b", 1}})
	require.Equal(t, []post{{"a", 1}, {"b", 1}}, DistinctBy(list, postKey).Items())
}

func permute(pages []Page[post], visit func([]Page[post])) {
	var walk func(int)
	walk = func(k int) {
		if k == len(pages) {
			visit(append([]Page[post](nil), pages...))
			return
		}
		for i := k; i < len(pages); i++ {
			pages[k], pages[i] = pages[i], pages[k]
			walk(k + 1)
			pages[k], pages[i] = pages[i], pages[k]
		}
	}
	walk(0)
}
