// Package tiling keeps a windowed feed as a sequence of tiles, one per page
// fetch, and drives fetching around the viewport.
package tiling

import (
	"fmt"
	"sort"

	"github.com/tunjid/heron-sub003/internal/cursor"
)

// Source records where a tile's items came from.
type Source int

const (
	SourceLocal Source = iota
	SourceRemote
	// SourceSynthetic marks tiles built from optimistic items.
	SourceSynthetic
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	case SourceSynthetic:
		return "synthetic"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Tile is the half-open range [Start, End) of a List produced by one
// execution of Query.
type Tile struct {
	Query  cursor.Query
	Start  int
	End    int
	Source Source

	// Seq orders fetches: a higher Seq was fetched more recently.
	Seq uint64
}

// Len returns the number of items in the tile.
func (t Tile) Len() int { return t.End - t.Start }

// Range returns the tile's index range.
func (t Tile) Range() cursor.Range { return cursor.Range{Start: t.Start, End: t.End} }

// Page is the result of one query execution, ready to be merged.
type Page[T any] struct {
	Query  cursor.Query
	Items  []T
	Source Source
	Seq    uint64
}

// List is an ordered item sequence annotated with the tile that produced
// each contiguous run. Tiles are contiguous, non-overlapping and cover
// every index. Tiles may be empty.
//
// A List is immutable; every operation returns a new List.
type List[T any] struct {
	items []T
	tiles []Tile
}

// Len returns the number of items.
func (l List[T]) Len() int { return len(l.items) }

// IsEmpty reports whether the list has no items.
func (l List[T]) IsEmpty() bool { return len(l.items) == 0 }

// At returns the item at index i.
func (l List[T]) At(i int) T { return l.items[i] }

// Items returns a copy of the items in presentation order.
func (l List[T]) Items() []T {
	return append([]T(nil), l.items...)
}

// Tiles returns a copy of the tile index.
func (l List[T]) Tiles() []Tile {
	return append([]Tile(nil), l.tiles...)
}

// TileCount returns the number of tiles, empty ones included.
func (l List[T]) TileCount() int { return len(l.tiles) }

// Tile returns the tile at position idx of the tile index.
func (l List[T]) Tile(idx int) Tile { return l.tiles[idx] }

// TileItems returns a copy of the items of tile idx.
func (l List[T]) TileItems(idx int) []T {
	t := l.tiles[idx]
	return append([]T(nil), l.items[t.Start:t.End]...)
}

// TileAt returns the position in the tile index of the tile containing
// item index i, in O(log tiles).
func (l List[T]) TileAt(i int) (int, bool) {
	if i < 0 || i >= len(l.items) {
		return -1, false
	}
	// Empty tiles have Start == End and are never the first tile whose End
	// exceeds i.
	idx := sort.Search(len(l.tiles), func(n int) bool { return l.tiles[n].End > i })
	if idx == len(l.tiles) {
		return -1, false
	}
	return idx, true
}

// QueryAt returns the query that produced the item at index i.
// It panics if i is out of range.
func (l List[T]) QueryAt(i int) cursor.Query {
	idx, ok := l.TileAt(i)
	if !ok {
		panic(fmt.Sprintf("tiling: index %d out of range [0, %d)", i, len(l.items)))
	}
	return l.tiles[idx].Query
}

// Slice returns a copy of the items in r, clamped to the list.
func (l List[T]) Slice(r cursor.Range) []T {
	r = r.Clamp(len(l.items))
	return append([]T(nil), l.items[r.Start:r.End]...)
}

// FindSlot returns the tile filling query's slot, if any.
func (l List[T]) FindSlot(query cursor.Query) (int, bool) {
	slot := query.SlotKey()
	for idx, t := range l.tiles {
		if t.Query.SlotKey() == slot {
			return idx, true
		}
	}
	return -1, false
}

// Pages decomposes the list back into the pages it was built from.
func (l List[T]) Pages() []Page[T] {
	pages := make([]Page[T], len(l.tiles))
	for idx, t := range l.tiles {
		pages[idx] = Page[T]{
			Query:  t.Query,
			Items:  l.items[t.Start:t.End:t.End],
			Source: t.Source,
			Seq:    t.Seq,
		}
	}
	return pages
}

// AddAll returns the list with a tile for query appended at the end.
func (l List[T]) AddAll(query cursor.Query, items []T) List[T] {
	return Build(func(b *Builder[T]) {
		b.AddList(l)
		b.AddAll(query, items)
	})
}

// WithTileItems returns the list with tile idx holding items instead of its
// current content. Tiles after idx shift to stay contiguous.
func (l List[T]) WithTileItems(idx int, items []T) List[T] {
	return Build(func(b *Builder[T]) {
		for n, page := range l.Pages() {
			if n == idx {
				page.Items = items
			}
			b.AddPage(page)
		}
	})
}

// Validate checks the tile coverage invariant.
func (l List[T]) Validate() error {
	next := 0
	for idx, t := range l.tiles {
		if t.Start != next {
			return fmt.Errorf("tile %d starts at %d, want %d", idx, t.Start, next)
		}
		if t.End < t.Start {
			return fmt.Errorf("tile %d has negative length", idx)
		}
		next = t.End
	}
	if next != len(l.items) {
		return fmt.Errorf("tiles cover %d items, list has %d", next, len(l.items))
	}
	return nil
}
