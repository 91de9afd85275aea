package tiling

import (
	"slices"
	"strings"

	"github.com/tunjid/heron-sub003/internal/cursor"
)

// Supersedes reports whether page a should occupy a slot over page b.
// Newer anchors win, then remote over local data, then the later fetch.
func Supersedes[T any](a, b Page[T]) bool {
	return comparePrecedence(a, b) >= 0
}

func comparePrecedence[T any](a, b Page[T]) int {
	if c := a.Query.Anchor.Compare(b.Query.Anchor); c != 0 {
		return c
	}
	if a.Source != b.Source {
		if a.Source > b.Source {
			return 1
		}
		return -1
	}
	switch {
	case a.Seq > b.Seq:
		return 1
	case a.Seq < b.Seq:
		return -1
	default:
		return 0
	}
}

// Merge places page into list.
//
// A tile already filling the page's slot (same filters, limit and page
// index) is replaced wholesale when page supersedes it and kept otherwise.
// A page with a new slot is inserted at the position implied by its query.
// Other tiles keep their relative order and content.
//
// The winner of each slot depends only on the pages offered, so merging is
// idempotent and the order in which pages arrive does not matter.
func Merge[T any](list List[T], page Page[T]) List[T] {
	pages := list.Pages()

	if idx, ok := list.FindSlot(page.Query); ok {
		if !Supersedes(page, pages[idx]) {
			return list
		}
		pages = slices.Delete(pages, idx, idx+1)
	}

	at, _ := slices.BinarySearchFunc(pages, page, comparePages[T])
	pages = slices.Insert(pages, at, page)

	return Build(func(b *Builder[T]) {
		for _, p := range pages {
			b.AddPage(p)
		}
	})
}

// MergeAll folds pages into list in order.
func MergeAll[T any](list List[T], pages ...Page[T]) List[T] {
	for _, page := range pages {
		list = Merge(list, page)
	}
	return list
}

func comparePages[T any](a, b Page[T]) int {
	if c := cursor.Compare(a.Query, b.Query); c != 0 {
		return c
	}
	return strings.Compare(a.Query.SlotKey(), b.Query.SlotKey())
}

// DistinctBy drops items whose key already appears elsewhere in the list,
// keeping the occurrence from the most recently fetched tile. Ties keep the
// first occurrence. Tile ranges are recomputed around the removed items;
// a tile left with no items stays in the index with zero length.
func DistinctBy[T any, K comparable](list List[T], key func(T) K) List[T] {
	if list.Len() == 0 {
		return list
	}

	type owner struct {
		index int
		seq   uint64
	}
	owners := make(map[K]owner, list.Len())
	for _, t := range list.tiles {
		for i := t.Start; i < t.End; i++ {
			k := key(list.items[i])
			current, seen := owners[k]
			if !seen || t.Seq > current.seq {
				owners[k] = owner{index: i, seq: t.Seq}
			}
		}
	}
	if len(owners) == list.Len() {
		return list
	}

	return Build(func(b *Builder[T]) {
		for _, t := range list.tiles {
			kept := make([]T, 0, t.Len())
			for i := t.Start; i < t.End; i++ {
				if owners[key(list.items[i])].index == i {
					kept = append(kept, list.items[i])
				}
			}
			b.AddPage(Page[T]{Query: t.Query, Items: kept, Source: t.Source, Seq: t.Seq})
		}
	})
}
