package tiling

import "github.com/tunjid/heron-sub003/internal/cursor"

// Builder assembles a List tile by tile.
type Builder[T any] struct {
	items []T
	tiles []Tile
}

// Build runs fn against a fresh Builder and returns the result.
func Build[T any](fn func(b *Builder[T])) List[T] {
	b := &Builder[T]{}
	fn(b)
	return b.List()
}

// AddAll appends a local tile for query.
func (b *Builder[T]) AddAll(query cursor.Query, items []T) *Builder[T] {
	return b.AddPage(Page[T]{Query: query, Items: items, Source: SourceLocal})
}

// AddPage appends page as a tile.
func (b *Builder[T]) AddPage(page Page[T]) *Builder[T] {
	start := len(b.items)
	b.items = append(b.items, page.Items...)
	b.tiles = append(b.tiles, Tile{
		Query:  page.Query,
		Start:  start,
		End:    len(b.items),
		Source: page.Source,
		Seq:    page.Seq,
	})
	return b
}

// AddList appends every tile of l.
func (b *Builder[T]) AddList(l List[T]) *Builder[T] {
	for _, page := range l.Pages() {
		b.AddPage(page)
	}
	return b
}

// List returns the assembled list. The builder may keep being used.
func (b *Builder[T]) List() List[T] {
	return List[T]{
		items: append([]T(nil), b.items...),
		tiles: append([]Tile(nil), b.tiles...),
	}
}
