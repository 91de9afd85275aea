// Package cursor defines the page request descriptor used by the tiling engine.
package cursor

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DefaultLimit is the page size used when a query does not specify one.
const DefaultLimit = 50

// ErrInvalidQuery is returned by Validate.
var ErrInvalidQuery = errors.New("invalid cursor query")

// Query describes one page request: a page index counted from the anchor,
// the anchor timestamp, a page size and entity specific filters.
//
// Query is a value type. Methods never modify the receiver and the filter
// map is copied on the way in and on the way out.
type Query struct {
	PageIndex int
	Anchor    time.Time
	Limit     int

	filters map[string]string
}

// New returns page 0 anchored at now.
func New(limit int, filters map[string]string, now time.Time) Query {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return Query{
		Anchor:  now.UTC(),
		Limit:   limit,
		filters: copyFilters(filters),
	}
}

// Filters returns a copy of the query's filters.
func (q Query) Filters() map[string]string {
	return copyFilters(q.filters)
}

// Filter returns a single filter value.
func (q Query) Filter(name string) string {
	return q.filters[name]
}

// WithFilter returns a copy of q with the filter set.
func (q Query) WithFilter(name, value string) Query {
	filters := copyFilters(q.filters)
	if filters == nil {
		filters = make(map[string]string, 1)
	}
	filters[name] = value
	q.filters = filters
	return q
}

// Reset starts a refresh: page 0, anchored at now, same filters and limit.
func (q Query) Reset(now time.Time) Query {
	q.PageIndex = 0
	q.Anchor = now.UTC()
	return q
}

// WithPage returns q moved to page index.
func (q Query) WithPage(index int) Query {
	q.PageIndex = index
	return q
}

// Next returns the following page under the same anchor.
func (q Query) Next() Query { return q.WithPage(q.PageIndex + 1) }

// Prev returns the preceding page under the same anchor. Page 0 has no
// predecessor and is returned unchanged with ok false.
func (q Query) Prev() (Query, bool) {
	if q.PageIndex == 0 {
		return q, false
	}
	return q.WithPage(q.PageIndex - 1), true
}

// SamePage reports whether q and other request the same page: every field
// matches and the anchors are no more than tolerance apart.
func (q Query) SamePage(other Query, tolerance time.Duration) bool {
	if q.PageIndex != other.PageIndex || q.Limit != other.Limit {
		return false
	}
	if !maps.Equal(q.filters, other.filters) {
		return false
	}
	return AnchorsWithin(q.Anchor, other.Anchor, tolerance)
}

// Equal reports whether q and other are identical, anchors included.
func (q Query) Equal(other Query) bool {
	return q.SamePage(other, 0) && q.Anchor.Equal(other.Anchor)
}

// SameFeed reports whether q and other page through the same filtered feed.
func (q Query) SameFeed(other Query) bool {
	return q.Limit == other.Limit && maps.Equal(q.filters, other.filters)
}

// FiltersKey is a canonical encoding of the filters.
func (q Query) FiltersKey() string {
	if len(q.filters) == 0 {
		return ""
	}
	names := slices.Sorted(maps.Keys(q.filters))
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escape(name))
		b.WriteByte('=')
		b.WriteString(escape(q.filters[name]))
	}
	return b.String()
}

// SlotKey identifies the tile slot the query fills, independent of anchor.
func (q Query) SlotKey() string {
	return q.FiltersKey() + "#" + strconv.Itoa(q.Limit) + "#" + strconv.Itoa(q.PageIndex)
}

// Key identifies the exact query including its anchor.
func (q Query) Key() string {
	return q.SlotKey() + "@" + strconv.FormatInt(q.Anchor.UnixNano(), 10)
}

// Validate reports malformed queries.
func (q Query) Validate() error {
	if q.PageIndex < 0 {
		return fmt.Errorf("%w: negative page index %d", ErrInvalidQuery, q.PageIndex)
	}
	if q.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidQuery)
	}
	if q.Anchor.IsZero() {
		return fmt.Errorf("%w: anchor is required", ErrInvalidQuery)
	}
	return nil
}

func (q Query) String() string {
	return fmt.Sprintf("page=%d anchor=%s limit=%d filters=%q",
		q.PageIndex, q.Anchor.Format(time.RFC3339Nano), q.Limit, q.FiltersKey())
}

// Compare orders queries by page index ascending, then newer anchors first.
func Compare(a, b Query) int {
	if a.PageIndex != b.PageIndex {
		if a.PageIndex < b.PageIndex {
			return -1
		}
		return 1
	}
	return b.Anchor.Compare(a.Anchor)
}

// AnchorsWithin reports whether two anchors are at most tolerance apart.
func AnchorsWithin(a, b time.Time, tolerance time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func copyFilters(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}

var filterEscaper = strings.NewReplacer("%", "%25", "&", "%26", "=", "%3D", "#", "%23", "@", "%40")

func escape(s string) string {
	return filterEscaper.Replace(s)
}
