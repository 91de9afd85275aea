package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestNewDefaultsAndCopiesFilters(t *testing.T) {
	filters := map[string]string{"feed": "home"}
	q := New(0, filters, t0)
	require.Equal(t, DefaultLimit, q.Limit)
	require.Equal(t, 0, q.PageIndex)

	filters["feed"] = "mutated"
	require.Equal(t, "home", q.Filter("feed"))

	out := q.Filters()
	out["feed"] = "also mutated"
	require.Equal(t, "home", q.Filter("feed"))
}

func TestResetKeepsFilterIdentity(t *testing.T) {
	q := New(20, map[string]string{"feed": "home"}, t0).WithPage(3)
	reset := q.Reset(t0.Add(time.Minute))

	require.Equal(t, 0, reset.PageIndex)
	require.Equal(t, t0.Add(time.Minute), reset.Anchor)
	require.True(t, reset.SameFeed(q))
	require.Equal(t, 3, q.PageIndex)
}

func TestSamePage(t *testing.T) {
	q := New(20, map[string]string{"feed": "home"}, t0)

	require.True(t, q.SamePage(q, 0))
	require.True(t, q.SamePage(q.Reset(t0.Add(500*time.Millisecond)), time.Second))
	require.False(t, q.SamePage(q.Reset(t0.Add(2*time.Second)), time.Second))
	require.False(t, q.SamePage(q.Next(), time.Hour))
	require.False(t, q.SamePage(q.WithFilter("feed", "other"), time.Hour))
	require.False(t, q.SamePage(New(10, map[string]string{"feed": "home"}, t0), time.Hour))
}

func TestKeysAreCanonical(t *testing.T) {
	a := New(20, map[string]string{"b": "2", "a": "1"}, t0)
	b := New(20, map[string]string{"a": "1", "b": "2"}, t0)
	require.Equal(t, a.Key(), b.Key())
	require.Equal(t, "a=1&b=2", a.FiltersKey())

	tricky := New(20, map[string]string{"a": "1&b=2"}, t0)
	require.NotEqual(t, a.FiltersKey(), tricky.FiltersKey())

	require.Equal(t, a.SlotKey(), a.Reset(t0.Add(time.Hour)).SlotKey())
	require.NotEqual(t, a.Key(), a.Reset(t0.Add(time.Hour)).Key())
}

func TestCompare(t *testing.T) {
	older := New(20, nil, t0)
	newer := older.Reset(t0.Add(time.Minute))

	require.Equal(t, -1, Compare(older, older.Next()))
	require.Equal(t, 1, Compare(older.Next(), newer))
	require.Equal(t, -1, Compare(newer, older))
	require.Equal(t, 0, Compare(older, older))
}

func TestPrev(t *testing.T) {
	q := New(20, nil, t0)
	_, ok := q.Prev()
	require.False(t, ok)

	prev, ok := q.Next().Next().Prev()
	require.True(t, ok)
	require.Equal(t, 1, prev.PageIndex)
}

func TestValidate(t *testing.T) {
	require.NoError(t, New(20, nil, t0).Validate())
	require.ErrorIs(t, Query{Limit: 1}.Validate(), ErrInvalidQuery)
	require.ErrorIs(t, New(20, nil, t0).WithPage(-1).Validate(), ErrInvalidQuery)
}

func TestRange(t *testing.T) {
	r := Range{Start: 2, End: 5}
	require.Equal(t, 3, r.Len())
	require.True(t, r.Contains(2))
	require.False(t, r.Contains(5))
	require.True(t, r.Overlaps(Range{Start: 4, End: 9}))
	require.False(t, r.Overlaps(Range{Start: 5, End: 9}))
	require.Equal(t, Range{Start: 0, End: 3}, Range{Start: -1, End: 3}.Clamp(10))
	require.True(t, Range{Start: 4, End: 2}.Empty())
}
