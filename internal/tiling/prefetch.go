package tiling

import (
	"sort"
	"time"

	"github.com/tunjid/heron-sub003/internal/cursor"
)

// PivotRequest is the input of PlanPrefetch.
type PivotRequest struct {
	// Visible is the index range currently on screen.
	Visible cursor.Range

	// Query is the current query; its anchor and filters identify the pages
	// that count as resident.
	Query cursor.Query

	// Ahead and Behind are how many pages past the visible pages must be
	// resident in each direction.
	Ahead  int
	Behind int

	// LastPage is the last page the remote has, or -1 when unknown.
	LastPage int

	// Tolerance is how far a tile's anchor may drift from Query's anchor
	// and still count as resident.
	Tolerance time.Duration
}

// Window returns the inclusive page range [lo, hi] the request wants
// resident for list.
func Window[T any](req PivotRequest, list List[T]) (lo, hi int) {
	first, last := req.Query.PageIndex, req.Query.PageIndex
	if !list.IsEmpty() && !req.Visible.Empty() {
		visible := req.Visible.Clamp(list.Len())
		if !visible.Empty() {
			first = list.QueryAt(visible.Start).PageIndex
			last = list.QueryAt(visible.End - 1).PageIndex
			if first > last {
				first, last = last, first
			}
		}
	}
	lo = max(first-max(req.Behind, 0), 0)
	hi = last + max(req.Ahead, 0)
	if req.LastPage >= 0 {
		hi = min(hi, req.LastPage)
	}
	return lo, hi
}

// PlanPrefetch returns the queries for pages of the window that are not
// resident in list, nearest to the visible pages first. It is a pure
// function of its arguments.
func PlanPrefetch[T any](req PivotRequest, list List[T]) []cursor.Query {
	lo, hi := Window(req, list)
	if hi < lo {
		return nil
	}

	resident := make(map[int]bool, list.TileCount())
	for _, t := range list.tiles {
		if t.Source == SourceSynthetic || !t.Query.SameFeed(req.Query) {
			continue
		}
		if cursor.AnchorsWithin(t.Query.Anchor, req.Query.Anchor, req.Tolerance) {
			resident[t.Query.PageIndex] = true
		}
	}

	center := pivotPage(req, list)
	var missing []cursor.Query
	for page := lo; page <= hi; page++ {
		if !resident[page] {
			missing = append(missing, req.Query.WithPage(page))
		}
	}
	sort.SliceStable(missing, func(i, j int) bool {
		return distance(missing[i].PageIndex, center) < distance(missing[j].PageIndex, center)
	})
	return missing
}

// InWindow reports whether query's page is still wanted for req.
func InWindow[T any](req PivotRequest, list List[T], query cursor.Query) bool {
	if !query.SameFeed(req.Query) {
		return false
	}
	lo, hi := Window(req, list)
	return query.PageIndex >= lo && query.PageIndex <= hi
}

func pivotPage[T any](req PivotRequest, list List[T]) int {
	visible := req.Visible.Clamp(list.Len())
	if visible.Empty() {
		return req.Query.PageIndex
	}
	return list.QueryAt(visible.Start + visible.Len()/2).PageIndex
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
