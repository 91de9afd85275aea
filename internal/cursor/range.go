package cursor

// Range is a half-open index range [Start, End).
type Range struct {
	Start int
	End   int
}

// Len returns the number of indices in the range.
func (r Range) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range covers no index.
func (r Range) Empty() bool { return r.Len() == 0 }

// Contains reports whether i lies in the range.
func (r Range) Contains(i int) bool {
	return i >= r.Start && i < r.End
}

// Overlaps reports whether the ranges share at least one index.
func (r Range) Overlaps(other Range) bool {
	return !r.Empty() && !other.Empty() && r.Start < other.End && other.Start < r.End
}

// Clamp limits the range to [0, n).
func (r Range) Clamp(n int) Range {
	if r.Start < 0 {
		r.Start = 0
	}
	if r.End > n {
		r.End = n
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}
