package partition

import "fmt"

// Range is a closed integer interval [Lo, Hi] over the filter dimension.
type Range struct {
	Lo int64 `json:"lo"`
	Hi int64 `json:"hi"`
}

// Validate returns an *InvalidDomainError if Lo > Hi.
func (r Range) Validate() error {
	if r.Lo > r.Hi {
		return &InvalidDomainError{Lo: r.Lo, Hi: r.Hi}
	}
	return nil
}

// IsPoint reports whether the range holds exactly one coordinate.
func (r Range) IsPoint() bool {
	return r.Lo == r.Hi
}

// Len returns the number of integer points in the range.
// The full int64 domain does not fit into a uint64 count and saturates.
func (r Range) Len() uint64 {
	n := uint64(r.Hi) - uint64(r.Lo)
	if n == ^uint64(0) {
		return n
	}
	return n + 1
}

// Midpoint returns floor((Lo+Hi)/2) without overflowing int64.
func (r Range) Midpoint() int64 {
	return r.Lo + int64((uint64(r.Hi)-uint64(r.Lo))/2)
}

// Split bisects the range at its midpoint. The midpoint belongs to the
// left half, the right half starts at mid+1. Split must not be called on
// a single-point range.
func (r Range) Split() (left, right Range) {
	mid := r.Midpoint()
	return Range{Lo: r.Lo, Hi: mid}, Range{Lo: mid + 1, Hi: r.Hi}
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v int64) bool {
	return v >= r.Lo && v <= r.Hi
}

// String formats the range as "[lo, hi]".
func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Lo, r.Hi)
}

// compareRanges orders ranges by Lo, then Hi.
func compareRanges(a, b Range) int {
	switch {
	case a.Lo < b.Lo:
		return -1
	case a.Lo > b.Lo:
		return 1
	case a.Hi < b.Hi:
		return -1
	case a.Hi > b.Hi:
		return 1
	default:
		return 0
	}
}
