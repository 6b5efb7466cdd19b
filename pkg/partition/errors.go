package partition

import (
	"errors"
	"fmt"
)

// Common errors returned by the partitioner.
var (
	// ErrInvalidDomain is matched by *InvalidDomainError.
	ErrInvalidDomain = errors.New("invalid domain")

	// ErrInvalidPage is returned when a fetcher reports more items than its total or the cap allows.
	ErrInvalidPage = errors.New("invalid page")
)

// InvalidDomainError is returned when a caller supplies lo > hi.
type InvalidDomainError struct {
	Lo int64
	Hi int64
}

// Error implements the error interface.
func (e *InvalidDomainError) Error() string {
	return fmt.Sprintf("invalid domain: lo %d > hi %d", e.Lo, e.Hi)
}

// Is lets errors.Is match ErrInvalidDomain.
func (e *InvalidDomainError) Is(target error) bool {
	return target == ErrInvalidDomain
}

// FetchFailure records a sub-range whose fetch failed. The range
// contributes no items; callers may retry it on its own.
type FetchFailure struct {
	Range Range `json:"range"`

	// Estimate approximates how many items the range holds, derived from
	// the parent's and sibling's totals. -1 when unknown.
	Estimate int `json:"estimate"`

	Depth int    `json:"depth"`
	Cause string `json:"cause"`
	Err   error  `json:"-"`
}

// Error implements the error interface.
func (f *FetchFailure) Error() string {
	return fmt.Sprintf("fetch %s failed: %v", f.Range, f.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (f *FetchFailure) Unwrap() error {
	return f.Err
}

// OverflowReason tells why an overflowing range was not bisected.
type OverflowReason string

const (
	// OverflowSinglePoint means the range is one coordinate holding more items than the cap.
	OverflowSinglePoint OverflowReason = "single_point"

	// OverflowMaxDepth means the recursion depth guard stopped further bisection.
	OverflowMaxDepth OverflowReason = "max_depth"
)

// UnsubdividableOverflow is a warning-level report entry for a range that
// still exceeds the cap but cannot be split further. Its capped page was
// accepted as final, so Total-Cap items are missing.
type UnsubdividableOverflow struct {
	Range  Range          `json:"range"`
	Total  int            `json:"total"`
	Cap    int            `json:"cap"`
	Reason OverflowReason `json:"reason"`
}

// Missing returns the number of items that could not be retrieved.
func (o UnsubdividableOverflow) Missing() int {
	if o.Total <= o.Cap {
		return 0
	}
	return o.Total - o.Cap
}

// Error implements the error interface.
func (o *UnsubdividableOverflow) Error() string {
	return fmt.Sprintf("range %s holds %d items, only %d retrievable (%s)",
		o.Range, o.Total, o.Cap, o.Reason)
}
