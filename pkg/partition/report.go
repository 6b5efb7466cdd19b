package partition

import (
	"fmt"
	"time"
)

// Result is the outcome of one FetchAll run.
type Result[T any] struct {
	Items  []T
	Report Report
}

// Summary summarizes the run for users.
func (r Result[T]) Summary() Summary {
	return r.Report.Summary(len(r.Items))
}

// Report describes how a run covered its domain.
type Report struct {
	RunID    string        `json:"run_id"`
	Domain   Range         `json:"domain"`
	Cap      int           `json:"cap"`
	Fetches  int           `json:"fetches"`
	Splits   int           `json:"splits"`
	MaxDepth int           `json:"max_depth"`
	Duration time.Duration `json:"duration"`

	// Leaves are the ranges at which recursion stopped, sorted by Lo.
	// Failed and overflowing ranges are leaves as well, so Leaves always
	// partitions Domain.
	Leaves []Range `json:"leaves"`

	Failures  []FetchFailure           `json:"failures"`
	Overflows []UnsubdividableOverflow `json:"overflows"`
}

// Complete reports whether every item of the domain was retrieved.
func (r Report) Complete() bool {
	return len(r.Failures) == 0 && len(r.Overflows) == 0
}

// FailedRanges returns the ranges that should be retried.
func (r Report) FailedRanges() []Range {
	out := make([]Range, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Range)
	}
	return out
}

// Summary condenses a Report for users.
type Summary struct {
	Retrieved int `json:"retrieved"`

	FailedRanges int `json:"failed_ranges"`

	// FailedEstimate approximates the items covered by failed ranges.
	// Failures with an unknown estimate are not counted.
	FailedEstimate int `json:"failed_estimate"`

	// UnknownFailures counts failures whose size could not be estimated.
	UnknownFailures int `json:"unknown_failures"`

	Overflows int `json:"overflows"`

	// OverflowMissing counts items that exist in overflowing ranges but were not retrievable.
	OverflowMissing int `json:"overflow_missing"`
}

// Summary computes the user-visible summary for retrieved items.
func (r Report) Summary(retrieved int) Summary {
	s := Summary{
		Retrieved:    retrieved,
		FailedRanges: len(r.Failures),
		Overflows:    len(r.Overflows),
	}
	for _, f := range r.Failures {
		if f.Estimate < 0 {
			s.UnknownFailures++
			continue
		}
		s.FailedEstimate += f.Estimate
	}
	for _, o := range r.Overflows {
		s.OverflowMissing += o.Missing()
	}
	return s
}

// String renders the summary as a single line.
func (s Summary) String() string {
	msg := fmt.Sprintf("%d items retrieved", s.Retrieved)
	if s.FailedRanges > 0 {
		msg += fmt.Sprintf(", %d sub-ranges failed covering approximately %d items",
			s.FailedRanges, s.FailedEstimate)
		if s.UnknownFailures > 0 {
			msg += fmt.Sprintf(" (%d of unknown size)", s.UnknownFailures)
		}
	}
	if s.Overflows > 0 {
		msg += fmt.Sprintf(", %d ranges over cap missing %d items", s.Overflows, s.OverflowMissing)
	}
	return msg
}
