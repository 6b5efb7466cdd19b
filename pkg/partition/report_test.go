package partition

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestReport_Summary(t *testing.T) {
	report := Report{
		Failures: []FetchFailure{
			{Range: Range{Lo: 0, Hi: 9}, Estimate: 120},
			{Range: Range{Lo: 10, Hi: 19}, Estimate: 30},
			{Range: Range{Lo: 20, Hi: 29}, Estimate: -1},
		},
		Overflows: []UnsubdividableOverflow{
			{Range: Range{Lo: 42, Hi: 42}, Total: 1500, Cap: 1000},
		},
	}

	got := report.Summary(5000)
	want := Summary{
		Retrieved:       5000,
		FailedRanges:    3,
		FailedEstimate:  150,
		UnknownFailures: 1,
		Overflows:       1,
		OverflowMissing: 500,
	}
	if got != want {
		t.Errorf("Summary() = %+v, want %+v", got, want)
	}
}

func TestSummary_String(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    string
	}{
		{
			name:    "complete run",
			summary: Summary{Retrieved: 12},
			want:    "12 items retrieved",
		},
		{
			name:    "failed ranges",
			summary: Summary{Retrieved: 10, FailedRanges: 2, FailedEstimate: 37},
			want:    "10 items retrieved, 2 sub-ranges failed covering approximately 37 items",
		},
		{
			name:    "unknown failure size",
			summary: Summary{FailedRanges: 1, UnknownFailures: 1},
			want:    "0 items retrieved, 1 sub-ranges failed covering approximately 0 items (1 of unknown size)",
		},
		{
			name:    "overflows",
			summary: Summary{Retrieved: 3, Overflows: 1, OverflowMissing: 4},
			want:    "3 items retrieved, 1 ranges over cap missing 4 items",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.summary.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReport_JSON(t *testing.T) {
	report := Report{
		Domain: Range{Lo: 0, Hi: 7},
		Cap:    2,
		Failures: []FetchFailure{{
			Range:    Range{Lo: 4, Hi: 7},
			Estimate: 2,
			Cause:    "timeout",
			Err:      errors.New("timeout"),
		}},
	}

	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded struct {
		Domain   Range `json:"domain"`
		Failures []struct {
			Range Range  `json:"range"`
			Cause string `json:"cause"`
		} `json:"failures"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Domain != report.Domain {
		t.Errorf("domain = %v, want %v", decoded.Domain, report.Domain)
	}
	if len(decoded.Failures) != 1 || decoded.Failures[0].Cause != "timeout" {
		t.Errorf("failures = %+v, want one with cause", decoded.Failures)
	}
}

func TestFetchFailure_Unwrap(t *testing.T) {
	cause := errors.New("503")
	f := &FetchFailure{Range: Range{Lo: 1, Hi: 2}, Err: cause}
	if !errors.Is(f, cause) {
		t.Error("errors.Is(failure, cause) = false")
	}
	if got, want := f.Error(), "fetch [1, 2] failed: 503"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
