package months

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestNext_YearRollover(t *testing.T) {
	got, err := Next("2024-12")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != "2025-01" {
		t.Errorf("Next(2024-12) = %q, want 2025-01", got)
	}
}

func TestPrev_YearRollover(t *testing.T) {
	got, err := Prev("2025-01")
	if err != nil {
		t.Fatalf("Prev: %v", err)
	}
	if got != "2024-12" {
		t.Errorf("Prev(2025-01) = %q, want 2024-12", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, key := range []string{"2025-13", "2025-1", "202509", "garbage", ""} {
		if _, err := Parse(key); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", key)
		}
	}
}

func TestIn_HalfOpenWindow(t *testing.T) {
	since := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	got := In(since, until)
	want := []string{"2025-07", "2025-08"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("In() mismatch (-want +got):\n%s", diff)
	}
}

func TestIn_PartialMonthUntil(t *testing.T) {
	// An until inside a month still includes that month (first day < until).
	since := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2025, 8, 11, 0, 0, 0, 0, time.UTC)
	got := In(since, until)
	want := []string{"2025-08"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("In() mismatch (-want +got):\n%s", diff)
	}
}

func TestSpan_Inclusive(t *testing.T) {
	got := Span("2024-11", "2025-02")
	want := []string{"2024-11", "2024-12", "2025-01", "2025-02"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Span() mismatch (-want +got):\n%s", diff)
	}
	if s := Span("2025-03", "2025-01"); s != nil {
		t.Errorf("Span(reversed) = %v, want nil", s)
	}
}

func TestOfUnix(t *testing.T) {
	ts := time.Date(2025, 8, 31, 23, 59, 59, 0, time.UTC).Unix()
	if got := OfUnix(ts); got != "2025-08" {
		t.Errorf("OfUnix(%d) = %q, want 2025-08", ts, got)
	}
	if got := OfUnix(0); got != "" {
		t.Errorf("OfUnix(0) = %q, want empty", got)
	}
}
