package timestats

import (
	"testing"
	"time"
)

// TestQuantiles checks the reported ranks against a known uniform
// distribution.
func TestQuantiles(t *testing.T) {
	t.Parallel()

	tr := NewTracker(100)
	for i := 1; i <= 100; i++ {
		tr.Add(time.Duration(i*10) * time.Millisecond)
	}

	qs := tr.Quantiles()
	if len(qs) == 0 {
		t.Fatal("no quantiles for non-empty tracker")
	}

	last := qs[len(qs)-1]
	if last.Rel != "100%" || last.Max != 1000 || last.N != 100 {
		t.Fatalf("unexpected max quantile: %+v", last)
	}

	var found bool
	for _, q := range qs {
		if q.Rel == "50%" {
			found = true
			if q.Max != 510 || q.N != 51 {
				t.Fatalf("unexpected median: %+v", q)
			}
		}
	}
	if !found {
		t.Fatal("median not reported")
	}

	for i := 1; i < len(qs); i++ {
		if qs[i].Max <= qs[i-1].Max {
			t.Fatalf("quantiles not strictly ascending: %+v", qs)
		}
	}
}

// TestQuantilesEmpty ensures an unused tracker reports nothing.
func TestQuantilesEmpty(t *testing.T) {
	t.Parallel()

	tr := NewTracker(10)
	if qs := tr.Quantiles(); qs != nil {
		t.Fatalf("unexpected quantiles: %+v", qs)
	}
}

// TestWindowEviction ensures only the most recent events are reported
// once the window wraps.
func TestWindowEviction(t *testing.T) {
	t.Parallel()

	tr := NewTracker(10)
	for i := 1; i <= 20; i++ {
		tr.Add(time.Duration(i) * time.Millisecond)
	}

	qs := tr.Quantiles()
	last := qs[len(qs)-1]
	if last.Max != 20 || last.N != 10 {
		t.Fatalf("unexpected max quantile: %+v", last)
	}
	for _, q := range qs {
		if q.Max <= 10 {
			t.Fatalf("evicted event still reported: %+v", q)
		}
	}
}

// TestQuantilesMerged ensures identical durations collapse into a single
// entry.
func TestQuantilesMerged(t *testing.T) {
	t.Parallel()

	tr := NewTracker(50)
	for i := 0; i < 50; i++ {
		tr.Add(25 * time.Millisecond)
	}

	qs := tr.Quantiles()
	if len(qs) != 1 {
		t.Fatalf("expected single merged quantile, got %+v", qs)
	}
	if qs[0].Rel != "100%" || qs[0].Max != 25 || qs[0].N != 50 {
		t.Fatalf("unexpected quantile: %+v", qs[0])
	}
}
