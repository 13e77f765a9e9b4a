// Package timestats tracks duration distributions over a bounded window of
// recent events, at millisecond resolution.
package timestats

import (
	"sort"
	"sync"
	"time"
)

// Tracker records event durations in a fixed-size ring and reports their
// distribution. All methods are safe for concurrent use.
type Tracker struct {
	mtx    sync.Mutex
	i, n   int
	events []int64
}

// NewTracker returns a tracker that keeps the last n events.
func NewTracker(n int) *Tracker {
	return &Tracker{events: make([]int64, n)}
}

// Add records one event duration, evicting the oldest event once the
// window is full.
func (t *Tracker) Add(d time.Duration) {
	ms := d.Milliseconds()

	t.mtx.Lock()
	t.events[t.i] = ms
	t.i = (t.i + 1) % len(t.events)
	t.n++
	t.mtx.Unlock()
}

// Quantile is one point of a tracked distribution: N events took at most
// Max milliseconds, at the relative rank Rel.
type Quantile struct {
	Rel string
	Max int64
	N   int64
}

var quantileRanks = []struct {
	num, den int64
	rel      string
}{
	{10, 100, "10%"},
	{25, 100, "25%"},
	{50, 100, "50%"},
	{75, 100, "75%"},
	{90, 100, "90%"},
	{99, 100, "99%"},
}

// Quantiles returns the distribution of the tracked window in ascending
// rank order, ending with the window maximum. Nil when nothing was
// tracked yet. Adjacent ranks landing on the same value are merged into
// the higher rank.
func (t *Tracker) Quantiles() []Quantile {
	t.mtx.Lock()
	n := t.n
	if n > len(t.events) {
		n = len(t.events)
	}
	if n == 0 {
		t.mtx.Unlock()
		return nil
	}
	sorted := make([]int64, n)
	copy(sorted, t.events[:n])
	t.mtx.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	res := make([]Quantile, 0, len(quantileRanks)+1)
	for _, qr := range quantileRanks {
		idx := int64(n) * qr.num / qr.den
		if idx >= int64(n-1) {
			// The window max below covers this rank.
			continue
		}
		q := Quantile{Rel: qr.rel, Max: sorted[idx], N: idx + 1}
		if len(res) > 0 && res[len(res)-1].Max == q.Max {
			res = res[:len(res)-1]
		}
		res = append(res, q)
	}

	max := Quantile{Rel: "100%", Max: sorted[n-1], N: int64(n)}
	if len(res) > 0 && res[len(res)-1].Max == max.Max {
		res = res[:len(res)-1]
	}
	return append(res, max)
}
