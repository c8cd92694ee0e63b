package window

import (
	"fmt"
	"time"

	"github.com/nicktill/searchsampler/pkg/period"
)

// EdgePolicy controls how windows that reach past the ends of the range are treated
type EdgePolicy string

const (
	// EdgeClip trims windows to the requested range. Periods near the ends
	// can receive fewer samples when the range is shorter than
	// stride × samples.
	EdgeClip EdgePolicy = "clip"

	// EdgePad keeps windows that extend past the range so every period,
	// including the edges, gets the full sample count. Values for periods
	// outside the range are discarded at merge time.
	EdgePad EdgePolicy = "pad"
)

// Options tunes window construction
type Options struct {
	// Stride is the distance between consecutive window starts, in periods (default 1)
	Stride int

	// Edge selects clip (default) or pad behaviour at the range ends
	Edge EdgePolicy
}

// Window is one API request: Len periods beginning at period index Start.
// Index is the window's position in emission order.
type Window struct {
	Index int
	Start int
	Len   int
}

// End returns the exclusive end period index
func (w Window) End() int {
	return w.Start + w.Len
}

// Contains reports whether period index p lies inside the window
func (w Window) Contains(p int) bool {
	return p >= w.Start && p < w.End()
}

func (w Window) String() string {
	return fmt.Sprintf("window#%d[%d,%d)", w.Index, w.Start, w.End())
}

// Periods returns the periods the window requests. Indices outside periods
// are extrapolated from the first period, and a truncated period followed by
// extrapolated ones runs to its nominal end so the result stays contiguous.
func (w Window) Periods(periods []period.Period, g period.Granularity) []period.Period {
	anchor := periods[0].Start
	startOf := func(i int) time.Time {
		if i >= 0 && i < len(periods) {
			return periods[i].Start
		}
		return period.Step(anchor, i, g)
	}

	out := make([]period.Period, 0, w.Len)
	for i := w.Start; i < w.End(); i++ {
		p := period.Period{Start: startOf(i)}
		switch {
		case i+1 < w.End():
			p.End = startOf(i + 1)
		case i >= 0 && i < len(periods):
			p.End, p.Truncated = periods[i].End, periods[i].Truncated
		default:
			p.End = period.Step(anchor, i+1, g)
		}
		out = append(out, p)
	}
	return out
}

// Bounds returns the inclusive first and last calendar day requested for the
// window.
func (w Window) Bounds(periods []period.Period, g period.Granularity) (time.Time, time.Time) {
	ps := w.Periods(periods, g)
	return ps[0].Start, ps[len(ps)-1].LastDay()
}

// Single returns the one window spanning all n periods
func Single(n int) []Window {
	return []Window{{Index: 0, Start: 0, Len: n}}
}

// Generate builds the overlapping windows that sample each of n periods
// samples times. Every window is samples × stride periods long and window
// starts advance by stride, beginning (samples-1) × stride periods before the
// range, so each period is covered by exactly samples windows before edge
// handling. Windows are returned in non-decreasing start order.
func Generate(n, samples int, opts Options) ([]Window, error) {
	if n < 1 {
		return nil, fmt.Errorf("window: need at least one period, got %d", n)
	}
	if samples < 1 {
		return nil, fmt.Errorf("window: samples per period must be >= 1, got %d", samples)
	}
	stride := opts.Stride
	if stride == 0 {
		stride = 1
	}
	if stride < 1 {
		return nil, fmt.Errorf("window: stride must be >= 1, got %d", stride)
	}
	edge := opts.Edge
	if edge == "" {
		edge = EdgeClip
	}
	if edge != EdgeClip && edge != EdgePad {
		return nil, fmt.Errorf("window: unknown edge policy %q", edge)
	}

	length := samples * stride
	seen := make(map[[2]int]bool)
	var windows []Window

	for start := -(samples - 1) * stride; start < n; start += stride {
		s, e := start, start+length
		if edge == EdgeClip {
			s, e = max(s, 0), min(e, n)
			if e <= s {
				continue
			}
			// Identical clipped ranges would be served the same cached
			// response, so they count once.
			if seen[[2]int{s, e}] {
				continue
			}
			seen[[2]int{s, e}] = true
		}
		windows = append(windows, Window{Index: len(windows), Start: s, Len: e - s})
	}

	return windows, nil
}

// Coverage counts, for each of the n periods, how many windows contain it
func Coverage(n int, windows []Window) []int {
	counts := make([]int, n)
	for _, w := range windows {
		for p := max(w.Start, 0); p < min(w.End(), n); p++ {
			counts[p]++
		}
	}
	return counts
}
