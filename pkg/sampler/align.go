package sampler

import (
	"fmt"
	"sort"

	"github.com/nicktill/searchsampler/pkg/fetch"
	"github.com/nicktill/searchsampler/pkg/period"
)

// align checks that series holds one point per window period for every
// requested term, and that each dated point falls inside its period, then
// flattens it to values per term.
func align(series fetch.Series, terms []string, periods []period.Period, g period.Granularity) (map[string][]float64, error) {
	n := len(periods)
	want := make(map[string]bool, len(terms))
	for _, term := range terms {
		want[term] = true
	}

	var extra []string
	for term := range series {
		if !want[term] {
			extra = append(extra, term)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return nil, fmt.Errorf("response contains unrequested terms %q", extra)
	}

	values := make(map[string][]float64, len(terms))
	for _, term := range terms {
		points, ok := series[term]
		if !ok {
			return nil, fmt.Errorf("response has no series for term %q", term)
		}
		if len(points) != n {
			return nil, fmt.Errorf("term %q: got %d points for %d periods", term, len(points), n)
		}

		vs := make([]float64, n)
		for i, p := range points {
			if !p.Date.IsZero() && !periods[i].Contains(p.Date, g) {
				return nil, fmt.Errorf("term %q: point %d dated %s falls outside period %s",
					term, i, p.Date.Format(period.DateLayout), periods[i])
			}
			vs[i] = p.Value
		}
		values[term] = vs
	}
	return values, nil
}
