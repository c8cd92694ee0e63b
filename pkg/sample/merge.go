package sample

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/searchsampler/pkg/logging"
	"github.com/nicktill/searchsampler/pkg/period"
	"github.com/nicktill/searchsampler/pkg/window"
)

// WindowResult holds the values a window returned, aligned to the window's
// periods: Values[term][i] belongs to period index Window.Start+i.
type WindowResult struct {
	Window    window.Window
	QueryTime time.Time
	Values    map[string][]float64
}

// MergeInput is everything Merge needs to assemble a table
type MergeInput struct {
	Periods []period.Period
	Windows []window.Window

	// Results is indexed like Windows. A nil entry marks a failed window:
	// it still consumes its sample slot but contributes no rows.
	Results []*WindowResult

	Terms   []string
	Samples int

	Logger *zap.SugaredLogger
}

// MergeConflictError signals an invariant break between window generation
// and merging. It is never transient.
type MergeConflictError struct {
	Window int
	Reason string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict in window %d: %s", e.Window, e.Reason)
}

// Merge aligns every window's values onto the global period index and
// returns the long-format table. The sample index of a value is the number
// of earlier windows, in emission order, that also cover its period. Rows are
// ordered by period, then sample, then term in query order.
func Merge(in MergeInput) (*Table, error) {
	if len(in.Results) != len(in.Windows) {
		return nil, &MergeConflictError{Window: -1,
			Reason: fmt.Sprintf("%d results for %d windows", len(in.Results), len(in.Windows))}
	}
	logger := in.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	rank := make(map[string]int, len(in.Terms))
	for i, term := range in.Terms {
		rank[term] = i
	}

	c := newCollector(logger)
	slots := make([]int, len(in.Periods))

	for k, w := range in.Windows {
		if w.Index != k {
			return nil, &MergeConflictError{Window: k, Reason: fmt.Sprintf("window emitted out of order (index %d)", w.Index)}
		}
		res := in.Results[k]
		if res != nil && res.Window != w {
			return nil, &MergeConflictError{Window: k, Reason: fmt.Sprintf("result belongs to %s", res.Window)}
		}

		for p := max(w.Start, 0); p < min(w.End(), len(in.Periods)); p++ {
			idx := slots[p]
			slots[p]++
			if idx >= in.Samples {
				return nil, &MergeConflictError{Window: k,
					Reason: fmt.Sprintf("period %s sampled more than %d times", in.Periods[p].Start.Format(period.DateLayout), in.Samples)}
			}
			if res == nil {
				continue
			}

			for term, values := range res.Values {
				if _, ok := rank[term]; !ok {
					return nil, &MergeConflictError{Window: k, Reason: fmt.Sprintf("unexpected term %q", term)}
				}
				if len(values) != w.Len {
					return nil, &MergeConflictError{Window: k,
						Reason: fmt.Sprintf("term %q has %d values for %d periods", term, len(values), w.Len)}
				}
				c.put(Row{
					QueryTime: res.QueryTime,
					Sample:    idx,
					Term:      term,
					Timestamp: in.Periods[p].Start,
					Value:     values[p-w.Start],
				})
			}
		}
	}

	rows := c.rows()
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Sample != b.Sample {
			return a.Sample < b.Sample
		}
		return rank[a.Term] < rank[b.Term]
	})
	return NewTable(rows), nil
}

// collector accumulates rows keyed by primary key; a repeated key replaces
// the earlier row and is logged.
type collector struct {
	logger *zap.SugaredLogger
	index  map[Key]int
	list   []Row
}

func newCollector(logger *zap.SugaredLogger) *collector {
	return &collector{logger: logger, index: make(map[Key]int)}
}

func (c *collector) put(r Row) bool {
	k := r.Key()
	if i, dup := c.index[k]; dup {
		c.logger.Warnw("Duplicate sample key, keeping later value",
			zap.Time("timestamp", r.Timestamp), zap.Int("sample", r.Sample), zap.String("term", r.Term),
			zap.Float64("previous", c.list[i].Value), zap.Float64("value", r.Value))
		c.list[i] = r
		return true
	}
	c.index[k] = len(c.list)
	c.list = append(c.list, r)
	return false
}

func (c *collector) rows() []Row {
	return c.list
}
