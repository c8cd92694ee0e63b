package period

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Granularity is the length of a single reporting bucket
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// DateLayout is the calendar date format used on the wire and in storage
const DateLayout = "2006-01-02"

// ParseGranularity converts a user supplied string into a Granularity
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", fmt.Errorf("unknown granularity %q (want day, week or month)", s)
	}
	return g, nil
}

// Valid reports whether g is one of the supported units
func (g Granularity) Valid() bool {
	switch g {
	case Day, Week, Month:
		return true
	}
	return false
}

func (g Granularity) String() string {
	return string(g)
}

// Period is a half-open [Start, End) interval. Start identifies the period.
type Period struct {
	Start time.Time
	End   time.Time

	// Truncated is set on the final period when the range ends before
	// the nominal boundary.
	Truncated bool
}

// LastDay returns the inclusive last calendar day of the period
func (p Period) LastDay() time.Time {
	return p.End.AddDate(0, 0, -1)
}

func (p Period) String() string {
	return fmt.Sprintf("%s..%s", p.Start.Format(DateLayout), p.LastDay().Format(DateLayout))
}

// Date truncates t to a UTC calendar date
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate reads a user supplied calendar date. ISO dates are the norm,
// other common layouts ("Jan 5 2014", "01/05/2014") are accepted too.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date(t), nil
}

// Floor returns the calendar boundary at or before t: the date itself for
// days and weeks, the first of the month for months.
func Floor(t time.Time, g Granularity) time.Time {
	t = Date(t)
	if g == Month {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Step returns the start of the i-th period counted from anchor. Negative i
// walks backwards. Months follow the calendar: period 0 starts at anchor and
// every other period starts on the 1st, so a mid-month anchor yields a short
// leading period rather than shifted month boundaries.
func Step(anchor time.Time, i int, g Granularity) time.Time {
	anchor = Date(anchor)
	switch g {
	case Day:
		return anchor.AddDate(0, 0, i)
	case Week:
		return anchor.AddDate(0, 0, 7*i)
	case Month:
		if i == 0 {
			return anchor
		}
		return Floor(anchor, Month).AddDate(0, i, 0)
	}
	panic(fmt.Sprintf("period: invalid granularity %q", g))
}

// Contains reports whether t identifies a day inside p. Month data is
// labelled by the first of its month, which precedes a short leading period.
func (p Period) Contains(t time.Time, g Granularity) bool {
	t = Date(t)
	return !t.Before(Floor(p.Start, g)) && t.Before(p.End)
}

// Partition splits the inclusive date range [start, end] into contiguous
// periods of the given granularity, starting at start.
func Partition(start, end time.Time, g Granularity) ([]Period, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("unknown granularity %q", g)
	}
	start, end = Date(start), Date(end)
	if end.Before(start) {
		return nil, fmt.Errorf("start %s is after end %s", start.Format(DateLayout), end.Format(DateLayout))
	}

	stop := end.AddDate(0, 0, 1) // exclusive
	var periods []Period
	for i := 0; ; i++ {
		ps := Step(start, i, g)
		if !ps.Before(stop) {
			break
		}
		pe := Step(start, i+1, g)
		truncated := false
		if pe.After(stop) {
			pe = stop
			truncated = true
		}
		periods = append(periods, Period{Start: ps, End: pe, Truncated: truncated})
	}
	return periods, nil
}
