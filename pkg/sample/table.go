package sample

import (
	"time"
)

// Row is one observation of one term for one period
type Row struct {
	QueryTime time.Time `json:"query_time"`
	Sample    int       `json:"sample"`
	Term      string    `json:"term"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Key is the primary key of a Row within a Table
type Key struct {
	Timestamp int64 // unix seconds of the period start
	Sample    int
	Term      string
}

// Key returns the row's primary key
func (r Row) Key() Key {
	return Key{Timestamp: r.Timestamp.Unix(), Sample: r.Sample, Term: r.Term}
}

// Table is an ordered set of rows with unique keys
type Table struct {
	Rows []Row `json:"rows"`
}

// NewTable wraps rows without copying them
func NewTable(rows []Row) *Table {
	return &Table{Rows: rows}
}

// Len returns the number of rows
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Clone returns a copy whose rows can be modified independently
func (t *Table) Clone() *Table {
	if t == nil {
		return &Table{}
	}
	rows := make([]Row, len(t.Rows))
	copy(rows, t.Rows)
	return &Table{Rows: rows}
}

// Dedupe returns a copy of t keeping the first row for each key, and the
// number of rows dropped.
func (t *Table) Dedupe() (*Table, int) {
	out := &Table{}
	if t == nil {
		return out, 0
	}
	out.Rows = make([]Row, 0, len(t.Rows))
	seen := make(map[Key]struct{}, len(t.Rows))
	for _, r := range t.Rows {
		k := r.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out.Rows = append(out.Rows, r)
	}
	return out, len(t.Rows) - len(out.Rows)
}

// Union returns t followed by the rows of other whose keys are not already
// present. Existing rows win, and a key repeated within t keeps its first
// row. The second return value is the number of rows taken from other.
func (t *Table) Union(other *Table) (*Table, int) {
	out, _ := t.Dedupe()
	seen := make(map[Key]struct{}, out.Len()+other.Len())
	for _, r := range out.Rows {
		seen[r.Key()] = struct{}{}
	}

	added := 0
	if other == nil {
		return out, added
	}
	for _, r := range other.Rows {
		k := r.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out.Rows = append(out.Rows, r)
		added++
	}
	return out, added
}

// Terms lists the distinct terms in first-seen order
func (t *Table) Terms() []string {
	var terms []string
	seen := make(map[string]bool)
	for _, r := range t.Rows {
		if !seen[r.Term] {
			seen[r.Term] = true
			terms = append(terms, r.Term)
		}
	}
	return terms
}

// TimeRange returns the earliest and latest period timestamps in the table
func (t *Table) TimeRange() (time.Time, time.Time) {
	var oldest, newest time.Time
	for _, r := range t.Rows {
		if oldest.IsZero() || r.Timestamp.Before(oldest) {
			oldest = r.Timestamp
		}
		if newest.IsZero() || r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}
	return oldest, newest
}
