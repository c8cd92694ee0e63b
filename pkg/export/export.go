package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/searchsampler/pkg/period"
	"github.com/nicktill/searchsampler/pkg/sample"
	"github.com/nicktill/searchsampler/pkg/storage"
)

// Format selects the export encoding
type Format string

const (
	// FormatCSV writes raw rows in the storage column layout
	FormatCSV Format = "csv"

	// FormatJSON writes raw rows with metadata
	FormatJSON Format = "json"
)

// ParseFormat converts a user supplied string into a Format. Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("invalid format %q (want csv or json)", s)
}

// Exporter writes stored datasets out in various formats
type Exporter struct {
	store storage.Store
}

// NewExporter creates a new exporter
func NewExporter(store storage.Store) *Exporter {
	return &Exporter{store: store}
}

// Options configures the export operation
type Options struct {
	// Inclusive timestamp range; zero values leave the side open
	Start time.Time
	End   time.Time

	// Filter by term (nil = all terms)
	Terms []string

	Format Format
}

// Result contains stats about the export
type Result struct {
	Dataset      string    `json:"dataset"`
	RowsExported int       `json:"rows_exported"`
	TimeRange    string    `json:"time_range"`
	Format       Format    `json:"format"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Document is the JSON export layout; Import reads it back
type Document struct {
	Metadata struct {
		Dataset    storage.Dataset `json:"dataset"`
		ExportedAt time.Time       `json:"exported_at"`
		RowCount   int             `json:"row_count"`
		Terms      []string        `json:"terms"`
		Version    string          `json:"version"`
	} `json:"metadata"`
	Rows []sample.Row `json:"rows"`
}

// Export loads ds, filters it and writes it to w
func (e *Exporter) Export(ctx context.Context, w io.Writer, ds storage.Dataset, opts Options) (*Result, error) {
	table, err := e.store.Load(ctx, ds)
	if err != nil {
		return nil, err
	}
	table = Filter(table, opts)

	switch opts.Format {
	case FormatJSON:
		err = writeJSON(w, ds, table)
	case FormatCSV, "":
		opts.Format = FormatCSV
		err = sample.WriteCSV(w, table)
	default:
		return nil, fmt.Errorf("invalid format %q", opts.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", ds, err)
	}

	first, last := table.TimeRange()
	return &Result{
		Dataset:      ds.String(),
		RowsExported: table.Len(),
		TimeRange:    fmt.Sprintf("%s to %s", first.Format(period.DateLayout), last.Format(period.DateLayout)),
		Format:       opts.Format,
		ExportedAt:   time.Now(),
	}, nil
}

// Filter returns the rows of t matching opts' time range and terms
func Filter(t *sample.Table, opts Options) *sample.Table {
	var terms map[string]bool
	if len(opts.Terms) > 0 {
		terms = make(map[string]bool, len(opts.Terms))
		for _, term := range opts.Terms {
			terms[term] = true
		}
	}

	rows := make([]sample.Row, 0, t.Len())
	for _, r := range t.Clone().Rows {
		if !opts.Start.IsZero() && r.Timestamp.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && r.Timestamp.After(opts.End) {
			continue
		}
		if terms != nil && !terms[r.Term] {
			continue
		}
		rows = append(rows, r)
	}
	return sample.NewTable(rows)
}

func writeJSON(w io.Writer, ds storage.Dataset, t *sample.Table) error {
	var doc Document
	doc.Metadata.Dataset = ds
	doc.Metadata.ExportedAt = time.Now().UTC()
	doc.Metadata.RowCount = t.Len()
	doc.Metadata.Terms = t.Terms()
	doc.Metadata.Version = "1.0"
	doc.Rows = t.Rows
	if doc.Rows == nil {
		doc.Rows = []sample.Row{}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}
