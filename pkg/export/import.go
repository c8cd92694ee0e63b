package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/searchsampler/pkg/sample"
	"github.com/nicktill/searchsampler/pkg/storage"
)

// Importer loads exported or legacy files into a store
type Importer struct {
	store storage.Store
}

// NewImporter creates a new importer
func NewImporter(store storage.Store) *Importer {
	return &Importer{store: store}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	Dataset    string    `json:"dataset"`
	RowsRead   int       `json:"rows_read"`
	Added      int       `json:"added"`
	Skipped    int       `json:"skipped"`
	Rejected   int       `json:"rejected"`
	ImportedAt time.Time `json:"imported_at"`
	Errors     []string  `json:"errors,omitempty"`
}

// ImportCSV appends a storage-layout CSV (including files written by
// older tooling) to ds
func (im *Importer) ImportCSV(ctx context.Context, r io.Reader, ds storage.Dataset, mode storage.Mode) (*ImportResult, error) {
	table, err := sample.ReadCSV(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	return im.save(ctx, ds, table, mode)
}

// ImportJSON loads a JSON export. Rows failing validation are skipped
// and reported.
func (im *Importer) ImportJSON(ctx context.Context, r io.Reader, ds storage.Dataset, mode storage.Mode) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	var rejected []string
	rows := make([]sample.Row, 0, len(doc.Rows))
	for i, row := range doc.Rows {
		if err := validateRow(row); err != nil {
			rejected = append(rejected, fmt.Sprintf("row %d: %v", i, err))
			continue
		}
		rows = append(rows, row)
	}

	res, err := im.save(ctx, ds, sample.NewTable(rows), mode)
	if err != nil {
		return nil, err
	}
	res.RowsRead = len(doc.Rows)
	res.Rejected = len(rejected)
	res.Errors = rejected
	return res, nil
}

func (im *Importer) save(ctx context.Context, ds storage.Dataset, table *sample.Table, mode storage.Mode) (*ImportResult, error) {
	saved, err := im.store.Save(ctx, ds, table, mode)
	if err != nil {
		return nil, err
	}
	return &ImportResult{
		Dataset:    ds.String(),
		RowsRead:   table.Len(),
		Added:      saved.Added,
		Skipped:    saved.Skipped,
		ImportedAt: saved.SavedAt,
	}, nil
}

func validateRow(r sample.Row) error {
	if r.Term == "" {
		return fmt.Errorf("term cannot be empty")
	}
	if r.Sample < 0 {
		return fmt.Errorf("negative sample index %d", r.Sample)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("timestamp cannot be zero")
	}
	if r.QueryTime.IsZero() {
		return fmt.Errorf("query_time cannot be zero")
	}
	return nil
}
