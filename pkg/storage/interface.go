package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/searchsampler/pkg/sample"
)

// Store persists sample tables per dataset.
// Implementations: memory (testing), csvfile (default), badger (embedded KV)
type Store interface {
	// Save writes table to the dataset using the given mode, creating the
	// dataset if it does not exist yet
	Save(ctx context.Context, ds Dataset, table *sample.Table, mode Mode) (*SaveResult, error)

	// Load returns the persisted table; ErrNotFound if the dataset does not exist
	Load(ctx context.Context, ds Dataset) (*sample.Table, error)

	// Close cleanly shuts down the store
	Close() error
}

// Dataset addresses one persisted table
type Dataset struct {
	Region string `json:"region"`
	Name   string `json:"name"`
}

func (d Dataset) String() string {
	return d.Region + "-" + d.Name
}

// Validate rejects identifiers that cannot address a dataset
func (d Dataset) Validate() error {
	if d.Region == "" || d.Name == "" {
		return fmt.Errorf("dataset needs both region and name (got %q, %q)", d.Region, d.Name)
	}
	return nil
}

// Mode selects how Save treats an existing dataset
type Mode string

const (
	// ModeOverwrite replaces the dataset wholesale
	ModeOverwrite Mode = "overwrite"

	// ModeAppend unions with the existing dataset; on a primary key
	// collision the existing row is kept
	ModeAppend Mode = "append"
)

// ParseMode converts a user supplied string into a Mode
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeOverwrite, ModeAppend:
		return m, nil
	}
	return "", fmt.Errorf("unknown save mode %q (want overwrite or append)", s)
}

// SaveResult describes what a Save did
type SaveResult struct {
	Dataset   Dataset   `json:"dataset"`
	Mode      Mode      `json:"mode"`
	Location  string    `json:"location"`
	Added     int       `json:"added"`
	Skipped   int       `json:"skipped"`
	TotalRows int       `json:"total_rows"`
	SavedAt   time.Time `json:"saved_at"`
}

// ErrNotFound is returned by Load for datasets that were never saved
var ErrNotFound = errors.New("dataset not found")

// Error wraps any failure to read or write a dataset
type Error struct {
	Op      string
	Dataset Dataset
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Dataset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Merge applies mode to the existing and incoming tables. It is shared by
// backends that rewrite the whole dataset on every save. Keys repeated in
// incoming keep their first row and count as skipped in both modes.
func Merge(existing, incoming *sample.Table, mode Mode) (*sample.Table, int, int, error) {
	switch mode {
	case ModeOverwrite:
		out, dropped := incoming.Dedupe()
		return out, out.Len(), dropped, nil
	case ModeAppend:
		out, added := existing.Union(incoming)
		return out, added, incoming.Len() - added, nil
	}
	return nil, 0, 0, fmt.Errorf("unknown save mode %q", mode)
}
