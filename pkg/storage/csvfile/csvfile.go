package csvfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nicktill/searchsampler/pkg/sample"
	"github.com/nicktill/searchsampler/pkg/storage"
)

// Storage keeps one CSV file per dataset at
// <root>/<region>/<region>-<name>.csv
type Storage struct {
	root string

	// serializes read-merge-write cycles within the process
	mu sync.Mutex
}

// Config holds CSV storage configuration
type Config struct {
	// Root directory; created on first save
	Root string
}

// New creates a CSV file storage backend
func New(cfg Config) (*Storage, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("csvfile: output root must not be empty")
	}
	return &Storage{root: cfg.Root}, nil
}

// Path returns the file backing ds
func (s *Storage) Path(ds storage.Dataset) string {
	return filepath.Join(s.root, ds.Region, fmt.Sprintf("%s-%s.csv", ds.Region, ds.Name))
}

// Save writes the table, merging with the existing file in append mode.
// The file is replaced atomically so a failed save never truncates
// previously collected samples.
func (s *Storage) Save(ctx context.Context, ds storage.Dataset, table *sample.Table, mode storage.Mode) (*storage.SaveResult, error) {
	if err := validate(ds); err != nil {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(ds)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
	}

	var existing *sample.Table
	if mode == storage.ModeAppend {
		prev, err := readFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
		default:
			existing = prev
		}
	}

	merged, added, skipped, err := storage.Merge(existing, table, mode)
	if err != nil {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
	}
	if err := writeFile(path, merged); err != nil {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
	}

	return &storage.SaveResult{
		Dataset:   ds,
		Mode:      mode,
		Location:  path,
		Added:     added,
		Skipped:   skipped,
		TotalRows: merged.Len(),
		SavedAt:   time.Now(),
	}, nil
}

// Load reads the dataset's CSV file
func (s *Storage) Load(ctx context.Context, ds storage.Dataset) (*sample.Table, error) {
	if err := validate(ds); err != nil {
		return nil, &storage.Error{Op: "load", Dataset: ds, Err: err}
	}

	t, err := readFile(s.Path(ds))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &storage.Error{Op: "load", Dataset: ds, Err: storage.ErrNotFound}
	}
	if err != nil {
		return nil, &storage.Error{Op: "load", Dataset: ds, Err: err}
	}
	return t, nil
}

// Close is a no-op; files are closed after every operation
func (s *Storage) Close() error {
	return nil
}

func validate(ds storage.Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	for _, part := range []string{ds.Region, ds.Name} {
		if strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return fmt.Errorf("invalid path component %q", part)
		}
	}
	return nil
}

func readFile(path string) (*sample.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := sample.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return t, nil
}

func writeFile(path string, t *sample.Table) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", tmp.Name(), err)
	}
	if err := sample.WriteCSV(tmp, t); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
