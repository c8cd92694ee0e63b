package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/searchsampler/pkg/sample"
	"github.com/nicktill/searchsampler/pkg/storage"
)

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly default)
	MaxMemoryMB int64

	// Logger receives badger's internal log lines (nil = silent)
	Logger *zap.SugaredLogger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Sample tables are small; 16 MB memtable unless told otherwise
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	if cfg.Logger != nil {
		opts = opts.WithLogger(zapLogger{cfg.Logger.Named("badger")})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save writes the table under ds.
// Enforces context timeout/cancellation to prevent indefinite blocking.
func (s *Storage) Save(ctx context.Context, ds storage.Dataset, table *sample.Table, mode storage.Mode) (*storage.SaveResult, error) {
	if err := ds.Validate(); err != nil {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
	}
	if mode != storage.ModeOverwrite && mode != storage.ModeAppend {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: fmt.Errorf("unknown save mode %q", mode)}
	}
	if err := ctx.Err(); err != nil {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
	}

	if table == nil {
		table = &sample.Table{}
	}

	prefix := datasetPrefix(ds)
	res := &storage.SaveResult{Dataset: ds, Mode: mode, Location: "badger://" + ds.String()}

	// Repeated keys would otherwise overwrite each other inside the txn
	table, res.Skipped = table.Dedupe()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			if err := claimPrefix(txn, prefix, ds); err != nil {
				return err
			}

			if mode == storage.ModeOverwrite {
				if err := deleteRows(ctx, txn, prefix); err != nil {
					return err
				}
			}

			for i, r := range table.Rows {
				if i%100 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				key := makeKey(prefix, r)
				if mode == storage.ModeAppend {
					_, err := txn.Get(key)
					if err == nil {
						res.Skipped++
						continue
					}
					if !errors.Is(err, badger.ErrKeyNotFound) {
						return err
					}
				}

				value, err := json.Marshal(r)
				if err != nil {
					return fmt.Errorf("failed to encode row: %w", err)
				}
				if err := txn.Set(key, value); err != nil {
					return fmt.Errorf("failed to write row: %w", err)
				}
				res.Added++
			}

			total, err := countRows(txn, prefix)
			res.TotalRows = total
			return err
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
		}
		res.SavedAt = time.Now()
		return res, nil
	case <-ctx.Done():
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: fmt.Errorf("save cancelled: %w", ctx.Err())}
	}
}

// Load reads every row of ds in key order (timestamp, sample, term)
func (s *Storage) Load(ctx context.Context, ds storage.Dataset) (*sample.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.Error{Op: "load", Dataset: ds, Err: err}
	}

	prefix := datasetPrefix(ds)

	type loadResult struct {
		table *sample.Table
		err   error
	}
	done := make(chan loadResult, 1)

	go func() {
		var res loadResult
		table := &sample.Table{}

		res.err = s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(prefix)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			if err := checkOwner(item, ds); err != nil {
				return err
			}

			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchSize = 100
			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				item := it.Item()
				if len(item.Key()) == len(prefix) {
					continue // owner marker
				}
				err := item.Value(func(val []byte) error {
					var r sample.Row
					if err := json.Unmarshal(val, &r); err != nil {
						return fmt.Errorf("failed to decode row: %w", err)
					}
					table.Rows = append(table.Rows, r)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		res.table = table
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &storage.Error{Op: "load", Dataset: ds, Err: res.err}
		}
		return res.table, nil
	case <-ctx.Done():
		return nil, &storage.Error{Op: "load", Dataset: ds, Err: fmt.Errorf("load cancelled: %w", ctx.Err())}
	}
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// datasetPrefix hashes the dataset identity into an 8 byte key prefix.
// The bare prefix doubles as the owner marker holding the dataset identity.
func datasetPrefix(ds storage.Dataset) []byte {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, xxhash.Sum64String(ds.Region+"\x00"+ds.Name))
	return prefix
}

// makeKey creates a sortable key:
// [dataset hash (8)][period start unix seconds (8)][sample (4)][term]
func makeKey(prefix []byte, r sample.Row) []byte {
	key := make([]byte, 0, 20+len(r.Term))
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(r.Timestamp.Unix()))
	key = binary.BigEndian.AppendUint32(key, uint32(r.Sample))
	return append(key, r.Term...)
}

func claimPrefix(txn *badger.Txn, prefix []byte, ds storage.Dataset) error {
	item, err := txn.Get(prefix)
	if errors.Is(err, badger.ErrKeyNotFound) {
		owner, err := json.Marshal(ds)
		if err != nil {
			return err
		}
		return txn.Set(prefix, owner)
	}
	if err != nil {
		return err
	}
	return checkOwner(item, ds)
}

func checkOwner(item *badger.Item, ds storage.Dataset) error {
	return item.Value(func(val []byte) error {
		var owner storage.Dataset
		if err := json.Unmarshal(val, &owner); err != nil {
			return fmt.Errorf("failed to decode dataset marker: %w", err)
		}
		if owner != ds {
			return fmt.Errorf("key prefix collision with dataset %s", owner)
		}
		return nil
	})
}

func deleteRows(ctx context.Context, txn *badger.Txn, prefix []byte) error {
	for i, key := range rowKeys(txn, prefix) {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func countRows(txn *badger.Txn, prefix []byte) (int, error) {
	return len(rowKeys(txn, prefix)), nil
}

// rowKeys lists the row keys under prefix, skipping the owner marker
func rowKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if len(it.Item().Key()) == len(prefix) {
			continue
		}
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// zapLogger adapts a zap logger to badger.Logger
type zapLogger struct {
	*zap.SugaredLogger
}

func (l zapLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
