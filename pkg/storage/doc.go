/*
Package storage provides the pluggable persistence layer for sampled datasets.

# Datasets

A dataset is addressed by (Region, Name) and holds one sample.Table whose
rows are unique on (Timestamp, Sample, Term). Every backend implements Store:

	type Store interface {
	    Save(ctx context.Context, ds Dataset, table *sample.Table, mode Mode) (*SaveResult, error)
	    Load(ctx context.Context, ds Dataset) (*sample.Table, error)
	    Close() error
	}

Backends:
  - csvfile: one CSV per dataset at <root>/<region>/<region>-<name>.csv
  - badger: BadgerDB, one key per row under an xxhash prefix of the dataset
  - memory: in-process map for tests and dry runs

# Save modes

ModeOverwrite replaces the dataset with the new table, so saving the same
table twice leaves identical contents.

ModeAppend unions the new rows into the existing ones. Rows whose key is
already stored are skipped, which makes re-saving a table a no-op and lets
several runs accumulate samples in one dataset.

# Failures

Backends wrap every failure in *Error naming the operation and dataset.
A failed save never modifies the caller's table, and the CSV backend
replaces files atomically so an interrupted save keeps the previous file.
Loading a dataset that was never saved returns an error matching
ErrNotFound.
*/
package storage
