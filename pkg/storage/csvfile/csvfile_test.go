package csvfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/searchsampler/pkg/sample"
	"github.com/nicktill/searchsampler/pkg/storage"
)

var ds = storage.Dataset{Region: "US-DC", Name: "flu_symptoms"}

func table(values ...float64) *sample.Table {
	rows := make([]sample.Row, len(values))
	for i, v := range values {
		rows[i] = sample.Row{
			QueryTime: time.Date(2018, 3, 1, 12, 0, 0, 0, time.UTC),
			Sample:    i % 3,
			Term:      "cough",
			Timestamp: time.Date(2014, 1, 1+7*(i/3), 0, 0, 0, 0, time.UTC),
			Value:     v,
		}
	}
	return sample.NewTable(rows)
}

func newStore(t *testing.T) *Storage {
	t.Helper()
	store, err := New(Config{Root: filepath.Join(t.TempDir(), "data")})
	require.NoError(t, err)
	return store
}

func TestStorage_PathLayout(t *testing.T) {
	store, err := New(Config{Root: "out"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("out", "US-DC", "US-DC-flu_symptoms.csv"), store.Path(ds))
}

func TestStorage_OverwriteIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	tbl := table(1, 2, 3, 4, 5, 6)

	_, err := store.Save(ctx, ds, tbl, storage.ModeOverwrite)
	require.NoError(t, err)
	once, err := os.ReadFile(store.Path(ds))
	require.NoError(t, err)

	res, err := store.Save(ctx, ds, tbl, storage.ModeOverwrite)
	require.NoError(t, err)
	twice, err := os.ReadFile(store.Path(ds))
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, 6, res.TotalRows)

	loaded, err := store.Load(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, tbl, loaded)
}

func TestStorage_AppendIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	tbl := table(1, 2, 3)

	first, err := store.Save(ctx, ds, tbl, storage.ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Added)
	before, err := os.ReadFile(store.Path(ds))
	require.NoError(t, err)

	second, err := store.Save(ctx, ds, tbl, storage.ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Added)
	assert.Equal(t, 3, second.Skipped)
	after, err := os.ReadFile(store.Path(ds))
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestStorage_AppendKeepsExistingRows(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, ds, table(1, 2, 3), storage.ModeAppend)
	require.NoError(t, err)

	res, err := store.Save(ctx, ds, table(10, 20, 30, 40, 50, 60), storage.ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Added)
	assert.Equal(t, 6, res.TotalRows)

	loaded, err := store.Load(ctx, ds)
	require.NoError(t, err)
	var values []float64
	for _, r := range loaded.Rows {
		values = append(values, r.Value)
	}
	assert.Equal(t, []float64{1, 2, 3, 40, 50, 60}, values)
}

func TestStorage_OverwriteReplaces(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, ds, table(1, 2, 3, 4), storage.ModeAppend)
	require.NoError(t, err)
	_, err = store.Save(ctx, ds, table(9), storage.ModeOverwrite)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, ds)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Len())
	assert.Equal(t, 9.0, loaded.Rows[0].Value)
}

func TestStorage_LoadMissing(t *testing.T) {
	store := newStore(t)

	_, err := store.Load(context.Background(), ds)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	var serr *storage.Error
	assert.ErrorAs(t, err, &serr)
}

func TestStorage_InvalidDataset(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, bad := range []storage.Dataset{{Region: "", Name: "x"}, {Region: "US", Name: "../escape"}} {
		_, err := store.Save(ctx, bad, table(1), storage.ModeOverwrite)
		var serr *storage.Error
		assert.ErrorAs(t, err, &serr, "dataset %v", bad)
	}
}

func TestStorage_UnwritableRoot(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	store, err := New(Config{Root: blocker})
	require.NoError(t, err)

	_, err = store.Save(context.Background(), ds, table(1), storage.ModeOverwrite)
	var serr *storage.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "save", serr.Op)
}

func TestStorage_CorruptFileIsNotOverwrittenOnAppend(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	path := store.Path(ds)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("not,a,dataset\n"), 0644))

	_, err := store.Save(ctx, ds, table(1), storage.ModeAppend)
	require.Error(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "not,a,dataset\n", string(raw))
}

func TestNew_EmptyRoot(t *testing.T) {
	_, err := New(Config{Root: " "})
	assert.Error(t, err)
}
