package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/searchsampler/pkg/export"
	"github.com/nicktill/searchsampler/pkg/fetch"
	"github.com/nicktill/searchsampler/pkg/httpx"
	"github.com/nicktill/searchsampler/pkg/period"
	"github.com/nicktill/searchsampler/pkg/progress"
	"github.com/nicktill/searchsampler/pkg/sample"
	"github.com/nicktill/searchsampler/pkg/sampler"
	"github.com/nicktill/searchsampler/pkg/storage"
	"github.com/nicktill/searchsampler/pkg/storage/memory"
)

// constantFetcher answers every window with value 10 for every period
var constantFetcher = fetch.FetcherFunc(func(ctx context.Context, req fetch.Request) (fetch.Series, error) {
	periods, err := period.Partition(req.Start, req.End, req.Granularity)
	if err != nil {
		return nil, err
	}
	series := fetch.Series{}
	for _, term := range req.Terms {
		for _, p := range periods {
			series[term] = append(series[term], fetch.Point{Date: p.Start, Value: 10})
		}
	}
	return series, nil
})

func newTestServer(t *testing.T, f fetch.Fetcher, cfg Config) (*httptest.Server, *memory.Storage) {
	t.Helper()
	store := memory.New()
	s, err := sampler.New(f, store, sampler.Config{Policy: sampler.BestEffort, FetchTimeout: time.Second})
	require.NoError(t, err)

	srv := httptest.NewServer(New(s, store, progress.NewHub(nil), cfg).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func scenarioRequest() PullRequest {
	return PullRequest{
		Terms:       []string{"cough"},
		Region:      "US-DC",
		Granularity: "week",
		Start:       "2014-01-01",
		End:         "2014-02-15",
		Name:        "flu",
		Samples:     3,
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, constantFetcher, Config{})

	resp, err := http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
}

func TestPull_RollingWindowAndSave(t *testing.T) {
	srv, store := newTestServer(t, constantFetcher, Config{})

	req := scenarioRequest()
	req.Save = true
	resp := postJSON(t, srv.URL+"/v1/pulls", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out PullResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 9, out.Report.Windows)
	assert.Equal(t, 21, out.Report.Rows)
	assert.Equal(t, "9 windows fetched, 21 rows", out.Summary)
	require.NotNil(t, out.Saved)
	assert.Equal(t, 21, out.Saved.Added)
	assert.Empty(t, out.Rows)

	table, err := store.Load(context.Background(), storage.Dataset{Region: "US-DC", Name: "flu"})
	require.NoError(t, err)
	assert.Equal(t, 21, table.Len())
}

type brokenStore struct{ memory.Storage }

func (*brokenStore) Save(ctx context.Context, ds storage.Dataset, t *sample.Table, mode storage.Mode) (*storage.SaveResult, error) {
	return nil, errors.New("disk full")
}

func TestPull_SaveFailureReturnsRows(t *testing.T) {
	store := &brokenStore{}
	s, err := sampler.New(constantFetcher, store, sampler.Config{FetchTimeout: time.Second})
	require.NoError(t, err)
	srv := httptest.NewServer(New(s, store, nil, Config{}).Handler())
	defer srv.Close()

	req := scenarioRequest()
	req.Save = true
	resp := postJSON(t, srv.URL+"/v1/pulls", req)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var out PullResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Error, "disk full")
	assert.Nil(t, out.Saved)
	require.NotNil(t, out.Report)
	assert.Equal(t, 21, out.Report.Rows)
	assert.Len(t, out.Rows, 21)
}

func TestPull_SingleSampleWithRows(t *testing.T) {
	srv, store := newTestServer(t, constantFetcher, Config{})

	req := scenarioRequest()
	req.Samples = 1
	req.IncludeRows = true
	resp := postJSON(t, srv.URL+"/v1/pulls", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out PullResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Rows, 7)
	assert.Nil(t, out.Saved)
	assert.Equal(t, 0, store.Saves())
}

func TestPull_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *PullRequest)
		field  string
	}{
		{"end before start", func(r *PullRequest) { r.Start, r.End = r.End, r.Start }, "end"},
		{"bad granularity", func(r *PullRequest) { r.Granularity = "hour" }, "granularity"},
		{"bad date", func(r *PullRequest) { r.Start = "someday" }, "start"},
		{"bad region", func(r *PullRequest) { r.Region = "Washington" }, "region"},
		{"no terms", func(r *PullRequest) { r.Terms = nil }, "terms"},
		{"negative samples", func(r *PullRequest) { r.Samples = -2 }, "samples_per_period"},
		{"save without name", func(r *PullRequest) { r.Save, r.Name = true, "" }, "name"},
		{"bad mode", func(r *PullRequest) { r.Mode = "merge" }, "mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, constantFetcher, Config{})
			req := scenarioRequest()
			tt.mutate(&req)

			resp := postJSON(t, srv.URL+"/v1/pulls", req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body httpx.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.field, body.Field)
		})
	}
}

func TestPull_MalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, constantFetcher, Config{})

	resp, err := http.Post(srv.URL+"/v1/pulls", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExport_Formats(t *testing.T) {
	srv, _ := newTestServer(t, constantFetcher, Config{})

	req := scenarioRequest()
	req.Save = true
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/v1/pulls", req).StatusCode)

	resp, err := http.Get(srv.URL + "/v1/datasets/US-DC/flu?format=csv")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	table, err := sample.ReadCSV(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 21, table.Len())

	resp2, err := http.Get(srv.URL + "/v1/datasets/US-DC/flu?format=json&start=2014-02-01")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "application/json", resp2.Header.Get("Content-Type"))

	var doc export.Document
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&doc))
	assert.Equal(t, 6, doc.Metadata.RowCount)
	for _, row := range doc.Rows {
		assert.False(t, row.Timestamp.Before(time.Date(2014, 2, 1, 0, 0, 0, 0, time.UTC)))
	}
}

func TestExport_NotFoundAndBadFormat(t *testing.T) {
	srv, _ := newTestServer(t, constantFetcher, Config{})

	resp, err := http.Get(srv.URL + "/v1/datasets/US-DC/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/datasets/US-DC/missing?format=xml")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestImport_CSV(t *testing.T) {
	srv, store := newTestServer(t, constantFetcher, Config{})

	body := "query_time,sample,term,timestamp,value\n" +
		"2018-03-01T12:00:00Z,0,flu,2014-01-01,12.5\n"
	resp, err := http.Post(srv.URL+"/v1/datasets/US-DC/legacy/import", "text/csv", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	table, err := store.Load(context.Background(), storage.Dataset{Region: "US-DC", Name: "legacy"})
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())

	resp2, err := http.Post(srv.URL+"/v1/datasets/US-DC/legacy/import", "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp2.StatusCode)
}

func TestStorageUsage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("12345"), 0644))

	srv, _ := newTestServer(t, constantFetcher, Config{DataDir: dir})
	resp, err := http.Get(srv.URL + "/v1/storage")
	require.NoError(t, err)
	defer resp.Body.Close()

	var usage StorageUsage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&usage))
	assert.Equal(t, int64(5), usage.UsedBytes)
	assert.Equal(t, 1, usage.Files)
}

func TestUsageMonitor_MissingDir(t *testing.T) {
	used, files, err := NewUsageMonitor(filepath.Join(t.TempDir(), "nope")).Usage()
	require.NoError(t, err)
	assert.Zero(t, used)
	assert.Zero(t, files)
}
