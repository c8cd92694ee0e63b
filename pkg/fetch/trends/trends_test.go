package trends

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/searchsampler/pkg/fetch"
	"github.com/nicktill/searchsampler/pkg/period"
)

const weeklyBody = `{"lines":[
  {"term":"cough","points":[{"date":"Jan 05 2014","value":10.5},{"date":"Jan 12 2014","value":12}]},
  {"term":"fever","points":[{"date":"Jan 05 2014","value":3},{"date":"Jan 12 2014","value":4}]}
]}`

func day(s string) time.Time {
	t, _ := time.Parse(period.DateLayout, s)
	return t
}

func weeklyRequest(region string) fetch.Request {
	return fetch.Request{
		Terms:       []string{"cough", "fever"},
		Region:      region,
		Granularity: period.Week,
		Start:       day("2014-01-05"),
		End:         day("2014-01-18"),
	}
}

func newTestClient(t *testing.T, server *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.Server = server.URL
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	if cfg.Pause == 0 {
		cfg.Pause = time.Millisecond
	}
	if cfg.LongPause == 0 {
		cfg.LongPause = 2 * time.Millisecond
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFetch_Success(t *testing.T) {
	var query map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/trends/v1beta/timelinesForHealth", r.URL.Path)
		query = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(weeklyBody))
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	series, err := c.Fetch(context.Background(), weeklyRequest("US-DC"))
	require.NoError(t, err)

	assert.Equal(t, []string{"cough", "fever"}, query["terms"])
	assert.Equal(t, []string{"US-DC"}, query["geoRestriction.region"])
	assert.Equal(t, []string{"2014-01-05"}, query["time.startDate"])
	assert.Equal(t, []string{"2014-01-18"}, query["time.endDate"])
	assert.Equal(t, []string{"week"}, query["timelineResolution"])
	assert.Equal(t, []string{"test-key"}, query["key"])

	require.Len(t, series, 2)
	assert.Equal(t, []fetch.Point{
		{Date: day("2014-01-05"), Value: 10.5},
		{Date: day("2014-01-12"), Value: 12},
	}, series["cough"])
	assert.Equal(t, 4.0, series["fever"][1].Value)
}

func TestFetch_RegionRouting(t *testing.T) {
	tests := []struct {
		region string
		param  string
	}{
		{"US", "geoRestriction.country"},
		{"US-NY", "geoRestriction.region"},
		{"511", "geoRestriction.dma"},
	}

	for _, tt := range tests {
		t.Run(tt.region, func(t *testing.T) {
			var got string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.URL.Query().Get(tt.param)
				w.Write([]byte(`{"lines":[]}`))
			}))
			defer server.Close()

			c := newTestClient(t, server, Config{})
			_, err := c.Fetch(context.Background(), weeklyRequest(tt.region))
			require.NoError(t, err)
			assert.Equal(t, tt.region, got)
		})
	}
}

func TestFetch_InvalidRegionSendsNothing(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	_, err := c.Fetch(context.Background(), weeklyRequest("Washington"))
	assert.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestFetch_MonthlyDates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"lines":[{"term":"flu","points":[{"date":"Jan 2014","value":1},{"date":"Feb 2014","value":2}]}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	series, err := c.Fetch(context.Background(), weeklyRequest("US"))
	require.NoError(t, err)
	assert.Equal(t, day("2014-02-01"), series["flu"][1].Date)
}

func TestFetch_RetriesTransientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "Rate Limit Exceeded", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(weeklyBody))
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Attempts: 5})
	series, err := c.Fetch(context.Background(), weeklyRequest("US"))
	require.NoError(t, err)
	assert.Len(t, series, 2)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetch_GivesUp(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Attempts: 3, BreakerFailures: 10})
	_, err := c.Fetch(context.Background(), weeklyRequest("US"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusServiceUnavailable, serr.Code)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "API key not valid", http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Attempts: 5})
	_, err := c.Fetch(context.Background(), weeklyRequest("US"))

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.False(t, serr.Temporary())
	assert.Contains(t, serr.Body, "API key not valid")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetch_MalformedBodyNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"lines":[{"term":"flu","points":[{"date":"someday","value":1}]}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Attempts: 5})
	_, err := c.Fetch(context.Background(), weeklyRequest("US"))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetch_BreakerOpens(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Attempts: 6, BreakerFailures: 2, BreakerTimeout: time.Hour})
	_, err := c.Fetch(context.Background(), weeklyRequest("US"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "open breaker must short-circuit")
}

func TestFetch_PauseHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Attempts: 5, Pause: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Fetch(ctx, weeklyRequest("US"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "api key is required")

	_, err = New(Config{APIKey: "k", Server: "not a url"})
	assert.Error(t, err)

	c, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "https://www.googleapis.com/trends/v1beta/timelinesForHealth", c.endpoint)
}
