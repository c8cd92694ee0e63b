package trends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nicktill/searchsampler/pkg/config"
	"github.com/nicktill/searchsampler/pkg/fetch"
	"github.com/nicktill/searchsampler/pkg/logging"
	"github.com/nicktill/searchsampler/pkg/period"
)

// Config holds client configuration. Zero values fall back to the
// defaults in pkg/config.
type Config struct {
	Server     string
	APIVersion string
	APIKey     string

	// Timeout bounds a single HTTP round trip
	Timeout time.Duration

	// Attempts is the total number of tries per request (1 disables retries)
	Attempts int

	// Pause is slept between attempts; every LongEvery-th failed attempt
	// sleeps LongPause instead.
	Pause     time.Duration
	LongPause time.Duration
	LongEvery int

	// BreakerFailures consecutive failures open the circuit for BreakerTimeout
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// Client fetches timelines from the Health Trends API
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	cfg      Config
	logger   *zap.SugaredLogger
}

// StatusError is a non-2xx API response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying may succeed (rate limits, server errors)
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// New creates an API client
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("trends: api key is required")
	}
	if cfg.Server == "" {
		cfg.Server = config.DefaultServer
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = config.DefaultAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = config.DefaultHTTPTimeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = config.DefaultRetryAttempts
	}
	if cfg.Pause == 0 {
		cfg.Pause = config.DefaultRetryPause
	}
	if cfg.LongPause == 0 {
		cfg.LongPause = config.DefaultRetryLongPause
	}
	if cfg.LongEvery == 0 {
		cfg.LongEvery = config.DefaultRetryLongEvery
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = config.BreakerFailures
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = config.BreakerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	base, err := url.Parse(cfg.Server)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("trends: invalid server %q", cfg.Server)
	}

	c := &Client{
		endpoint: strings.TrimSuffix(base.String(), "/") + "/trends/" + cfg.APIVersion + "/timelinesForHealth",
		apiKey:   cfg.APIKey,
		client:   cfg.HTTPClient,
		cfg:      cfg,
		logger:   cfg.Logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "trends",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warnw("Circuit breaker state changed", zap.String("breaker", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Client errors say nothing about the API's health
			var serr *StatusError
			if errors.As(err, &serr) && !serr.Temporary() {
				return true
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c, nil
}

// Fetch retrieves one window, retrying transient failures with pauses
// that honour ctx.
func (c *Client) Fetch(ctx context.Context, req fetch.Request) (fetch.Series, error) {
	u, err := c.buildURL(req)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With(zap.String("start", req.Start.Format(period.DateLayout)),
		zap.String("end", req.End.Format(period.DateLayout)), zap.String("region", req.Region))
	logger.Infow("Querying timelines")

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.do(ctx, u)
		})
		if err == nil {
			return out.(fetch.Series), nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt == c.cfg.Attempts {
			break
		}

		pause := c.cfg.Pause
		if attempt%c.cfg.LongEvery == 0 {
			pause = c.cfg.LongPause
		}
		logger.Warnw("Request failed, retrying", zap.Int("attempt", attempt),
			zap.Duration("pause", pause), zap.Error(err))

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("retry interrupted: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", c.cfg.Attempts, lastErr)
}

// Close releases idle connections
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Client) buildURL(req fetch.Request) (string, error) {
	level, err := fetch.ParseRegion(req.Region)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	for _, term := range req.Terms {
		q.Add("terms", term)
	}
	q.Set("geoRestriction."+string(level), req.Region)
	q.Set("time.startDate", req.Start.Format(period.DateLayout))
	q.Set("time.endDate", req.End.Format(period.DateLayout))
	q.Set("timelineResolution", string(req.Granularity))
	q.Set("key", c.apiKey)
	return c.endpoint + "?" + q.Encode(), nil
}

type response struct {
	Lines []struct {
		Term   string `json:"term"`
		Points []struct {
			Date  string  `json:"date"`
			Value float64 `json:"value"`
		} `json:"points"`
	} `json:"lines"`
}

func (c *Client) do(ctx context.Context, u string) (fetch.Series, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, &decodeError{fmt.Errorf("failed to decode response: %w", err)}
	}

	series := make(fetch.Series, len(r.Lines))
	for _, line := range r.Lines {
		points := make([]fetch.Point, len(line.Points))
		for i, p := range line.Points {
			d, err := parseDate(p.Date)
			if err != nil {
				return nil, &decodeError{fmt.Errorf("term %q: %w", line.Term, err)}
			}
			points[i] = fetch.Point{Date: d, Value: p.Value}
		}
		series[line.Term] = points
	}
	return series, nil
}

// decodeError marks a malformed response body; retrying returns the same body
type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// The API labels points "Jan 05 2014" (day, week) or "Jan 2014" (month)
var dateLayouts = []string{"Jan 02 2006", "Jan 2006"}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q: %w", s, err)
	}
	return period.Date(t), nil
}

func retryable(err error) bool {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Temporary()
	}
	var derr *decodeError
	return !errors.As(err, &derr)
}
