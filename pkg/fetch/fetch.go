package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nicktill/searchsampler/pkg/period"
)

// Request is a single window query against the search-interest API
type Request struct {
	Terms       []string
	Region      string
	Granularity period.Granularity

	// Inclusive calendar dates
	Start time.Time
	End   time.Time
}

// Point is one reported value. Date is the period identifier reported by
// the API and may be zero when the collaborator does not provide one.
type Point struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// Series maps each term to its points, in period order
type Series map[string][]Point

// Fetcher retrieves one window of data. Implementations must honour ctx
// cancellation and deadlines.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Series, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, req Request) (Series, error)

// Fetch calls f
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (Series, error) {
	return f(ctx, req)
}

// Error reports a failed or timed out window
type Error struct {
	Window int
	Start  time.Time
	End    time.Time
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch window %d (%s..%s): %v", e.Window,
		e.Start.Format(period.DateLayout), e.End.Format(period.DateLayout), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the window failed because its deadline passed
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// GeoLevel is how a region code restricts a query
type GeoLevel string

const (
	GeoCountry GeoLevel = "country"
	GeoRegion  GeoLevel = "region"
	GeoDMA     GeoLevel = "dma"
)

// ParseRegion classifies a region code: a two-letter country ("US"), an
// ISO-3166-2 subdivision ("US-DC") or a numeric Nielsen DMA code ("511").
func ParseRegion(region string) (GeoLevel, error) {
	switch {
	case isUpper(region) && len(region) == 2:
		return GeoCountry, nil
	case len(region) > 3 && region[2] == '-' && isUpper(region[:2]) && isAlnum(region[3:]):
		return GeoRegion, nil
	case region != "" && strings.Trim(region, "0123456789") == "":
		return GeoDMA, nil
	}
	return "", fmt.Errorf("region %q is not a country, ISO-3166-2 region or numeric DMA code", region)
}

func isUpper(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return s != ""
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return s != ""
}
