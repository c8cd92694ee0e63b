package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nicktill/searchsampler/pkg/config"
	"github.com/nicktill/searchsampler/pkg/fetch"
	"github.com/nicktill/searchsampler/pkg/logging"
	"github.com/nicktill/searchsampler/pkg/period"
	"github.com/nicktill/searchsampler/pkg/sample"
	"github.com/nicktill/searchsampler/pkg/storage"
	"github.com/nicktill/searchsampler/pkg/window"
)

// FailurePolicy decides what a failed window does to the run
type FailurePolicy string

const (
	// Abort stops the run on the first failed window and returns no table
	Abort FailurePolicy = "abort"

	// BestEffort drops failed windows, keeps going and reports the count
	BestEffort FailurePolicy = "best_effort"
)

// ParsePolicy converts a user supplied string into a FailurePolicy
func ParsePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case Abort, BestEffort:
		return p, nil
	}
	return "", &ConfigurationError{Field: "policy", Reason: fmt.Sprintf("%q is not one of: abort best_effort", s)}
}

// Config holds Sampler configuration. Zero values fall back to defaults.
type Config struct {
	Policy FailurePolicy

	// Workers bounds concurrent window fetches (default 1: sequential)
	Workers int

	// MinInterval is the minimum delay between the start of two requests
	MinInterval time.Duration

	// FetchTimeout bounds every window fetch (default config.DefaultFetchTimeout)
	FetchTimeout time.Duration

	Window window.Options

	Logger *zap.SugaredLogger

	// Observer, if set, is called after every window fetch. It may be
	// called from several goroutines when Workers > 1.
	Observer func(Event)

	// Now is the clock used for query times (default time.Now)
	Now func() time.Time
}

// Sampler runs single-sample and rolling-window pulls and persists results.
// The fetcher and store are owned by the Sampler and released by Close.
type Sampler struct {
	fetcher fetch.Fetcher
	store   storage.Store
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// New creates a Sampler. store may be nil when results are never saved.
func New(fetcher fetch.Fetcher, store storage.Store, cfg Config) (*Sampler, error) {
	if fetcher == nil {
		return nil, errors.New("sampler: fetcher is required")
	}
	if cfg.Policy == "" {
		cfg.Policy = Abort
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if cfg.Workers == 0 {
		cfg.Workers = config.DefaultWorkers
	}
	if cfg.Workers < 1 {
		return nil, &ConfigurationError{Field: "workers", Reason: fmt.Sprintf("must be >= 1, got %d", cfg.Workers)}
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = config.DefaultFetchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Sampler{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
	if cfg.MinInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return s, nil
}

// PullSingleSample fetches the whole range as one window. Every row has
// sample index 0.
func (s *Sampler) PullSingleSample(ctx context.Context, q SearchQuery) (*sample.Table, *Report, error) {
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}
	periods, err := period.Partition(q.Start, q.End, q.Granularity)
	if err != nil {
		return nil, nil, &ConfigurationError{Field: "start", Reason: err.Error()}
	}
	return s.run(ctx, q, periods, window.Single(len(periods)), 1)
}

// PullRollingWindow samples every period samplesPerPeriod times using
// overlapping windows and merges the draws into one table.
func (s *Sampler) PullRollingWindow(ctx context.Context, q SearchQuery, samplesPerPeriod int) (*sample.Table, *Report, error) {
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}
	if err := validateSamples(samplesPerPeriod); err != nil {
		return nil, nil, err
	}
	periods, err := period.Partition(q.Start, q.End, q.Granularity)
	if err != nil {
		return nil, nil, &ConfigurationError{Field: "start", Reason: err.Error()}
	}
	windows, err := window.Generate(len(periods), samplesPerPeriod, s.cfg.Window)
	if err != nil {
		return nil, nil, &ConfigurationError{Field: "window", Reason: err.Error()}
	}
	return s.run(ctx, q, periods, windows, samplesPerPeriod)
}

func (s *Sampler) run(ctx context.Context, q SearchQuery, periods []period.Period, windows []window.Window, samples int) (*sample.Table, *Report, error) {
	started := time.Now()
	report := &Report{
		RunID:   uuid.NewString(),
		Periods: len(periods),
		Windows: len(windows),
		Samples: samples,
	}
	logger := s.logger.With(zap.String("run", report.RunID), zap.String("region", q.Region), zap.Strings("terms", q.Terms))
	logger.Infow("Starting pull",
		zap.Int("periods", len(periods)), zap.Int("windows", len(windows)), zap.Int("samples", samples),
		zap.String("granularity", q.Granularity.String()), zap.String("policy", string(s.cfg.Policy)))

	// Each fetch writes only its own slot; merging happens after Wait.
	results := make([]*sample.WindowResult, len(windows))
	var (
		mu     sync.Mutex
		failed error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, w := range windows {
		i, w := i, w
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.fetchWindow(gctx, q, periods, w)
			s.notify(report, periods, q.Granularity, w, err)
			if err == nil {
				results[i] = res
				return nil
			}

			if s.cfg.Policy == Abort {
				return err
			}
			logger.Warnw("Window failed, continuing", zap.Int("window", w.Index), zap.Error(err))
			mu.Lock()
			failed = multierr.Append(failed, err)
			report.FailedWindows = append(report.FailedWindows, w.Index)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Errorw("Pull aborted", zap.Error(err))
		return nil, report, err
	}
	if err := ctx.Err(); err != nil {
		return nil, report, err
	}

	sort.Ints(report.FailedWindows)
	report.Failed = len(report.FailedWindows)
	report.Err = failed

	table, err := sample.Merge(sample.MergeInput{
		Periods: periods,
		Windows: windows,
		Results: results,
		Terms:   q.Terms,
		Samples: samples,
		Logger:  logger,
	})
	if err != nil {
		logger.Errorw("Merge failed", zap.Error(err))
		return nil, report, err
	}

	report.Rows = table.Len()
	report.Elapsed = time.Since(started)
	if report.Failed > 0 {
		logger.Warnw("Pull finished with dropped windows", zap.String("summary", report.Summary()))
	} else {
		logger.Infow("Pull finished", zap.String("summary", report.Summary()), zap.Duration("elapsed", report.Elapsed))
	}
	return table, report, nil
}

// fetchWindow issues one rate-limited, time-bounded request and aligns the
// response to the window's periods.
func (s *Sampler) fetchWindow(ctx context.Context, q SearchQuery, periods []period.Period, w window.Window) (*sample.WindowResult, error) {
	wp := w.Periods(periods, q.Granularity)
	start, end := wp[0].Start, wp[len(wp)-1].LastDay()
	fail := func(err error) error {
		return &fetch.Error{Window: w.Index, Start: start, End: end, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, fail(err)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fail(err)
		}
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	req := fetch.Request{
		Terms:       q.Terms,
		Region:      q.Region,
		Granularity: q.Granularity,
		Start:       start,
		End:         end,
	}

	type fetchResult struct {
		series fetch.Series
		err    error
	}
	done := make(chan fetchResult, 1)
	go func() {
		series, err := s.fetcher.Fetch(fctx, req)
		done <- fetchResult{series, err}
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-fctx.Done():
		// The fetcher ignored its deadline; the window is failed either way.
		return nil, fail(fctx.Err())
	}
	if res.err != nil {
		return nil, fail(res.err)
	}
	queryTime := s.cfg.Now()

	values, err := align(res.series, q.Terms, wp, q.Granularity)
	if err != nil {
		return nil, fail(err)
	}

	s.logger.Debugw("Window fetched", zap.Int("window", w.Index),
		zap.String("start", start.Format(period.DateLayout)), zap.String("end", end.Format(period.DateLayout)))
	return &sample.WindowResult{Window: w, QueryTime: queryTime, Values: values}, nil
}

func (s *Sampler) notify(report *Report, periods []period.Period, g period.Granularity, w window.Window, err error) {
	if s.cfg.Observer == nil {
		return
	}
	start, end := w.Bounds(periods, g)
	ev := Event{
		RunID:   report.RunID,
		Window:  w.Index,
		Windows: report.Windows,
		Start:   start.Format(period.DateLayout),
		End:     end.Format(period.DateLayout),
		OK:      err == nil,
		At:      time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.cfg.Observer(ev)
}

// Save persists table to ds. On failure the caller's table is untouched,
// so nothing collected is lost.
func (s *Sampler) Save(ctx context.Context, ds storage.Dataset, table *sample.Table, mode storage.Mode) (*storage.SaveResult, error) {
	if s.store == nil {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: errors.New("no store configured")}
	}

	res, err := s.store.Save(ctx, ds, table, mode)
	if err != nil {
		var serr *storage.Error
		if !errors.As(err, &serr) {
			err = &storage.Error{Op: "save", Dataset: ds, Err: err}
		}
		s.logger.Errorw("Save failed", zap.String("dataset", ds.String()), zap.Error(err))
		return nil, err
	}

	s.logger.Infow("Saved dataset", zap.String("dataset", ds.String()), zap.String("location", res.Location),
		zap.String("mode", string(mode)), zap.Int("added", res.Added), zap.Int("skipped", res.Skipped),
		zap.Int("total", res.TotalRows))
	return res, nil
}

// Load returns the persisted table for ds
func (s *Sampler) Load(ctx context.Context, ds storage.Dataset) (*sample.Table, error) {
	if s.store == nil {
		return nil, &storage.Error{Op: "load", Dataset: ds, Err: errors.New("no store configured")}
	}
	return s.store.Load(ctx, ds)
}

// Close releases the fetcher (when it holds resources) and the store
func (s *Sampler) Close() error {
	var err error
	if c, ok := s.fetcher.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	if s.store != nil {
		err = multierr.Append(err, s.store.Close())
	}
	return err
}
