package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/searchsampler/pkg/config"
	"github.com/nicktill/searchsampler/pkg/export"
	"github.com/nicktill/searchsampler/pkg/logging"
	"github.com/nicktill/searchsampler/pkg/progress"
	"github.com/nicktill/searchsampler/pkg/sampler"
	"github.com/nicktill/searchsampler/pkg/storage"
)

// Config holds server configuration
type Config struct {
	Listen string

	// DefaultSamples is used when a pull request omits samples_per_period
	DefaultSamples int

	// PullTimeout bounds one pull request end to end
	PullTimeout time.Duration

	// DataDir is reported by /v1/storage; empty disables the endpoint
	DataDir string

	Logger *zap.SugaredLogger
}

// Server exposes pulls, stored datasets and live progress over HTTP
type Server struct {
	cfg      Config
	sampler  *sampler.Sampler
	exporter *export.Exporter
	importer *export.Importer
	hub      *progress.Hub
	usage    *UsageMonitor
	router   *mux.Router
	logger   *zap.SugaredLogger
	started  time.Time
}

// New wires handlers around s and store. hub may be nil when no live
// progress is wanted; when set, s should publish to it via Observer.
func New(s *sampler.Sampler, store storage.Store, hub *progress.Hub, cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListen
	}
	if cfg.DefaultSamples == 0 {
		cfg.DefaultSamples = config.DefaultSamples
	}
	if cfg.PullTimeout == 0 {
		cfg.PullTimeout = config.PullRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	srv := &Server{
		cfg:      cfg,
		sampler:  s,
		exporter: export.NewExporter(store),
		importer: export.NewImporter(store),
		hub:      hub,
		router:   mux.NewRouter(),
		logger:   cfg.Logger,
		started:  time.Now(),
	}
	if cfg.DataDir != "" {
		srv.usage = NewUsageMonitor(cfg.DataDir)
	}
	srv.routes()
	return srv
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", zap.String("addr", s.cfg.Listen))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Infow("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/pulls", s.handlePull).Methods(http.MethodPost)
	api.HandleFunc("/datasets/{region}/{name}", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/datasets/{region}/{name}/import", s.handleImport).Methods(http.MethodPost)
	if s.usage != nil {
		api.HandleFunc("/storage", s.handleStorage).Methods(http.MethodGet)
	}
	if s.hub != nil {
		api.Handle("/ws", s.hub).Methods(http.MethodGet)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debugw("Handled request", zap.String("method", r.Method),
			zap.String("path", r.URL.Path), zap.Duration("elapsed", time.Since(start)))
	})
}
