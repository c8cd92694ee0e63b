package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/searchsampler/pkg/config"
	"github.com/nicktill/searchsampler/pkg/export"
	"github.com/nicktill/searchsampler/pkg/fetch"
	"github.com/nicktill/searchsampler/pkg/httpx"
	"github.com/nicktill/searchsampler/pkg/period"
	"github.com/nicktill/searchsampler/pkg/sample"
	"github.com/nicktill/searchsampler/pkg/sampler"
	"github.com/nicktill/searchsampler/pkg/storage"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	Subscribers int    `json:"subscribers"`
}

// Version is reported by /v1/health
var Version = "dev"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.Subscribers()
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// PullRequest is the body of POST /v1/pulls
type PullRequest struct {
	Terms       []string `json:"terms"`
	Region      string   `json:"region"`
	Granularity string   `json:"granularity"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Name        string   `json:"name"`

	// Samples is the number of draws per period; 1 runs a single-sample pull
	Samples int `json:"samples_per_period"`

	// Save persists the result to (region, name) in the given mode
	Save bool   `json:"save"`
	Mode string `json:"mode"`

	IncludeRows bool `json:"include_rows"`
}

// PullResponse is returned by POST /v1/pulls
type PullResponse struct {
	Report  *sampler.Report     `json:"report"`
	Summary string              `json:"summary"`
	Saved   *storage.SaveResult `json:"saved,omitempty"`
	Rows    []sample.Row        `json:"rows,omitempty"`

	// Error is set when the pull succeeded but saving failed; Rows then
	// always holds the pulled table.
	Error string `json:"error,omitempty"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	q, err := req.query()
	if err != nil {
		respondConfigError(w, err)
		return
	}
	mode := storage.Mode(config.DefaultSaveMode)
	if req.Mode != "" {
		if mode, err = storage.ParseMode(req.Mode); err != nil {
			httpx.RespondFieldError(w, "mode", err.Error())
			return
		}
	}
	if req.Save && q.Name == "" {
		httpx.RespondFieldError(w, "name", "is required to save")
		return
	}
	samples := req.Samples
	if samples == 0 {
		samples = s.cfg.DefaultSamples
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PullTimeout)
	defer cancel()

	var (
		table  *sample.Table
		report *sampler.Report
	)
	if samples == 1 {
		table, report, err = s.sampler.PullSingleSample(ctx, q)
	} else {
		table, report, err = s.sampler.PullRollingWindow(ctx, q, samples)
	}
	if s.hub != nil && report != nil {
		s.hub.Finished(report, err)
	}
	if err != nil {
		s.logger.Warnw("Pull failed", zap.String("region", q.Region), zap.Error(err))
		respondPullError(w, err)
		return
	}

	resp := PullResponse{Report: report, Summary: report.Summary()}
	if req.IncludeRows {
		resp.Rows = table.Rows
	}
	if req.Save {
		saved, err := s.sampler.Save(ctx, q.Dataset(), table, mode)
		if err != nil {
			// The pulled rows go back to the caller so the run is not lost
			s.logger.Errorw("Save failed, returning rows", zap.String("dataset", q.Dataset().String()), zap.Error(err))
			resp.Error = err.Error()
			resp.Rows = table.Rows
			httpx.RespondJSON(w, http.StatusInternalServerError, resp)
			return
		}
		resp.Saved = saved
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

func (req PullRequest) query() (sampler.SearchQuery, error) {
	granularity := req.Granularity
	if granularity == "" {
		granularity = config.DefaultGranularity
	}
	q := sampler.SearchQuery{
		Terms:       req.Terms,
		Region:      req.Region,
		Granularity: period.Granularity(strings.ToLower(granularity)),
		Name:        req.Name,
	}
	var err error
	if req.Start != "" {
		if q.Start, err = period.ParseDate(req.Start); err != nil {
			return q, &sampler.ConfigurationError{Field: "start", Reason: err.Error()}
		}
	}
	if req.End != "" {
		if q.End, err = period.ParseDate(req.End); err != nil {
			return q, &sampler.ConfigurationError{Field: "end", Reason: err.Error()}
		}
	}
	return q, q.Validate()
}

func respondConfigError(w http.ResponseWriter, err error) {
	var cerr *sampler.ConfigurationError
	if errors.As(err, &cerr) {
		httpx.RespondFieldError(w, cerr.Field, cerr.Reason)
		return
	}
	httpx.RespondError(w, http.StatusBadRequest, err)
}

func respondPullError(w http.ResponseWriter, err error) {
	var (
		cerr *sampler.ConfigurationError
		ferr *fetch.Error
	)
	switch {
	case errors.As(err, &cerr):
		respondConfigError(w, err)
	case errors.As(err, &ferr) && ferr.Timeout():
		httpx.RespondError(w, http.StatusGatewayTimeout, err)
	case errors.As(err, &ferr):
		httpx.RespondError(w, http.StatusBadGateway, err)
	default:
		httpx.RespondError(w, http.StatusInternalServerError, err)
	}
}

func datasetFromVars(r *http.Request) storage.Dataset {
	vars := mux.Vars(r)
	return storage.Dataset{Region: vars["region"], Name: vars["name"]}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ds := datasetFromVars(r)
	query := r.URL.Query()

	format, err := export.ParseFormat(query.Get("format"))
	if err != nil {
		httpx.RespondFieldError(w, "format", err.Error())
		return
	}
	opts := export.Options{Format: format, Terms: query["term"]}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"start", &opts.Start}, {"end", &opts.End}} {
		if v := query.Get(p.name); v != "" {
			if *p.dst, err = period.ParseDate(v); err != nil {
				httpx.RespondFieldError(w, p.name, err.Error())
				return
			}
		}
	}

	// Load before writing headers so a missing dataset is still a clean 404
	if _, err := s.sampler.Load(r.Context(), ds); err != nil {
		respondStorageError(w, err)
		return
	}

	ext, contentType := "csv", "text/csv"
	if format == export.FormatJSON {
		ext, contentType = "json", "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-%s.%s", ds, format, ext))

	result, err := s.exporter.Export(r.Context(), w, ds, opts)
	if err != nil {
		s.logger.Errorw("Export failed", zap.String("dataset", ds.String()), zap.Error(err))
		return
	}
	s.logger.Infow("Exported dataset", zap.String("dataset", result.Dataset),
		zap.Int("rows", result.RowsExported), zap.String("format", string(result.Format)))
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ds := datasetFromVars(r)
	mode := storage.Mode(config.DefaultSaveMode)
	if m := r.URL.Query().Get("mode"); m != "" {
		var err error
		if mode, err = storage.ParseMode(m); err != nil {
			httpx.RespondFieldError(w, "mode", err.Error())
			return
		}
	}

	var (
		result *export.ImportResult
		err    error
	)
	switch ct := r.Header.Get("Content-Type"); {
	case strings.HasPrefix(ct, "application/json"):
		result, err = s.importer.ImportJSON(r.Context(), r.Body, ds, mode)
	case strings.HasPrefix(ct, "text/csv"):
		result, err = s.importer.ImportCSV(r.Context(), r.Body, ds, mode)
	default:
		httpx.RespondError(w, http.StatusUnsupportedMediaType, fmt.Errorf("content type %q not supported (want application/json or text/csv)", ct))
		return
	}
	if err != nil {
		var serr *storage.Error
		if errors.As(err, &serr) {
			respondStorageError(w, err)
			return
		}
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	if result.Rejected > 0 {
		s.logger.Warnw("Import rejected rows", zap.String("dataset", ds.String()), zap.Int("rejected", result.Rejected))
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

func respondStorageError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	httpx.RespondError(w, http.StatusInternalServerError, err)
}

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	Path      string `json:"path"`
	UsedBytes int64  `json:"used_bytes"`
	Files     int    `json:"files"`
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	used, files, err := s.usage.Usage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, StorageUsage{Path: s.usage.Dir(), UsedBytes: used, Files: files})
}
