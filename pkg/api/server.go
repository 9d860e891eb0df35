package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/occusoft/occuplan/pkg/dataset"
	"github.com/occusoft/occuplan/pkg/log"
	"github.com/occusoft/occuplan/pkg/metrics"
	"github.com/occusoft/occuplan/pkg/storage"
)

type Config struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`
}

func DefaultConfig() Config {
	return Config{ListenAddr: ":8080"}
}

// Server exposes the dataset API plus health and metrics endpoints.
type Server struct {
	datasets *dataset.Service
	srv      *http.Server
	logger   zerolog.Logger
}

func NewServer(datasets *dataset.Service, cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	s := &Server{
		datasets: datasets,
		logger:   log.WithComponent("api"),
	}
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the routed handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start runs the HTTP server until Stop is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("API server listening")
	metrics.UpdateComponent(metrics.ComponentAPI, true, "")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("API server stopping")
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/datasets", s.instrument(s.handleDatasets))
	mux.HandleFunc("/api/v1/datasets/", s.instrument(s.handleDataset))
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) instrument(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(r.Method))
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// handleDatasets serves POST (create) and GET (list) on /api/v1/datasets.
func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createDataset(w, r)
	case http.MethodGet:
		s.listDatasets(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleDataset serves /api/v1/datasets/{id} and /api/v1/datasets/{id}/retry.
func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/datasets/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid dataset id")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getDataset(w, r, id)
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.datasetStatus(w, r, id)
	case len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost:
		s.retryDataset(w, r, id)
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

type createDatasetRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	RootSpaceID      int64  `json:"root_space_id"`
	StartTime        int64  `json:"start_time"`
	EndTime          int64  `json:"end_time"`
	IntervalSeconds  int64  `json:"interval_seconds"`
	ChunkSpanSeconds int64  `json:"chunk_span_seconds,omitempty"`
}

func (s *Server) createDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	// Zero timestamps stay zero so the service can fill them from session
	// data under the root space.
	var start, end time.Time
	if req.StartTime != 0 {
		start = time.Unix(req.StartTime, 0).UTC()
	}
	if req.EndTime != 0 {
		end = time.Unix(req.EndTime, 0).UTC()
	}

	ds, err := s.datasets.Create(r.Context(), dataset.CreateRequest{
		Name:             req.Name,
		Description:      req.Description,
		RootSpaceID:      req.RootSpaceID,
		StartTime:        start,
		EndTime:          end,
		IntervalSeconds:  req.IntervalSeconds,
		ChunkSpanSeconds: req.ChunkSpanSeconds,
	})
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, ds)
}

func (s *Server) listDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.datasets.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list datasets")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, datasets)
}

func (s *Server) getDataset(w http.ResponseWriter, r *http.Request, id int64) {
	ds, err := s.datasets.Get(r.Context(), id)
	if err == storage.ErrNotFound {
		s.writeError(w, http.StatusNotFound, "dataset not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("dataset_id", id).Msg("Failed to load dataset")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, ds)
}

func (s *Server) datasetStatus(w http.ResponseWriter, r *http.Request, id int64) {
	p, err := s.datasets.Status(r.Context(), id)
	if err == storage.ErrNotFound {
		s.writeError(w, http.StatusNotFound, "dataset not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("dataset_id", id).Msg("Failed to summarize dataset")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) retryDataset(w http.ResponseWriter, r *http.Request, id int64) {
	n, err := s.datasets.Retry(r.Context(), id)
	if err == storage.ErrNotFound {
		s.writeError(w, http.StatusNotFound, "dataset not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("dataset_id", id).Msg("Failed to retry dataset")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"chunks_reset": n})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
