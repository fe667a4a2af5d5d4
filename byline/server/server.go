// Package server exposes the operational HTTP surface: health, metrics, previews and
// on-demand digest runs.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	"github.com/ZanzyTHEbar/byline-digest/byline/digest"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Server routes requests to the generator and the pipeline.
type Server struct {
	generator generation.Generator
	runner    digest.Runner
	metrics   http.Handler
	version   string
	logger    zerolog.Logger

	running sync.Mutex
}

// New builds a server. runner and metrics may be nil; their routes then answer 404.
func New(generator generation.Generator, runner digest.Runner, metrics http.Handler, version string, logger zerolog.Logger) *Server {
	return &Server{
		generator: generator,
		runner:    runner,
		metrics:   metrics,
		version:   version,
		logger:    logger.With().Str("component", "server").Logger(),
	}
}

// Routes configures middleware and routes.
func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(s.requestLogger)

	router.Get("/healthz", s.health)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics)
	}

	router.Route("/v1", func(r chi.Router) {
		r.Post("/preview", s.preview)
		if s.runner != nil {
			r.Post("/digest/run", s.runDigest)
		}
	})
	return router
}

// HTTPServer wraps Routes with the configured timeouts.
func (s *Server) HTTPServer(cfg config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

type previewRequest struct {
	Interest     string   `json:"interest"`
	Subinterests []string `json:"subinterests"`
}

type previewResponse struct {
	RunID      string   `json:"run_id"`
	Interest   string   `json:"interest"`
	State      string   `json:"state"`
	Rounds     int      `json:"rounds"`
	ToolCalls  int      `json:"tool_calls"`
	Results    int      `json:"results"`
	Violations []string `json:"violations,omitempty"`
	HTML       string   `json:"html"`
}

// preview summarizes one interest without delivering anything.
func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	interest, err := ports.NewInterest(req.Interest, req.Subinterests...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.generator.Generate(r.Context(), interest)
	if err != nil {
		status := http.StatusInternalServerError
		var me *ports.ModelError
		if errors.As(err, &me) {
			status = http.StatusBadGateway
		}
		s.logger.Error().Err(err).Str("topic", interest.Topic).Msg("preview failed")
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, previewResponse{
		RunID:      res.RunID,
		Interest:   interest.Topic,
		State:      res.State.String(),
		Rounds:     res.Rounds,
		ToolCalls:  res.ToolCalls,
		Results:    res.ResultCount,
		Violations: res.Violations,
		HTML:       res.Text,
	})
}

// runDigest runs the pipeline synchronously; overlapping runs are refused.
func (s *Server) runDigest(w http.ResponseWriter, r *http.Request) {
	if !s.running.TryLock() {
		writeError(w, http.StatusConflict, "a digest run is already in progress")
		return
	}
	defer s.running.Unlock()

	report, err := s.runner.Run(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("digest run failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"users":     report.Users,
		"delivered": report.Delivered,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
