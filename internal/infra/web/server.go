package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ensemble-inference-scheduler/internal/usecase"
)

// Server exposes the operator's read-only surface over the store: cell
// progress, failed-task inspection and the authoritative predictions of one
// cell, plus /metrics and /healthz.
type Server struct {
	reportUC usecase.ReportUseCase
	auth     *AuthManager
	log      *zerolog.Logger
}

func NewServer(reportUC usecase.ReportUseCase, auth *AuthManager, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "Web").Logger()
	return &Server{reportUC: reportUC, auth: auth, log: &l}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/cells", s.handleListCells)
		r.Get("/cells/{cellID}", s.handleCellProgress)
		r.Get("/cells/{cellID}/failed", s.handleFailedTasks)
		r.Get("/cells/{cellID}/predictions", s.handleLatestPredictions)
		r.Get("/datasets/{name}", s.handleDatasetSummary)
	})
	return r
}

// authMiddleware provides Bearer JWT authentication for the operator API.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.ParseFromRequest(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListCells(w http.ResponseWriter, r *http.Request) {
	cells, err := s.reportUC.ListCells(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, cells)
}

func (s *Server) handleCellProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.reportUC.CellProgress(r.Context(), chi.URLParam(r, "cellID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, progress)
}

func (s *Server) handleFailedTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.reportUC.FailedTasks(r.Context(), chi.URLParam(r, "cellID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, tasks)
}

func (s *Server) handleLatestPredictions(w http.ResponseWriter, r *http.Request) {
	preds, err := s.reportUC.LatestPredictions(r.Context(), chi.URLParam(r, "cellID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, preds)
}

func (s *Server) handleDatasetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reportUC.DatasetSummary(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, summary)
}

func (s *Server) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
