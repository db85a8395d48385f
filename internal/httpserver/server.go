// Package httpserver implements the Runner's read-only HTTP control
// surface: /health, /ready, and /runs/{runID} status, built on go-chi.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ILLUVRSE/pipeline/internal/auth"
	"github.com/ILLUVRSE/pipeline/internal/runner"
)

// ReadinessChecker is consulted by /ready; concrete instances wrap the
// configured offset store and/or messenger connectivity check.
type ReadinessChecker interface {
	Ping(ctx context.Context) error
}

// Server serves the Runner's read-only HTTP control surface.
type Server struct {
	runner      *runner.Runner
	readiness   ReadinessChecker
	tokenIssuer *auth.TokenIssuer
}

// New builds a Server. readiness may be nil, in which case /ready
// reports ok unconditionally. tokenIssuer may be nil or disabled, in
// which case the control surface is unauthenticated.
func New(r *runner.Runner, readiness ReadinessChecker, tokenIssuer *auth.TokenIssuer) *Server {
	return &Server{runner: r, readiness: readiness, tokenIssuer: tokenIssuer}
}

// Router builds the chi router for the control surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		if s.tokenIssuer != nil && s.tokenIssuer.Enabled() {
			r.Use(s.tokenIssuer.Middleware(func(req *http.Request) string {
				return chi.URLParam(req, "runID")
			}))
		}
		r.Get("/runs/{runID}", s.handleRunStatus)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "time": time.Now().UTC()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.readiness == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.readiness.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type connectorTimingView struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	Err       string    `json:"error,omitempty"`
}

type runStatusView struct {
	RunID      string                `json:"runId"`
	Status     string                `json:"status"`
	StartedAt  time.Time             `json:"startedAt"`
	EndedAt    time.Time             `json:"endedAt,omitempty"`
	Connectors []connectorTimingView `json:"connectors"`
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	status, ok := s.runner.Status(runID)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown run")
		return
	}

	view := runStatusView{
		RunID:     status.RunID,
		Status:    string(status.Status),
		StartedAt: status.StartedAt,
		EndedAt:   status.EndedAt,
	}
	for _, c := range status.Connectors {
		view.Connectors = append(view.Connectors, connectorTimingView{
			Name:      c.Name,
			Status:    string(c.Status),
			StartedAt: c.StartedAt,
			EndedAt:   c.EndedAt,
			Err:       c.Err,
		})
	}
	respondJSON(w, http.StatusOK, view)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
