// Package server exposes a Router over HTTP.
//
// Endpoints:
//   - POST /v1/complete             route one prompt through the cascade
//   - GET  /v1/runs/{runID}/stats   call records and summary of a run
//   - GET  /v1/providers            availability and health of every provider
//   - GET  /healthz                 liveness
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ineyio/tierrouter"
)

// MaxRequestBodySize bounds the body of a completion request.
const MaxRequestBodySize = 1 << 20

// Server serves a Router.
type Server struct {
	router *tierrouter.Router
	mux    *http.ServeMux
	logger *slog.Logger
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server for r.
func New(r *tierrouter.Router, opts ...Option) *Server {
	s := &Server{
		router: r,
		mux:    http.NewServeMux(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /v1/complete", s.handleComplete)
	s.mux.HandleFunc("GET /v1/runs/{runID}/stats", s.handleRunStats)
	s.mux.HandleFunc("GET /v1/providers", s.handleProviders)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("tierrouter: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

// CompleteRequest is the body of POST /v1/complete.
type CompleteRequest struct {
	Prompt              string            `json:"prompt"`
	RunID               string            `json:"run_id"`
	RequiresMath        bool              `json:"requires_math"`
	RequiresHighQuality bool              `json:"requires_high_quality"`
	OfflineRequired     bool              `json:"offline_required"`
	EstimatedTokens     int64             `json:"estimated_tokens"`
	Metadata            map[string]string `json:"metadata"`
}

// AttemptResponse describes one failed provider in an error response.
type AttemptResponse struct {
	Provider tierrouter.ProviderKind `json:"provider"`
	Tier     string                  `json:"tier"`
	Calls    int                     `json:"calls"`
	Status   string                  `json:"status"`
	Error    string                  `json:"error"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string            `json:"error"`
	RunID    string            `json:"run_id,omitempty"`
	Attempts []AttemptResponse `json:"attempts,omitempty"`
}

// StatsResponse is the body of GET /v1/runs/{runID}/stats.
type StatsResponse struct {
	Records  []tierrouter.CallRecord    `json:"records"`
	Failures []tierrouter.FailureRecord `json:"failures"`
	Summary  tierrouter.RunSummary      `json:"summary"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if req.Prompt == "" {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "prompt is required"})
		return
	}

	meta := tierrouter.Classify(tierrouter.Hints{
		Prompt:              req.Prompt,
		RunID:               req.RunID,
		RequiresMath:        req.RequiresMath,
		RequiresHighQuality: req.RequiresHighQuality,
		OfflineRequired:     req.OfflineRequired,
		EstimatedTokens:     req.EstimatedTokens,
		Metadata:            req.Metadata,
	})

	out, err := s.router.Complete(r.Context(), req.Prompt, meta)
	if err != nil {
		status, body := errorResponse(meta.RunID, err)
		s.logger.Warn("tierrouter: complete request failed",
			"run_id", meta.RunID, "status", status, "error", err)
		s.writeJSON(w, status, body)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	records := s.router.RunStats(runID)
	if records == nil {
		records = []tierrouter.CallRecord{}
	}
	failures := s.router.RunFailures(runID)
	if failures == nil {
		failures = []tierrouter.FailureRecord{}
	}
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Records:  records,
		Failures: failures,
		Summary:  tierrouter.Summarize(runID, records, failures),
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.Health(r.Context()))
}

// errorResponse maps a Complete error onto an HTTP status and body.
func errorResponse(runID string, err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error(), RunID: runID}

	var rerr *tierrouter.RoutingError
	if errors.As(err, &rerr) {
		body.Error = rerr.Err.Error()
		for _, a := range rerr.Attempts {
			body.Attempts = append(body.Attempts, AttemptResponse{
				Provider: a.Provider,
				Tier:     a.Tier.String(),
				Calls:    a.Calls,
				Status:   tierrouter.ErrorStatus(a.Err),
				Error:    a.Err.Error(),
			})
		}
	}

	switch {
	case errors.Is(err, tierrouter.ErrMissingRunID):
		return http.StatusBadRequest, body
	case rerr != nil && errors.Is(rerr.Err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, body
	case rerr != nil && errors.Is(rerr.Err, context.Canceled):
		// Client went away; the status is only for the log line.
		return 499, body
	default:
		return http.StatusBadGateway, body
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("tierrouter: write response", "status", status, "error", err)
	}
}
