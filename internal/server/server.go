package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/artifacts"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/runs"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
)

// Server is the monitord HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	Gate      *runs.Gate
	Artifacts *artifacts.Store
	Logger    *slog.Logger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Gate:                cfg.Gate,
		Artifacts:           cfg.Artifacts,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Run submission. All writes are asynchronous: the handler acquires a
	// run through the idempotency gate and returns 202.
	mux.HandleFunc("POST /v1/runs/analysis", h.HandleCreateAnalysisRun)
	mux.HandleFunc("POST /v1/runs/reports", h.HandleCreateReportRun)
	mux.HandleFunc("POST /v1/runs/exports", h.HandleCreateExportRun)
	mux.HandleFunc("POST /v1/incidents/evaluate", h.HandleEvaluateIncidents)

	// Run polling and approval.
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/approve", h.HandleApproveRun)

	// Read surfaces. Reads never mutate state.
	mux.HandleFunc("GET /v1/terms/{term_id}/feed", h.HandleTermFeed)
	mux.HandleFunc("GET /v1/kpi/latest", h.HandleLatestKPI)
	mux.HandleFunc("GET /v1/incidents", h.HandleListIncidents)
	mux.HandleFunc("GET /v1/incidents/{incident_id}", h.HandleGetIncident)
	mux.HandleFunc("GET /v1/schedules", h.HandleListSchedules)
	mux.HandleFunc("GET /v1/artifacts/{artifact_id}", h.HandleGetArtifact)

	// Admin mutations (synchronous, audited).
	mux.HandleFunc("PATCH /v1/incidents/{incident_id}", h.HandlePatchIncident)
	mux.HandleFunc("GET /v1/source-weights", h.HandleListSourceWeights)
	mux.HandleFunc("PUT /v1/source-weights", h.HandlePutSourceWeight)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	// Authentication terminates at the edge gateway in front of this service.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
