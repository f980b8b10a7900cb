// Package api exposes the cluster-detection engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. metrics may be nil.
func NewServer(cfg domain.ServerConfig, metricsCfg domain.MetricsConfig, deps Dependencies, metrics *telemetry.Metrics, version string) *Server {
	handler := NewHandler(cfg, deps, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(middleware.RealIP)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	if metrics != nil {
		router.Use(MetricsMiddleware(metrics))
	}
	router.Use(RecoverMiddleware)
	router.Use(middleware.Compress(5))

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if metrics != nil && metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		router.Method(http.MethodGet, path, metrics.Handler())
	}

	// API routes (tenant required)
	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/analyze", handler.Analyze)
		r.Post("/analyze/stored", handler.AnalyzeStored)
		r.Post("/transactions", handler.IngestTransactions)
		r.Post("/snapshots", handler.SubmitSnapshot)

		r.Get("/clusters", handler.ListClusters)
		r.Get("/analyses/{runId}", handler.GetAnalysis)

		r.Get("/rules", handler.ListRules)
		r.Put("/rules", handler.ReplaceRules)
		r.Post("/rules/validate", handler.ValidateRule)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
