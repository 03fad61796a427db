package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tickerpulse/internal/api/health"
	"tickerpulse/internal/metrics"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// ServerConfig contains configuration for the HTTP server
type ServerConfig struct {
	Addr        string
	ServiceName string
	Version     string
}

// Server wraps the HTTP server with lifecycle management
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// NewRouter registers every route
func NewRouter(cfg ServerConfig, healthHandler *health.Handler, h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health/live", healthHandler.HandleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", healthHandler.HandleReadiness).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/pulls", h.StartPull).Methods(http.MethodPost)
	v1.HandleFunc("/pulls/{id}", h.GetPull).Methods(http.MethodGet)
	if h.Runs != nil {
		v1.HandleFunc("/runs/{id}", h.GetRun).Methods(http.MethodGet)
	}
	if h.Metrics != nil {
		v1.HandleFunc("/metrics/daily", h.GetDailyMetrics).Methods(http.MethodGet)
	}
	if h.Workers != nil {
		v1.HandleFunc("/workers", h.GetWorkers).Methods(http.MethodGet)
	}

	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"service": cfg.ServiceName,
			"version": cfg.Version,
			"status":  "running",
		})
	}).Methods(http.MethodGet)

	return r
}

// NewServer creates the HTTP server
func NewServer(cfg ServerConfig, healthHandler *health.Handler, h *Handler, log *logger.Logger) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(cfg, healthHandler, h),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

// Start listens until the server is shut down
func (s *Server) Start() error {
	s.log.Infow("Starting HTTP server", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown waits for active requests within ctx
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Stopping HTTP server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http server shutdown failed")
	}
	s.log.Info("HTTP server stopped")
	return nil
}
