// Package api provides HTTP handlers and routing for the orchestrator service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	limiter  *RateLimiter

	// authMiddleware wraps the whole router when OIDC is enabled.
	authMiddleware func(http.Handler) http.Handler
}

// Option configures the server.
type Option func(*Server)

// WithAuth installs an authentication middleware around the API.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		s.authMiddleware = mw
	}
}

// WithRateLimiter installs a request rate limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) {
		s.limiter = rl
	}
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts ...Option) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	if s.authMiddleware != nil {
		return s.authMiddleware(s.router)
	}
	return s.router
}

func (s *Server) setupRoutes() {
	// Health and observability endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Agent lifecycle
	api.HandleFunc("/agents", s.handlers.DeployAgent).Methods("POST")
	api.HandleFunc("/agents", s.handlers.ListAgents).Methods("GET")
	api.HandleFunc("/agents/{id}", s.handlers.GetAgent).Methods("GET")
	api.HandleFunc("/agents/{id}", s.handlers.DeleteAgent).Methods("DELETE")
	api.HandleFunc("/agents/{id}/restart", s.handlers.RestartAgent).Methods("POST")
	api.HandleFunc("/agents/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Gateway route sink, protected by the shared secret
	api.Handle("/routes",
		s.handlers.GatewayAuthMiddleware(http.HandlerFunc(s.handlers.RouteSnapshot)),
	).Methods("GET")

	// Diagnostics
	api.HandleFunc("/stats", s.handlers.Stats).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	if s.limiter != nil {
		s.router.Use(s.limiter.Middleware)
	}
}
