// Package gateway provides the HTTP gateway server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"glance/internal/config"
	"glance/internal/gateway/handlers"
	"glance/internal/gateway/middleware"
	"glance/internal/gateway/websocket"
	"glance/internal/metrics"
	"glance/pkg/logger"
)

// RouteRegistrar adds a group of routes to the router.
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// Deps are the collaborators served by the gateway.
type Deps struct {
	// Routes are registered in order. Routes on the main router must come
	// before subrouters that share their prefix.
	Routes  []RouteRegistrar
	Metrics *metrics.Metrics
	// Checks are reported by the health endpoints.
	Checks map[string]handlers.HealthCheck
}

// Server represents the HTTP gateway server.
type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	hub         *websocket.Hub
	config      *config.Config
	rateLimiter *middleware.RateLimiter

	mu       sync.Mutex
	listener net.Listener
	hubDone  chan struct{}
}

// NewServer creates a new gateway server with every route registered.
func NewServer(cfg *config.Config, hub *websocket.Hub, deps Deps) *Server {
	router := mux.NewRouter()

	rlConfig := middleware.RateLimiterConfig{
		RequestsPerMinute: cfg.Gateway.RateLimit.RequestsPerMinute,
		Burst:             cfg.Gateway.RateLimit.Burst,
		Enabled:           cfg.Gateway.RateLimit.Enabled,
		CleanupInterval:   cfg.Gateway.RateLimit.CleanupInterval,
		PathPrefixes:      cfg.Gateway.RateLimit.PathPrefixes,
	}
	defaults := middleware.DefaultRateLimiterConfig()
	if rlConfig.RequestsPerMinute == 0 {
		rlConfig.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if rlConfig.Burst == 0 {
		rlConfig.Burst = defaults.Burst
	}
	if rlConfig.CleanupInterval == 0 {
		rlConfig.CleanupInterval = defaults.CleanupInterval
	}
	if rlConfig.PathPrefixes == nil {
		rlConfig.PathPrefixes = defaults.PathPrefixes
	}
	rateLimiter := middleware.NewRateLimiter(rlConfig)

	// Recovery -> Logging -> CORS -> RateLimit -> router (-> Metrics per route)
	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(cfg.Gateway.CORSOrigins)(
				rateLimiter.RateLimit(router),
			),
		),
	)
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware)
	}

	s := &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		router:      router,
		hub:         hub,
		config:      cfg,
		rateLimiter: rateLimiter,
	}
	s.setupRoutes(deps)
	return s
}

// setupRoutes configures the server routes.
func (s *Server) setupRoutes(deps Deps) {
	health := handlers.HealthHandler(s.config.Version, deps.Checks)
	s.router.HandleFunc("/health", health).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/health", health).Methods(http.MethodGet)

	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	for _, r := range deps.Routes {
		r.RegisterRoutes(s.router)
	}

	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(s.hub, w, r)
	})
}

// Start starts the hub and serves HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve runs the hub and serves HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	handlers.InitStartTime()

	s.mu.Lock()
	s.listener = ln
	s.httpServer.Addr = ln.Addr().String()
	if s.hubDone == nil {
		s.hubDone = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			s.hub.Run()
		}(s.hubDone)
	}
	s.mu.Unlock()

	logger.Info().
		Str("addr", ln.Addr().String()).
		Msg("Starting gateway server")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway server")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)

	s.hub.Stop()
	s.mu.Lock()
	done := s.hubDone
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
	}

	if err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// Addr returns the address being served, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Router returns the underlying router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}
