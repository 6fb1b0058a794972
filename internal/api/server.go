// Package api serves usage queries, machine snapshots and the live snapshot
// feed over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/materializer"
	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
	"github.com/aceteam-ai/citadel-fleet/internal/usage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the API server.
type Config struct {
	Listen string // default: ":8080"

	Source telemetry.Source

	QueryTimeout    time.Duration // default: 30s
	RateLimitRPS    float64       // default: 10
	RateLimitBurst  int           // default: 20
	InitConcurrency int           // default: materializer.DefaultConcurrency

	// Registry receives the API collectors and is served on /metrics.
	// A private registry is created when nil.
	Registry *prometheus.Registry

	Version string
	LogFn   func(level, msg string)
}

// Server is the fleet HTTP API.
type Server struct {
	config   Config
	source   telemetry.Source
	engine   *usage.Engine
	limiter  *RateLimiter
	metrics  *Metrics
	registry *prometheus.Registry
	upgrader websocket.Upgrader
	router   chi.Router

	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	running bool

	// Watch connections are hijacked, so http.Server.Shutdown does not end
	// them; they derive from watchCtx instead.
	watchCtx    context.Context
	cancelWatch context.CancelFunc
	watches     sync.WaitGroup
}

// NewServer creates a server. Call Start to listen, or mount Handler.
func NewServer(cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.InitConcurrency <= 0 {
		cfg.InitConcurrency = materializer.DefaultConcurrency
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		config:   cfg,
		source:   cfg.Source,
		engine:   usage.NewEngine(cfg.Source, cfg.LogFn),
		limiter:  NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		metrics:  NewMetrics(cfg.Registry),
		registry: cfg.Registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.watchCtx, s.cancelWatch = context.WithCancel(context.Background())
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.instrument)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Get("/usage/users", s.handleAllUsers)
			r.Get("/usage/users/{userId}", s.handleUserSeries)
			r.Get("/usage/machines", s.handleAllMachines)
			r.Get("/usage/machines/{machineId}", s.handleMachineSeries)
			r.Get("/machines", s.handleMachines)
		})
		r.Get("/machines/watch", s.handleWatch)
	})
	return r
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServerAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.running = true

	s.log("info", fmt.Sprintf("API listening on %s", ln.Addr()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log("error", fmt.Sprintf("API server error: %v", err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every watch subscription and gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServerNotRunning
	}
	s.running = false
	s.cancelWatch()
	s.mu.Unlock()

	s.limiter.Stop()

	err := s.httpServer.Shutdown(ctx)
	s.watches.Wait()
	if err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	s.log("info", "API server stopped")
	return nil
}

// Close ends watch subscriptions and releases the limiter for a server that
// was only used through Handler.
func (s *Server) Close() {
	s.mu.Lock()
	s.cancelWatch()
	s.mu.Unlock()

	s.limiter.Stop()
	s.watches.Wait()
}

// beginWatch registers a watch connection unless the server is stopping.
func (s *Server) beginWatch() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchCtx.Err() != nil {
		return nil, false
	}
	s.watches.Add(1)
	return s.watchCtx, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.config.Version,
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log("debug", fmt.Sprintf("%s %s from %s (%s) [%s]",
			r.Method, r.URL.Path, clientIP(r), time.Since(start).Round(time.Microsecond), middleware.GetReqID(r.Context())))
	})
}

// queryContext bounds a store-backed request by the configured timeout.
func (s *Server) queryContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.QueryTimeout)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log("error", fmt.Sprintf("%s %s failed: %v", r.Method, r.URL.Path, err))
	} else {
		s.log("debug", fmt.Sprintf("%s %s rejected: %v", r.Method, r.URL.Path, err))
	}
	writeJSONError(w, publicMessage(err, status), status)
}

func (s *Server) log(level, msg string) {
	if s.config.LogFn != nil {
		s.config.LogFn(level, msg)
	}
}
