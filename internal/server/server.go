// Package server exposes the node over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/metrics"
)

// Config holds HTTP server settings
type Config struct {
	Host              string
	Port              int
	User              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MetricsPath       string
	CollectInterval   time.Duration
	DataDir           string
	RequestsPerSecond float64
	Burst             int
}

// Route is a handler group mounted on the router
type Route interface {
	Register(r *mux.Router)
}

// Server represents the HTTP server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	health     *HealthChecker
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        Config
	stopChan   chan struct{}
}

// NewServer creates a server. feed may be nil to disable /feed.
func NewServer(cfg Config, health *HealthChecker, m *metrics.Metrics, feed *FeedHandler, logger *zap.Logger, routes ...Route) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = 15 * time.Second
	}

	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		health:   health,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
	s.setupRoutes(feed, routes)
	return s
}

func (s *Server) setupRoutes(feed *FeedHandler, routes []Route) {
	middlewareChain := []func(http.Handler) http.Handler{
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
		ActingUser(s.cfg.User),
	}
	if s.cfg.RequestsPerSecond > 0 {
		limiter := NewRateLimiter(s.cfg.RequestsPerSecond, s.cfg.Burst, s.logger)
		middlewareChain = append(middlewareChain, limiter.Limit)
	}
	s.router.Use(Chain(middlewareChain...))

	if s.health != nil {
		s.router.HandleFunc("/health", s.health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/ready", s.health.ReadinessHandler).Methods(http.MethodGet)
	}
	if s.metrics != nil {
		s.router.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if feed != nil {
		s.router.Handle("/feed", feed).Methods(http.MethodGet)
	}
	for _, r := range routes {
		r.Register(s.router)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatic(w, http.StatusNotFound, errors.BadRequest("endpoint not found", r.Header.Get("X-Request-ID")))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatic(w, http.StatusMethodNotAllowed, errors.BadRequest("method not allowed", r.Header.Get("X-Request-ID")))
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if s.metrics != nil {
		go s.collectSystemMetrics()
	}

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	return s.httpServer.Shutdown(ctx)
}

// collectSystemMetrics periodically collects system-level metrics
func (s *Server) collectSystemMetrics() {
	ticker := time.NewTicker(s.cfg.CollectInterval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) updateSystemMetrics() {
	var diskUsage, diskAvailable int64
	if s.cfg.DataDir != "" {
		var err error
		diskUsage, diskAvailable, err = diskStats(s.cfg.DataDir)
		if err != nil {
			s.logger.Error("Failed to get disk stats", zap.Error(err))
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(diskUsage, diskAvailable, int64(memStats.Alloc), runtime.NumGoroutine())
}

func writeStatic(w http.ResponseWriter, status int, body errors.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
