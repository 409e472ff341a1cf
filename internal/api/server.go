// Package api provides the HTTP REST and WebSocket API of the stascan
// daemon. It exposes the station's status and site table, scan and
// connection commands, scheduled scans, metrics and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/stascan/internal/api/handlers"
	"github.com/anstrom/stascan/internal/api/middleware"
	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	readTimeout           = 10 * time.Second
	writeTimeout          = 30 * time.Second
	idleTimeout           = 60 * time.Second
	maxHeaderBytes        = 1 << 20
)

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	station    apihandlers.Station
	scheduler  apihandlers.Scheduler
	events     *apihandlers.EventsHandler
	logger     *logging.Logger
	metrics    metrics.MetricsRegistry
	prom       *metrics.PrometheusMetrics
	startTime  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the in-process registry served as JSON.
func WithMetrics(m metrics.MetricsRegistry) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPrometheus serves pm's registry on /metrics instead of the default
// Prometheus registry.
func WithPrometheus(pm *metrics.PrometheusMetrics) Option {
	return func(s *Server) { s.prom = pm }
}

// WithScheduler enables the schedule endpoints.
func WithScheduler(sched apihandlers.Scheduler) Option {
	return func(s *Server) { s.scheduler = sched }
}

// New creates a new API server instance.
func New(cfg *config.Config, st apihandlers.Station, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if st == nil {
		return nil, fmt.Errorf("station is required")
	}

	server := &Server{
		router:    mux.NewRouter(),
		config:    cfg,
		station:   st,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(server)
	}
	server.logger = logging.OrDefault(server.logger).WithComponent("api")
	server.metrics = metrics.OrDefault(server.metrics)

	server.setupMiddleware()
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:           net.JoinHostPort(cfg.API.ListenAddr, strconv.Itoa(cfg.API.Port)),
		Handler:        server.Handler(),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}

	return server, nil
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("Starting API server",
		"address", ln.Addr().String(),
		"cors", s.config.API.CORS.Enabled,
		"schedules", s.scheduler != nil)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop closes event streams and gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	_ = s.events.Close()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler {
	cors := s.config.API.CORS
	if !cors.Enabled {
		return s.router
	}
	// Wrapped outside the router so preflight requests are answered before
	// route method matching.
	return handlers.CORS(
		handlers.AllowedOrigins(cors.AllowedOrigins),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.ExposedHeaders([]string{"X-Request-ID"}),
	)(s.router)
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

// Events returns the WebSocket event handler.
func (s *Server) Events() *apihandlers.EventsHandler {
	return s.events
}

// setupMiddleware configures middleware for the API server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(handlers.ProxyHeaders)
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.metrics, s.prom))
	s.router.Use(middleware.SecurityHeaders())
	s.router.Use(middleware.ContentType())
	s.router.Use(middleware.RequestTimeout(s.config.API.RequestTimeout))
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	health := apihandlers.NewHealthHandler(s.station, s.logger, s.metrics)
	st := apihandlers.NewStationHandler(s.station, s.logger, s.metrics)
	s.events = apihandlers.NewEventsHandler(s.station.Events(), s.config.API.CORS.AllowedOrigins, s.logger, s.metrics)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Health and system endpoints
	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/version", health.Version).Methods(http.MethodGet)
	api.HandleFunc("/metrics", health.Metrics).Methods(http.MethodGet)

	// Station state
	api.HandleFunc("/status", st.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/sites", st.ListSites).Methods(http.MethodGet)
	api.HandleFunc("/sites/prune", st.Prune).Methods(http.MethodPost)
	api.HandleFunc("/clients", st.ListClients).Methods(http.MethodGet)
	api.HandleFunc("/arbiter", st.GetArbiter).Methods(http.MethodGet)

	// Scan control
	api.HandleFunc("/scans", st.StartScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/os", st.StartOSScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/{client}", st.StopScan).Methods(http.MethodDelete)

	// Connection
	api.HandleFunc("/connect", st.Connect).Methods(http.MethodPost)
	api.HandleFunc("/disconnect", st.Disconnect).Methods(http.MethodPost)
	api.HandleFunc("/params", st.GetParams).Methods(http.MethodGet)
	api.HandleFunc("/params", st.SetParams).Methods(http.MethodPut)
	api.HandleFunc("/select", st.Select).Methods(http.MethodPost)
	api.HandleFunc("/fwreset", st.FWReset).Methods(http.MethodPost)

	// Scheduled scans
	if s.scheduler != nil {
		sched := apihandlers.NewScheduleHandler(s.scheduler, s.logger)
		api.HandleFunc("/schedules", sched.ListSchedules).Methods(http.MethodGet)
		api.HandleFunc("/schedules", sched.CreateSchedule).Methods(http.MethodPost)
		api.HandleFunc("/schedules/{id}", sched.DeleteSchedule).Methods(http.MethodDelete)
		api.HandleFunc("/schedules/{id}/run", sched.RunSchedule).Methods(http.MethodPost)
		api.HandleFunc("/schedules/{id}/enable", sched.EnableSchedule).Methods(http.MethodPost)
		api.HandleFunc("/schedules/{id}/disable", sched.DisableSchedule).Methods(http.MethodPost)
	}

	// Live events
	api.HandleFunc("/events", s.events.ServeEvents).Methods(http.MethodGet)

	// Prometheus scrape endpoint
	if s.prom != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.prom.GetRegistry(), promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	} else {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
}

// index returns API information for root requests.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"liveness": "/api/v1/liveness",
		"health":   "/api/v1/health",
		"status":   "/api/v1/status",
		"sites":    "/api/v1/sites",
		"scans":    "/api/v1/scans",
		"events":   "/api/v1/events",
		"metrics":  "/metrics",
	}
	if s.scheduler != nil {
		endpoints["schedules"] = "/api/v1/schedules"
	}
	response := map[string]interface{}{
		"service":   "stascan",
		"version":   "v1",
		"endpoints": endpoints,
		"uptime":    time.Since(s.startTime).Truncate(time.Second).String(),
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode API index response", "error", err)
	}
}
