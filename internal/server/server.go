// Package server hosts connection handlers behind an HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grantcarthew/wsgate/internal/lifecycle"
	"github.com/grantcarthew/wsgate/internal/transport"
	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// RequestIDHeader carries a client-chosen connection id. A valid UUID becomes
// the connection's ID; anything else is ignored.
const RequestIDHeader = "X-Request-Id"

// Route binds a path to a connection handler.
type Route struct {
	Path    string
	Handler lifecycle.Handler
	Hooks   []lifecycle.Hook // run after the server-wide hooks
}

// Config holds server configuration.
type Config struct {
	Host               string           // Bind host ("localhost" or "0.0.0.0")
	Port               int              // Server port (0 = auto-detect)
	Routes             []Route          // Websocket routes
	Hooks              []lifecycle.Hook // Hooks for every route
	MaxMessageSize     int64            // Inbound message limit (0 = transport default)
	OriginPatterns     []string         // Allowed cross-origin hosts
	InsecureSkipVerify bool             // Disable origin checks
	CloseOnViolation   bool             // Close connections on protocol violations
	StaticDir          string           // Optional directory served for other paths
	MetricsPath        string           // Path for the metrics endpoint ("" = disabled)
	Gatherer           prometheus.Gatherer
	Logger             *slog.Logger
}

// Server serves websocket routes over HTTP.
type Server struct {
	config   Config
	httpSrv  *http.Server
	listener net.Listener
	handler  http.Handler
	logger   *slog.Logger

	mu       sync.RWMutex
	running  bool
	stopping bool
	active   map[*wsconn.Conn]struct{}
	wg       sync.WaitGroup
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.MetricsPath != "" && cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		active: make(map[*wsconn.Conn]struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.handler = s.buildHandler()
	return s, nil
}

// validateConfig validates the server configuration.
func validateConfig(cfg Config) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	seen := make(map[string]bool)
	for _, r := range cfg.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("route path must start with /: %q", r.Path)
		}
		if r.Handler == nil {
			return fmt.Errorf("route %s has no handler", r.Path)
		}
		if seen[r.Path] {
			return fmt.Errorf("duplicate route: %s", r.Path)
		}
		seen[r.Path] = true
	}
	if cfg.MetricsPath != "" {
		if !strings.HasPrefix(cfg.MetricsPath, "/") {
			return fmt.Errorf("metrics path must start with /: %q", cfg.MetricsPath)
		}
		if seen[cfg.MetricsPath] {
			return fmt.Errorf("metrics path collides with a route: %s", cfg.MetricsPath)
		}
	}
	if cfg.MaxMessageSize < 0 {
		return fmt.Errorf("invalid max message size: %d", cfg.MaxMessageSize)
	}
	return nil
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	for _, route := range s.config.Routes {
		mux.Handle(route.Path, s.routeHandler(route))
	}
	if s.config.MetricsPath != "" {
		mux.Handle(s.config.MetricsPath, promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.config.StaticDir != "" {
		mux.Handle("/", newStaticHandler(s.config.StaticDir, s.logger))
	}
	return mux
}

// routeHandler upgrades requests and drives the route's handler.
func (s *Server) routeHandler(route Route) http.Handler {
	hooks := make([]lifecycle.Hook, 0, len(s.config.Hooks)+len(route.Hooks))
	hooks = append(hooks, s.config.Hooks...)
	hooks = append(hooks, route.Hooks...)
	driver := &lifecycle.Driver{Hooks: hooks, Logger: s.logger}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !transport.IsUpgrade(r) {
			w.Header().Set("Upgrade", "websocket")
			http.Error(w, http.StatusText(http.StatusUpgradeRequired), http.StatusUpgradeRequired)
			return
		}

		tr := transport.New(w, r, transport.Options{
			MaxMessageSize:     s.config.MaxMessageSize,
			OriginPatterns:     s.config.OriginPatterns,
			InsecureSkipVerify: s.config.InsecureSkipVerify,
			Logger:             s.logger,
		})
		defer tr.Stop()

		opts := []wsconn.Option{
			wsconn.WithLogger(s.logger),
			wsconn.WithCloseOnViolation(s.config.CloseOnViolation),
		}
		if id, err := uuid.Parse(r.Header.Get(RequestIDHeader)); err == nil {
			opts = append(opts, wsconn.WithID(id))
		}
		c := wsconn.New(tr, transport.NewScope(r), opts...)

		if !s.track(c) {
			_ = c.Reject(r.Context(), wsconn.StatusServiceRestart)
			return
		}
		defer s.untrack(c)

		if err := driver.Run(r.Context(), c, route.Handler); err != nil {
			s.logger.Error("connection ended with error", "conn", c.ID().String(), "path", route.Path, "error", err)
		}
	})
}

// track registers an active connection; it fails once the server is stopping.
func (s *Server) track(c *wsconn.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.active[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *wsconn.Conn) {
	s.mu.Lock()
	delete(s.active, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Start starts the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	// Find available port if needed
	port := s.config.Port
	if port == 0 {
		var err error
		port, err = findAvailablePort(s.config.Host)
		if err != nil {
			return fmt.Errorf("failed to find available port: %w", err)
		}
		s.logger.Debug("auto-detected port", "port", port)
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	httpSrv := s.httpSrv
	s.mu.Unlock()

	go func() {
		s.logger.Info("server started", "url", s.URL())
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// Stop stops accepting requests, closes active connections with
// StatusGoingAway and waits for their handlers to return.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopping = true
	httpSrv := s.httpSrv
	active := make([]*wsconn.Conn, 0, len(s.active))
	for c := range s.active {
		active = append(active, c)
	}
	s.mu.Unlock()

	var errs []error

	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	for _, c := range active {
		if err := c.Close(ctx, wsconn.StatusGoingAway); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection %s: %w", c.ID(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for handlers: %w", ctx.Err()))
	}

	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %w", errors.Join(errs...))
	}

	s.logger.Debug("server stopped")
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the server's listening port.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// URL returns the server's base websocket URL.
func (s *Server) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return ""
	}

	addr := s.listener.Addr().(*net.TCPAddr)
	host := addr.IP.String()
	if host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, fmt.Sprint(addr.Port))
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// findAvailablePort finds an available port on the given host.
func findAvailablePort(host string) (int, error) {
	// Try common websocket ports first
	commonPorts := []int{8080, 8765, 9000, 3000}

	for _, port := range commonPorts {
		if isPortAvailable(host, port) {
			return port, nil
		}
	}

	// Fall back to OS-assigned port
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// isPortAvailable checks if a port is available for binding.
func isPortAvailable(host string, port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
