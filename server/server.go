// Package server provides the debug HTTP server exposing the engine's own state:
// metrics, loaded integrations, hooked call sites, health and pprof.
// Most users won't need this package directly: the engine starts it on Boot when
// Config.ServerEnabled is true.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/integration"
	"github.com/kzs0/tracehook/metrics"
)

// Integrations reports integration states. *integration.Manager implements it.
type Integrations interface {
	Status() []integration.Status
}

// Registry reports hooked call sites. *hook.Registry implements it.
type Registry interface {
	Sites() []hook.CallSite
	Sealed() bool
}

// Config configures the debug HTTP server.
type Config struct {
	// Addr is the address to listen on (e.g., ":9464").
	Addr string
	// EnablePprof enables the /debug/pprof endpoints.
	EnablePprof bool

	// ReadHeaderTimeout protects against slow-loris clients. Default: 5 seconds
	ReadHeaderTimeout time.Duration
	// WriteTimeout must leave room for CPU profiles. Default: 60 seconds
	WriteTimeout time.Duration
	// IdleTimeout is the keep-alive timeout. Default: 120 seconds
	IdleTimeout time.Duration
	// ShutdownTimeout bounds Shutdown when ctx has no deadline. Default: 10 seconds
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              ":9464",
		EnablePprof:       true,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Server serves the debug endpoints.
type Server struct {
	server          *http.Server
	router          *mux.Router
	logger          logr.Logger
	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for request failures.
func WithLogger(logger logr.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates the debug server. Any of m, ints or reg may be nil; the matching
// endpoint then reports nothing.
func New(cfg Config, m *metrics.Metrics, ints Integrations, reg Registry, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Server{
		router:          mux.NewRouter(),
		logger:          logr.Discard(),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := s.router
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/integrations", func(w http.ResponseWriter, _ *http.Request) {
		statuses := []integration.Status{}
		if ints != nil {
			statuses = ints.Status()
		}
		s.writeJSON(w, statuses)
	}).Methods(http.MethodGet)
	r.HandleFunc("/callsites", func(w http.ResponseWriter, _ *http.Request) {
		sites := []hook.CallSite{}
		if reg != nil {
			sites = reg.Sites()
		}
		s.writeJSON(w, sites)
	}).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	// Ready once the boot phase is over and the registry is sealed.
	r.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if reg != nil && !reg.Sealed() {
			http.Error(w, "booting", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	if cfg.EnablePprof {
		registerPprof(r)
	}

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(err, "failed to write debug response")
	}
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Serve starts the server on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the server.
// If the provided context does not have a deadline, a timeout context
// is created using the configured ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the router for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.router
}
