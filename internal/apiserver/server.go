package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/logging"
)

// ReadinessChecker is an interface for checking component readiness
type ReadinessChecker interface {
	IsReady() bool
}

// NoOpReadinessChecker is a ReadinessChecker that always returns true.
type NoOpReadinessChecker struct{}

// IsReady always returns true for the no-op checker.
func (n *NoOpReadinessChecker) IsReady() bool {
	return true
}

// ReadyFunc adapts a function to a ReadinessChecker.
type ReadyFunc func() bool

func (f ReadyFunc) IsReady() bool { return f() }

// PlanLister lists change plans waiting at the approval gate.
type PlanLister interface {
	Pending(ctx context.Context) ([]types.Checkpoint, error)
}

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":9090".
	Addr string

	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// MCP is mounted at MCPPath when set.
	MCP     http.Handler
	MCPPath string

	// Approvals backs /v1/approvals when set.
	Approvals PlanLister

	Readiness ReadinessChecker
}

// Server serves health, metrics, the MCP endpoint and a read-only view of
// pending approvals.
type Server struct {
	cfg    Config
	router *http.ServeMux
	server *http.Server
	logger *logging.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates a server. It does not listen until Start.
func New(cfg Config) *Server {
	if cfg.MCPPath == "" {
		cfg.MCPPath = "/mcp"
	}
	if cfg.Readiness == nil {
		cfg.Readiness = &NoOpReadinessChecker{}
	}
	s := &Server{
		cfg:    cfg,
		router: http.NewServeMux(),
		logger: logging.GetLogger("apiserver"),
	}
	s.registerHandlers()
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.loggingMiddleware(s.router),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start implements the lifecycle.Component interface. A listen failure
// is returned; serve errors afterwards are logged.
func (s *Server) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()

	s.logger.Info("HTTP server listening on %s", ln.Addr())
	return nil
}

// Stop implements the lifecycle.Component interface
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error: %v", err)
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Name implements the lifecycle.Component interface
func (s *Server) Name() string {
	return "http-server"
}
