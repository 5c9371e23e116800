// Package api serves the HTTP control plane: blocklist reload and edits,
// blocking mode changes, counters, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/OmgRod/PiBlock/pkg/config"
	"github.com/OmgRod/PiBlock/pkg/logging"
	"github.com/OmgRod/PiBlock/pkg/state"
)

// Server represents the control plane server
type Server struct {
	handler    http.Handler
	httpServer *http.Server
	logger     *logging.Logger

	// Dependencies
	state   *state.State
	metrics http.Handler

	// Auth, replaceable at runtime
	authMu       sync.RWMutex
	authEnabled  bool
	apiKey       string
	authHeader   string
	basicUser    string
	passwordHash string

	// Metadata
	version   string
	startTime time.Time
}

// Config holds control plane configuration
type Config struct {
	ListenAddress string
	State         *state.State
	Metrics       http.Handler // served on /metrics when set
	Auth          config.ControlConfig
	Logger        *logging.Logger
	Version       string
}

// New creates a new control plane server
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	s := &Server{
		state:     cfg.State,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		version:   cfg.Version,
		startTime: time.Now(),
	}
	s.SetAuth(cfg.Auth)

	mux := http.NewServeMux()

	// Blocklist
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("GET /lists", s.handleLists)
	mux.HandleFunc("POST /add", s.handleAdd)
	mux.HandleFunc("POST /remove", s.handleRemove)

	// Policy
	mux.HandleFunc("POST /mode", s.handleMode)

	// Counters and health
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	handler := s.authMiddleware(mux)
	handler = s.loggingMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen binds the control listener without serving it yet.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind control plane %s: %w", s.httpServer.Addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled, then shuts the
// server down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Control plane listening", "address", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return fmt.Errorf("control plane failed: %w", err)
	}
}

// Shutdown gracefully shuts down the control plane
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down control plane")
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError writes an {"ok":false,"error":...} response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{OK: false, Error: message})
}

// getUptime returns the server uptime as a string
func (s *Server) getUptime() string {
	uptime := time.Since(s.startTime)

	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
