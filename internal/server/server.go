package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thruflo/klipdeck/internal/auth"
	"github.com/thruflo/klipdeck/internal/clock"
	"github.com/thruflo/klipdeck/internal/config"
	"github.com/thruflo/klipdeck/internal/logging"
)

// Server is the mock status server.
type Server struct {
	addr    string
	logger  *logging.Logger
	hub     *Hub
	limiter *rateLimiter

	// statsHash protects /stats when set.
	statsHash string

	// HTTP server
	server   *http.Server
	listener net.Listener

	mu      sync.RWMutex
	started bool
}

// Config holds server configuration options.
type Config struct {
	// Addr is the TCP listen address. Port 0 picks a free port.
	Addr      string
	RateLimit RateLimitConfig
	Logger    *logging.Logger
	// Clock drives rate limiting and the hub's activity stamps. Defaults to
	// the real clock.
	Clock clock.Clock
	// StatsPasswordHash is an argon2id hash from auth.HashPassword. When
	// set, /stats requires HTTP basic auth with that password.
	StatsPasswordHash string
}

// NewServer creates a new Server instance.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("listen address is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	if cfg.StatsPasswordHash != "" {
		if err := auth.ValidateHash(cfg.StatsPasswordHash); err != nil {
			return nil, fmt.Errorf("stats password: %w", err)
		}
	}

	return &Server{
		addr:      cfg.Addr,
		logger:    logger,
		hub:       NewHub(logger, cfg.Clock),
		limiter:   newRateLimiter(cfg.RateLimit, cfg.Clock),
		statsHash: cfg.StatsPasswordHash,
	}, nil
}

// NewServerFromConfig creates a new Server from the mock_server section of
// the config file.
func NewServerFromConfig(cfg *config.MockServer, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("mock server config is required")
	}
	return NewServer(&Config{
		Addr:              cfg.ListenAddr(),
		RateLimit:         DefaultRateLimitConfig(),
		Logger:            logger,
		StatsPasswordHash: cfg.StatsPasswordHash,
	})
}

// Hub returns the connection pool for broadcasting.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the HTTP server.
// The server runs until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("mock server listening", "addr", listener.Addr().String())

	go s.cleanupLimiter(ctx)
	go func() {
		<-ctx.Done()
		if err := s.Stop(); err != nil {
			s.logger.Warn("stop failed", "error", err)
		}
	}()

	// Run server (blocks until error or server closed)
	err = s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop drops every client and shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.server == nil {
		return nil
	}

	// Hijacked WebSocket connections are not tracked by Shutdown.
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.started = false
	return nil
}

// ListenAddr returns the actual address the server is listening on.
// Useful when port 0 is used to get an available port.
// Returns empty string if not started.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Origin returns the http origin clients should be configured with, or
// the empty string if not started.
func (s *Server) Origin() string {
	addr := s.ListenAddr()
	if addr == "" {
		return ""
	}
	return "http://" + addr
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{clientId}", s.handleWS)
	mux.HandleFunc("GET /stats", s.withStatsAuth(s.handleStats))
}

// withStatsAuth requires the stats password when one is configured. The
// username is ignored.
func (s *Server) withStatsAuth(handler http.HandlerFunc) http.HandlerFunc {
	if s.statsHash == "" {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="klipdeck"`)
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		match, err := auth.VerifyPassword(password, s.statsHash)
		if err != nil || !match {
			s.logger.Warn("stats auth failed", "ip", extractIP(r))
			w.Header().Set("WWW-Authenticate", `Basic realm="klipdeck"`)
			http.Error(w, "invalid password", http.StatusUnauthorized)
			return
		}
		handler(w, r)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.PathValue("clientId"))
	if clientID == "" {
		http.Error(w, "client id is required", http.StatusBadRequest)
		return
	}

	ip := extractIP(r)
	result := s.limiter.check(ip)
	if !result.Allowed {
		s.logger.Warn("handshake rate limited", "ip", ip, "attempts", result.Attempts, "retry_after", result.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	s.hub.ServeWS(w, r, clientID)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.hub.Stats()); err != nil {
		s.logger.Warn("failed to write stats", "error", err)
	}
}

func (s *Server) cleanupLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.cleanup()
		}
	}
}
