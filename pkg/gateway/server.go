package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/session"
	"github.com/rs/zerolog"
)

// Server is the client-facing gateway. It binds websocket connections to
// sessions and pumps inbound frames into them.
type Server struct {
	cfg            Config
	registry       *session.Registry
	clients        *ClientRegistry
	upgrader       websocket.Upgrader
	server         *http.Server
	listener       net.Listener
	logger         zerolog.Logger
	baseCtx        context.Context
	cancel         context.CancelFunc
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	connWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host     string
	Port     int
	Registry *session.Registry

	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64
	// RateLimit is the inbound frame budget per connection per second.
	// Zero disables limiting.
	RateLimit    float64
	RateBurst    int
	WriteTimeout time.Duration
	// PingInterval enables websocket keepalive pings when positive.
	PingInterval time.Duration
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Registry == nil {
		return nil, errors.New("session registry is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: cfg.Registry,
		clients:  NewClientRegistry(),
		logger:   cfg.Logger,
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s, nil
}

// Handler returns the HTTP routes served by the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleTerminateSession)
	mux.HandleFunc("GET /clients", s.handleListClients)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the listening address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new connections, closes the live ones and shuts the HTTP
// server down. Sessions are left to the registry.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Int("clients", s.clients.Count()).Msg("Shutting down Gateway Server")

	// Hijacked websocket connections are not tracked by http.Server.
	s.cancel()

	var shutdownErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, connections still draining")
		if shutdownErr == nil {
			shutdownErr = ctx.Err()
		}
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return shutdownErr
}

// Clients returns the live connection registry.
func (s *Server) Clients() *ClientRegistry {
	return s.clients
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("ip", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	conn := newWSConn(ws, connConfig{
		readLimit:    s.cfg.ReadLimit,
		writeTimeout: s.cfg.WriteTimeout,
		pingInterval: s.cfg.PingInterval,
	})
	ctx := tracing.MergeContext(s.baseCtx, r.Context())
	s.ServeConn(ctx, conn, r.RemoteAddr)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.registry.List(),
	})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := tracing.NewRequestContext(r.Context())
	if err := s.registry.Terminate(ctx, id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clients": s.clients.GetConnectedClients(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
