package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/gateway"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

// UserHeader carries the authenticated user id set by the fronting auth proxy
const UserHeader = "X-User-ID"

// Gateway is the collaborator API the HTTP surface drives
type Gateway interface {
	ID() string
	Attach(id string, sink gateway.Sink) (context.CancelFunc, error)
	Detach(ctx context.Context, id string) error
	Track(ctx context.Context, entity types.Entity, connID, userID string, action types.Action) error
	PresentUsers(ctx context.Context, entity types.Entity, threshold time.Duration) ([]string, error)
	DefaultThreshold() time.Duration
}

// Config holds HTTP server settings
type Config struct {
	Addr string

	// IdleTimeout closes a WebSocket that sends nothing for this long
	IdleTimeout time.Duration

	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration

	// FrameRate and FrameBurst limit client frames per connection
	FrameRate  float64
	FrameBurst int
}

// Server exposes the WebSocket endpoint, the presence query and the
// operational endpoints of one gateway node
type Server struct {
	gw     Gateway
	cfg    Config
	mux    *http.ServeMux
	http   *http.Server
	logger zerolog.Logger

	mu       sync.Mutex
	sockets  map[string]net.Conn
	draining bool
}

// NewServer creates the HTTP server for gw
func NewServer(gw Gateway, cfg Config) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 10
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = 50
	}

	s := &Server{
		gw:      gw,
		cfg:     cfg,
		mux:     http.NewServeMux(),
		sockets: make(map[string]net.Conn),
		logger:  log.WithComponent("api"),
	}

	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /presence/{entity}", s.handlePresence)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.Handle("GET /health", metrics.HealthHandler())
	s.mux.Handle("GET /ready", metrics.ReadyHandler())
	s.mux.Handle("GET /live", metrics.LivenessHandler())

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes every open WebSocket. Each
// closed socket detaches its connection from the gateway.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	s.draining = true
	for _, conn := range s.sockets {
		_ = conn.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) track(id string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.sockets[id] = conn
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, id)
}
