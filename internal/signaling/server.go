package signaling

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/camrelay/camrelay/internal/auth"
	"github.com/camrelay/camrelay/internal/metrics"
	"github.com/camrelay/camrelay/internal/ratelimit"
	"github.com/camrelay/camrelay/internal/registry"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Verifier auth.Verifier
	// Registry receives device_register announcements. If nil,
	// device_register is rejected.
	Registry *registry.Registry
	// Router defaults to a fresh router.
	Router  *Router
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AuthLimiter throttles authenticate/device_register attempts per remote
	// IP. Nil means unlimited.
	AuthLimiter *ratelimit.KeyedLimiter

	// WebSocket inbound signaling hardening.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	SendQueue                     int

	// NewID defaults to uuid.NewString.
	NewID func() string
}

// Server implements the GET /signal WebSocket event channel.
type Server struct {
	cfg      Config
	router   *Router
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Router == nil {
		cfg.Router = NewRouter(cfg.Logger, cfg.Metrics)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Server{
		cfg:    cfg,
		router: cfg.Router,
		log:    cfg.Logger,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin middleware. For
			// unit tests that don't use httpserver.Server, accept all origins here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) Router() *Router { return s.router }

// ConnCount reports the number of open signaling connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close tells every connected client the server is going away and closes it.
// Later upgrade attempts are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}

func (s *Server) maxSignalingMessageBytes() int64 {
	if s.cfg.MaxSignalingMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxSignalingMessageBytes
}

func (s *Server) maxSignalingMessagesPerSecond() int {
	if s.cfg.MaxSignalingMessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MaxSignalingMessagesPerSecond
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.SignalingWSIdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.cfg.SignalingWSIdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.SignalingWSPingInterval <= 0 || s.cfg.SignalingWSPingInterval >= s.idleTimeout() {
		return s.idleTimeout() / 3
	}
	return s.cfg.SignalingWSPingInterval
}

func (s *Server) sendQueue() int {
	if s.cfg.SendQueue <= 0 {
		return 64
	}
	return s.cfg.SendQueue
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(s, ws, s.cfg.NewID(), remoteIP(r))
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
		return
	}
	defer s.untrack(c)

	s.cfg.Metrics.Inc(metrics.SignalingConnections)
	c.run()
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
