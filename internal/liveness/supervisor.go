package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/camrelay/camrelay/internal/metrics"
	"github.com/camrelay/camrelay/internal/signaling"
)

var ErrRelayUnreachable = errors.New("relay unreachable")

const wsWriteWait = 1 * time.Second

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// RegistrationFunc builds the device_register payload. It is called on every
// connect so a changed tunnel URL is announced.
type RegistrationFunc func(ctx context.Context) (signaling.DeviceRegisterPayload, error)

// LinkHandler receives events sent by the relay over the outbound link.
type LinkHandler interface {
	HandleRelayEvent(ctx context.Context, link *Link, env signaling.Envelope)
}

// LogHandler logs relay events and otherwise ignores them.
type LogHandler struct {
	Logger *slog.Logger
}

func (h LogHandler) HandleRelayEvent(_ context.Context, _ *Link, env signaling.Envelope) {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	switch env.Event {
	case signaling.EventError:
		var p signaling.ErrorPayload
		_ = signaling.DecodeData(env, &p)
		log.Warn("relay error", "event", p.Event, "message", p.Message)
	default:
		log.Debug("relay event", "event", env.Event)
	}
}

type SupervisorConfig struct {
	// ServerURL is the relay base URL (http, https, ws or wss).
	ServerURL string
	// SignalPath is appended when ServerURL has no path.
	SignalPath string

	Registration RegistrationFunc
	Handler      LinkHandler

	KeepaliveInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer  *websocket.Dialer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Supervisor owns the outbound relay link. It cycles
// Disconnected -> Connecting -> Connected -> Disconnected and reconnects
// forever with capped exponential backoff.
type Supervisor struct {
	cfg   SupervisorConfig
	url   string
	log   *slog.Logger
	state atomic.Int32
}

func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	wsURL, err := RelayURL(cfg.ServerURL, cfg.SignalPath)
	if err != nil {
		return nil, err
	}
	if cfg.Registration == nil {
		return nil, errors.New("liveness: registration func is required")
	}
	if cfg.Handler == nil {
		cfg.Handler = LogHandler{Logger: cfg.Logger}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg: cfg,
		url: wsURL,
		log: log.With("relay_url", wsURL),
	}, nil
}

// RelayURL turns a relay base URL into its WebSocket signaling URL.
func RelayURL(raw, signalPath string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid relay url %q: unsupported scheme", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid relay url %q: missing host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		if signalPath == "" {
			signalPath = "/signal"
		}
		u.Path = signalPath
	}
	return u.String(), nil
}

func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) { s.state.Store(int32(st)) }

func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.MinBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run maintains the link until ctx is done. Failures are logged and retried;
// they never end the loop.
func (s *Supervisor) Run(ctx context.Context) {
	b := s.newBackOff()
	for {
		s.setState(StateConnecting)
		connected, err := s.session(ctx)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		if connected {
			b.Reset()
			s.cfg.Metrics.Inc(metrics.RelayDisconnect)
			s.log.Warn("relay link lost", "err", err)
		} else {
			s.cfg.Metrics.Inc(metrics.RelayUnreachable)
			s.log.Warn("relay unreachable", "err", err)
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop || delay > s.cfg.MaxBackoff {
			delay = s.cfg.MaxBackoff
		}
		s.log.Debug("relay reconnect scheduled", "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one link lifetime. connected reports whether the dial
// succeeded.
func (s *Supervisor) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRelayUnreachable, err)
	}
	link := newLink(conn)
	defer link.Close()

	s.setState(StateConnected)
	s.cfg.Metrics.Inc(metrics.RelayConnected)
	s.log.Info("relay connected")

	stop := context.AfterFunc(ctx, func() {
		link.closeWith(websocket.CloseNormalClosure, "shutting down")
		link.Close()
	})
	defer stop()

	reg, err := s.cfg.Registration(ctx)
	if err != nil {
		return true, fmt.Errorf("build registration: %w", err)
	}
	if err := link.Send(signaling.EventDeviceRegister, reg); err != nil {
		return true, fmt.Errorf("send device_register: %w", err)
	}

	deadline := 2*s.cfg.KeepaliveInterval + wsWriteWait
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	kaDone := make(chan struct{})
	go s.keepalive(link, kaDone)
	defer func() {
		link.Close()
		<-kaDone
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))

		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			s.log.Debug("relay sent invalid frame", "err", err)
			continue
		}
		if env.Event == signaling.EventDeviceRegistered {
			s.logRegistered(env)
		}
		s.cfg.Handler.HandleRelayEvent(ctx, link, env)
	}
}

func (s *Supervisor) keepalive(link *Link, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-link.done:
			return
		case <-ticker.C:
			if err := link.ping(); err != nil {
				s.log.Debug("relay keepalive failed", "err", err)
				link.Close()
				return
			}
		}
	}
}

func (s *Supervisor) logRegistered(env signaling.Envelope) {
	var p signaling.DeviceRegisteredPayload
	if err := signaling.DecodeData(env, &p); err != nil {
		s.log.Warn("relay sent invalid device_registered", "err", err)
		return
	}
	if p.Success {
		s.log.Info("registered with relay", "device_id", p.DeviceID)
		return
	}
	s.log.Warn("relay rejected registration", "message", p.Message)
}

// Link is one live connection to the relay. Send is safe for concurrent use.
type Link struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newLink(conn *websocket.Conn) *Link {
	return &Link{conn: conn, done: make(chan struct{})}
}

func (l *Link) Send(event string, data any) error {
	frame, err := signaling.Encode(event, data)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return l.conn.WriteMessage(websocket.TextMessage, frame)
}

func (l *Link) ping() error {
	return l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (l *Link) closeWith(code int, reason string) {
	_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}
