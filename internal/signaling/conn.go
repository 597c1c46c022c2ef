package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camrelay/camrelay/internal/auth"
	"github.com/camrelay/camrelay/internal/metrics"
	"github.com/camrelay/camrelay/internal/ratelimit"
)

const msgUnauthorized = "unauthorized"

// outbound is one queued write. A non-zero closeCode ends the writer after
// the close frame is sent.
type outbound struct {
	frame       []byte
	closeCode   int
	closeReason string
}

// conn is one inbound signaling connection. The reader goroutine (run) owns
// authentication state; the writer goroutine owns data frames.
type conn struct {
	srv      *Server
	ws       *websocket.Conn
	id       string
	remoteIP string
	log      *slog.Logger

	limiter *ratelimit.TokenBucket

	send       chan outbound
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	authenticated bool
}

func newConn(srv *Server, ws *websocket.Conn, id, remoteIP string) *conn {
	rate := int64(srv.maxSignalingMessagesPerSecond())
	return &conn{
		srv:        srv,
		ws:         ws,
		id:         id,
		remoteIP:   remoteIP,
		log:        srv.log.With("sid", id, "remote_ip", remoteIP),
		limiter:    ratelimit.NewTokenBucket(ratelimit.RealClock{}, rate, rate),
		send:       make(chan outbound, srv.sendQueue()),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Deliver(frame []byte) bool {
	return c.enqueue(outbound{frame: frame})
}

func (c *conn) enqueue(o outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- o:
		return true
	default:
		return false
	}
}

func (c *conn) reply(event string, data any) {
	frame, err := Encode(event, data)
	if err != nil {
		c.log.Warn("signal encode failed", "event", event, "err", err)
		return
	}
	if !c.enqueue(outbound{frame: frame}) {
		c.srv.cfg.Metrics.Inc(metrics.DeliveryDropped)
	}
}

func (c *conn) replyError(event, message string) {
	c.reply(EventError, ErrorPayload{Event: event, Message: message})
}

func (c *conn) run() {
	router := c.srv.router
	router.Attach(c)
	defer router.Disconnect(c.id)

	go c.writeLoop()

	idle := c.srv.idleTimeout()
	c.ws.SetReadLimit(c.srv.maxSignalingMessageBytes())
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	c.log.Debug("signaling connected")
	c.reply(EventConnected, ConnectedPayload{SID: c.id})

	failed := false
	defer func() {
		if failed {
			// Let the writer flush the error and close frames.
			select {
			case <-c.writerDone:
			case <-time.After(2 * wsWriteWait):
			}
		}
		c.Close()
		c.log.Debug("signaling disconnected")
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			// ErrReadLimit has already sent CloseMessageTooBig.
			if isTimeout(err) {
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		// Apply the rate limit *after* reading so the close frame is not lost to
		// an abortive close caused by unread data.
		if !c.limiter.Allow(1) {
			c.srv.cfg.Metrics.Inc(metrics.SignalingRateLimited)
			failed = c.fail("", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			failed = c.fail("", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.srv.cfg.Metrics.Inc(metrics.SignalingBadMessage)
			c.replyError("", "invalid message: "+err.Error())
			continue
		}
		c.handle(env)
	}
}

func (c *conn) handle(env Envelope) {
	switch env.Event {
	case EventAuthenticate:
		c.handleAuthenticate(env)
	case EventDeviceRegister:
		c.handleDeviceRegister(env)
	case EventJoinDevice, EventLeaveDevice, EventOffer, EventAnswer, EventICECandidate:
		if !c.authenticated {
			c.srv.cfg.Metrics.Inc(metrics.SignalingUnauthorized)
			c.replyError(env.Event, msgUnauthorized)
			return
		}
		if err := c.handleAuthed(env); err != nil {
			c.srv.cfg.Metrics.Inc(metrics.SignalingBadMessage)
			c.replyError(env.Event, err.Error())
		}
	default:
		c.srv.cfg.Metrics.Inc(metrics.SignalingBadMessage)
		c.replyError(env.Event, fmt.Sprintf("unsupported event %q", env.Event))
	}
}

func (c *conn) handleAuthed(env Envelope) error {
	router := c.srv.router
	switch env.Event {
	case EventJoinDevice:
		var req DevicePayload
		if err := decodeValid(env, &req); err != nil {
			return err
		}
		router.Join(c, req.DeviceID)
		c.reply(EventJoinedDevice, req)
	case EventLeaveDevice:
		var req DevicePayload
		if err := decodeValid(env, &req); err != nil {
			return err
		}
		router.Leave(c.id, req.DeviceID)
		c.reply(EventLeftDevice, req)
	case EventOffer:
		var req OfferRequest
		if err := decodeValid(env, &req); err != nil {
			return err
		}
		router.ForwardOffer(c.id, req.DeviceID, req.Offer)
	case EventAnswer:
		var req AnswerRequest
		if err := decodeValid(env, &req); err != nil {
			return err
		}
		router.ForwardAnswer(c.id, req.To, req.Answer)
	case EventICECandidate:
		var req ICECandidateRequest
		if err := decodeValid(env, &req); err != nil {
			return err
		}
		router.ForwardICECandidate(c.id, req.Target(), req.Candidate)
	}
	return nil
}

type validator interface {
	validate() error
}

func decodeValid(env Envelope, v validator) error {
	if err := DecodeData(env, v); err != nil {
		return err
	}
	return v.validate()
}

func (c *conn) handleAuthenticate(env Envelope) {
	var req AuthenticatePayload
	if err := DecodeData(env, &req); err != nil {
		c.srv.cfg.Metrics.Inc(metrics.SignalingBadMessage)
		c.reply(EventAuthenticated, AuthenticatedPayload{Success: false, Message: err.Error()})
		return
	}
	if msg, ok := c.checkPassword(req.Password); !ok {
		c.reply(EventAuthenticated, AuthenticatedPayload{Success: false, Message: msg})
		return
	}
	c.authenticated = true
	c.log.Info("signaling authenticated")
	c.reply(EventAuthenticated, AuthenticatedPayload{Success: true, Message: "Authentication successful"})
}

func (c *conn) handleDeviceRegister(env Envelope) {
	var req DeviceRegisterPayload
	if err := decodeValid(env, &req); err != nil {
		c.srv.cfg.Metrics.Inc(metrics.SignalingBadMessage)
		c.reply(EventDeviceRegistered, DeviceRegisteredPayload{Success: false, Message: err.Error()})
		return
	}
	if c.srv.cfg.Registry == nil {
		c.reply(EventDeviceRegistered, DeviceRegisteredPayload{Success: false, Message: "registration disabled"})
		return
	}
	if msg, ok := c.checkPassword(req.Password); !ok {
		c.reply(EventDeviceRegistered, DeviceRegisteredPayload{Success: false, Message: msg})
		return
	}

	address := req.ConnectionURL
	if address == "" && req.PublicIP != "" && req.Port > 0 {
		address = "http://" + net.JoinHostPort(req.PublicIP, strconv.Itoa(req.Port))
	}
	id := c.srv.cfg.Registry.Register(req.DeviceID, req.DeviceName, address)

	c.authenticated = true
	c.srv.router.Join(c, id)
	c.srv.cfg.Metrics.Inc(metrics.DeviceRegistered)
	c.log.Info("device registered", "device_id", id, "device_name", req.DeviceName, "address", address)
	c.reply(EventDeviceRegistered, DeviceRegisteredPayload{Success: true, DeviceID: id})
}

// checkPassword returns a client-facing message when password is rejected.
func (c *conn) checkPassword(password string) (string, bool) {
	if !c.srv.cfg.AuthLimiter.Allow(c.remoteIP) {
		c.srv.cfg.Metrics.Inc(metrics.AuthRateLimited)
		return "Too many attempts", false
	}
	if err := c.srv.cfg.Verifier.Verify(password); err != nil {
		c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
		c.log.Info("signaling authentication failed", "err", err)
		if errors.Is(err, auth.ErrMissingCredentials) {
			return "Password required", false
		}
		return "Invalid password", false
	}
	c.srv.cfg.Metrics.Inc(metrics.AuthSuccess)
	return "", true
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)

	ticker := time.NewTicker(c.srv.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case o := <-c.send:
			if o.closeCode != 0 {
				c.closeWith(o.closeCode, o.closeReason)
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, o.frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

// fail queues an error event and a close frame behind any pending writes. It
// reports whether the writer will flush them; otherwise the close is sent
// directly.
func (c *conn) fail(event, message string, closeCode int, closeReason string) bool {
	frame, err := Encode(EventError, ErrorPayload{Event: event, Message: message})
	if err == nil && c.enqueue(outbound{frame: frame}) &&
		c.enqueue(outbound{closeCode: closeCode, closeReason: closeReason}) {
		return true
	}
	c.closeWith(closeCode, closeReason)
	return false
}

func (c *conn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
