package signaling

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camrelay/camrelay/internal/auth"
	"github.com/camrelay/camrelay/internal/metrics"
	"github.com/camrelay/camrelay/internal/ratelimit"
	"github.com/camrelay/camrelay/internal/registry"
)

const testPassword = "hunter2"

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	registry *registry.Registry
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	verifier, err := auth.NewCredentialSet([]string{testPassword})
	if err != nil {
		t.Fatalf("NewCredentialSet: %v", err)
	}
	m := metrics.New()
	reg := registry.New(registry.Config{Self: registry.Identity{DeviceID: "self", DeviceName: "self"}})
	cfg := Config{
		Verifier: verifier,
		Registry: reg,
		Metrics:  m,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testEnv{srv: srv, ts: ts, registry: reg, metrics: m}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	sid  string
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/signal"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	tc := &testClient{t: t, conn: c}
	var connected ConnectedPayload
	tc.expect(EventConnected, &connected)
	if connected.SID == "" {
		t.Fatalf("connected without sid")
	}
	tc.sid = connected.SID
	return tc
}

func (c *testClient) send(event string, data any) {
	c.t.Helper()
	frame, err := Encode(event, data)
	if err != nil {
		c.t.Fatalf("Encode: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
}

func (c *testClient) read(timeout time.Duration) (Envelope, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	return ParseEnvelope(data)
}

func (c *testClient) expect(event string, v any) {
	c.t.Helper()
	env, err := c.read(2 * time.Second)
	if err != nil {
		c.t.Fatalf("read (want %s): %v", event, err)
	}
	if env.Event != event {
		c.t.Fatalf("event=%q data=%s, want %q", env.Event, env.Data, event)
	}
	if v != nil {
		if err := DecodeData(env, v); err != nil {
			c.t.Fatalf("DecodeData: %v", err)
		}
	}
}

func (c *testClient) expectNothing() {
	c.t.Helper()
	env, err := c.read(150 * time.Millisecond)
	if err == nil {
		c.t.Fatalf("unexpected event %q data=%s", env.Event, env.Data)
	}
	// The read deadline poisons the connection; callers must not read again.
}

func (c *testClient) authenticate() {
	c.t.Helper()
	c.send(EventAuthenticate, AuthenticatePayload{Password: testPassword})
	var resp AuthenticatedPayload
	c.expect(EventAuthenticated, &resp)
	if !resp.Success {
		c.t.Fatalf("authenticate failed: %+v", resp)
	}
}

func (c *testClient) join(deviceID string) {
	c.t.Helper()
	c.send(EventJoinDevice, DevicePayload{DeviceID: deviceID})
	var resp DevicePayload
	c.expect(EventJoinedDevice, &resp)
	if resp.DeviceID != deviceID {
		c.t.Fatalf("joined_device=%q, want %q", resp.DeviceID, deviceID)
	}
}

func TestAuthenticate_WrongPassword(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t)

	c.send(EventAuthenticate, AuthenticatePayload{Password: "wrong"})
	var resp AuthenticatedPayload
	c.expect(EventAuthenticated, &resp)
	if resp.Success || resp.Message == "" {
		t.Fatalf("resp=%+v, want failure with message", resp)
	}
	if got := env.metrics.Get(metrics.AuthFailure); got != 1 {
		t.Fatalf("auth_failure=%d, want 1", got)
	}

	// The connection stays usable.
	c.authenticate()
}

func TestUnauthenticatedEventsAreRejectedButConnectionStaysOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t)

	c.send(EventJoinDevice, DevicePayload{DeviceID: "abc"})
	var errResp ErrorPayload
	c.expect(EventError, &errResp)
	if errResp.Event != EventJoinDevice || errResp.Message != "unauthorized" {
		t.Fatalf("error=%+v", errResp)
	}
	if env.srv.Router().Rooms().RoomCount() != 0 {
		t.Fatalf("unauthenticated join created a room")
	}

	c.authenticate()
	c.join("abc")
}

func TestOffer_ReachesRoomMembersOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.dial(t)
	y := env.dial(t)
	x.authenticate()
	y.authenticate()
	x.join("abc")

	y.send(EventOffer, OfferRequest{DeviceID: "abc", Offer: json.RawMessage(`{"sdp":"..."}`)})

	var got OfferMessage
	x.expect(EventOffer, &got)
	if got.From != y.sid {
		t.Fatalf("from=%q, want %q", got.From, y.sid)
	}
	if string(got.Offer) != `{"sdp":"..."}` {
		t.Fatalf("offer=%s", got.Offer)
	}
	y.expectNothing()
}

func TestAnswer_IsUnicast(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.dial(t)
	y := env.dial(t)
	z := env.dial(t)
	for _, c := range []*testClient{x, y, z} {
		c.authenticate()
		c.join("abc")
	}

	y.send(EventAnswer, AnswerRequest{To: x.sid, Answer: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)})

	var got AnswerMessage
	x.expect(EventAnswer, &got)
	if got.From != y.sid {
		t.Fatalf("from=%q, want %q", got.From, y.sid)
	}
	x.expectNothing()
	y.expectNothing()
	z.expectNothing()
}

func TestICECandidate_RoomBroadcastSkipsSender(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t)
	b := env.dial(t)
	z := env.dial(t)
	for _, c := range []*testClient{a, b, z} {
		c.authenticate()
		c.join("abc")
	}

	z.send(EventICECandidate, ICECandidateRequest{DeviceID: "abc", Candidate: json.RawMessage(`{"candidate":"candidate:1"}`)})

	for _, c := range []*testClient{a, b} {
		var got ICECandidateMessage
		c.expect(EventICECandidate, &got)
		if got.From != z.sid {
			t.Fatalf("from=%q, want %q", got.From, z.sid)
		}
	}
	z.expectNothing()
}

func TestICECandidate_ToWinsOverDeviceID(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t)
	b := env.dial(t)
	z := env.dial(t)
	for _, c := range []*testClient{a, b, z} {
		c.authenticate()
		c.join("abc")
	}

	z.send(EventICECandidate, ICECandidateRequest{To: a.sid, DeviceID: "abc", Candidate: json.RawMessage(`{}`)})
	a.expect(EventICECandidate, nil)
	b.expectNothing()
}

func TestICECandidate_UnicastPreservesOrder(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxSignalingMessagesPerSecond = 1000
	})
	x := env.dial(t)
	y := env.dial(t)
	x.authenticate()
	y.authenticate()

	const n = 40
	for i := 0; i < n; i++ {
		y.send(EventICECandidate, ICECandidateRequest{To: x.sid, Candidate: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))})
	}

	for i := 0; i < n; i++ {
		var got ICECandidateMessage
		x.expect(EventICECandidate, &got)
		if got.From != y.sid {
			t.Fatalf("candidate %d from=%q, want %q", i, got.From, y.sid)
		}
		var c struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(got.Candidate, &c); err != nil {
			t.Fatalf("candidate %d: %v", i, err)
		}
		if c.Seq != i {
			t.Fatalf("candidate %d has seq %d, want in-order delivery", i, c.Seq)
		}
	}
	y.expectNothing()
}

func TestDisconnectRemovesMembership(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.dial(t)
	y := env.dial(t)
	x.authenticate()
	y.authenticate()
	x.join("abc")

	xsid := x.sid
	_ = x.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.Router().Rooms().RoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("room still present after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := env.srv.Router().Rooms().Lookup(xsid); ok {
		t.Fatalf("disconnected connection still addressable")
	}

	// Forwarding to the gone connection is silently dropped.
	y.send(EventAnswer, AnswerRequest{To: xsid, Answer: json.RawMessage(`{}`)})
	y.expectNothing()
}

func TestDeviceRegister(t *testing.T) {
	env := newTestEnv(t, nil)
	dev := env.dial(t)
	viewer := env.dial(t)

	dev.send(EventDeviceRegister, DeviceRegisterPayload{
		Password:   "wrong",
		DeviceID:   "cam01",
		DeviceName: "Kitchen",
	})
	var failed DeviceRegisteredPayload
	dev.expect(EventDeviceRegistered, &failed)
	if failed.Success {
		t.Fatalf("device_register succeeded with wrong password")
	}

	dev.send(EventDeviceRegister, DeviceRegisterPayload{
		Password:   testPassword,
		DeviceID:   "cam01",
		DeviceName: "Kitchen",
		PublicIP:   "203.0.113.7",
		Port:       5000,
	})
	var ok DeviceRegisteredPayload
	dev.expect(EventDeviceRegistered, &ok)
	if !ok.Success || ok.DeviceID != "cam01" {
		t.Fatalf("device_registered=%+v", ok)
	}

	d, found := env.registry.Get("cam01")
	if !found {
		t.Fatalf("device not in registry")
	}
	if d.DeviceName != "Kitchen" || d.Address != "http://203.0.113.7:5000" {
		t.Fatalf("device=%+v", d)
	}

	// The device joined its own room, so a viewer's offer reaches it.
	viewer.authenticate()
	viewer.send(EventOffer, OfferRequest{DeviceID: "cam01", Offer: json.RawMessage(`{"sdp":"x"}`)})
	var offer OfferMessage
	dev.expect(EventOffer, &offer)
	if offer.From != viewer.sid {
		t.Fatalf("from=%q, want %q", offer.From, viewer.sid)
	}

	// device_register authenticates the connection, so it can answer.
	dev.send(EventAnswer, AnswerRequest{To: viewer.sid, Answer: json.RawMessage(`{"sdp":"y"}`)})
	var answer AnswerMessage
	viewer.expect(EventAnswer, &answer)
	if answer.From != dev.sid {
		t.Fatalf("from=%q, want %q", answer.From, dev.sid)
	}
}

func TestDeviceRegister_ConnectionURLWins(t *testing.T) {
	env := newTestEnv(t, nil)
	dev := env.dial(t)

	dev.send(EventDeviceRegister, DeviceRegisterPayload{
		Password:      testPassword,
		DeviceID:      "cam02",
		DeviceName:    "Garage",
		PublicIP:      "203.0.113.7",
		Port:          5000,
		ConnectionURL: "https://cam02.ngrok.example",
	})
	dev.expect(EventDeviceRegistered, nil)

	d, _ := env.registry.Get("cam02")
	if d.Address != "https://cam02.ngrok.example" {
		t.Fatalf("address=%q, want connection_url", d.Address)
	}
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expect(EventError, nil)

	c.send("teleport", map[string]string{})
	var resp ErrorPayload
	c.expect(EventError, &resp)
	if resp.Event != "teleport" {
		t.Fatalf("error event=%q, want teleport", resp.Event)
	}

	c.authenticate()
	c.send(EventOffer, map[string]string{"device_id": "abc"})
	c.expect(EventError, &resp)
	if resp.Event != EventOffer {
		t.Fatalf("error event=%q, want offer", resp.Event)
	}

	if got := env.metrics.Get(metrics.SignalingBadMessage); got != 3 {
		t.Fatalf("signaling_bad_message=%d, want 3", got)
	}
}

func TestAuthLimiterPerIP(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.AuthLimiter = ratelimit.NewKeyedLimiter(nil, ratelimit.KeyedConfig{Burst: 1, Rate: 1})
	})
	c := env.dial(t)

	c.send(EventAuthenticate, AuthenticatePayload{Password: "wrong"})
	c.expect(EventAuthenticated, nil)

	c.send(EventAuthenticate, AuthenticatePayload{Password: testPassword})
	var resp AuthenticatedPayload
	c.expect(EventAuthenticated, &resp)
	if resp.Success {
		t.Fatalf("second attempt within the burst should be limited")
	}
	if got := env.metrics.Get(metrics.AuthRateLimited); got != 1 {
		t.Fatalf("auth_rate_limited=%d, want 1", got)
	}
}

func TestMessageRateLimitClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxSignalingMessagesPerSecond = 1
	})
	c := env.dial(t)

	c.send(EventAuthenticate, AuthenticatePayload{Password: testPassword})
	c.send(EventAuthenticate, AuthenticatePayload{Password: testPassword})

	c.expect(EventAuthenticated, nil)
	c.expect(EventError, nil)
	_, err := c.read(2 * time.Second)
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}
}

func TestMessageTooLargeClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxSignalingMessageBytes = 64
	})
	c := env.dial(t)

	c.send(EventAuthenticate, AuthenticatePayload{Password: strings.Repeat("x", 128)})
	_, err := c.read(2 * time.Second)
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("err=%v, want message too big close", err)
	}
}

func TestServerCloseNotifiesClients(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t)

	env.srv.Close()
	_, err := c.read(2 * time.Second)
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("err=%v, want going away close", err)
	}
}
