package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/camrelay/camrelay/internal/auth"
	"github.com/camrelay/camrelay/internal/capture"
	"github.com/camrelay/camrelay/internal/metrics"
	"github.com/camrelay/camrelay/internal/ratelimit"
	"github.com/camrelay/camrelay/internal/registry"
)

const testPassword = "hunter2"

var testJPEG = []byte{0xFF, 0xD8, 0xFF, 0xD9}

type fakeSource struct {
	mu  sync.Mutex
	err error
}

func (f *fakeSource) Capture(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return testJPEG, nil
}

type frozenClock struct{}

func (frozenClock) Now() time.Time { return time.Unix(1_700_000_000, 0) }

type testEnv struct {
	ts       *httptest.Server
	registry *registry.Registry
	camera   *capture.Streamer
	source   *fakeSource
	metrics  *metrics.Metrics
}

var self = registry.Identity{DeviceID: "abc123def456", DeviceName: "Desk Cam", Address: "http://10.0.0.5:5000"}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	verifier, err := auth.NewCredentialSet([]string{testPassword})
	if err != nil {
		t.Fatalf("NewCredentialSet: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	reg := registry.New(registry.Config{Self: self})
	src := &fakeSource{}
	cam := capture.NewStreamer(src, 100, log, m)
	t.Cleanup(cam.Stop)

	cfg := Config{
		Verifier: verifier,
		Registry: reg,
		Camera:   cam,
		Self:     func() registry.Identity { return self },
		MJPEGFPS: 100,
		Metrics:  m,
		Logger:   log,
		Now:      func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	mux := http.NewServeMux()
	New(cfg).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, registry: reg, camera: cam, source: src, metrics: m}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	resp, err := http.Post(e.ts.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := healthResponse{Status: "online", DeviceName: "Desk Cam", DeviceID: "abc123def456", Timestamp: "2024-05-01T12:00:00Z"}
	if body != want {
		t.Fatalf("body=%+v, want %+v", body, want)
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.post(t, "/api/authenticate", passwordRequest{Password: testPassword})
	if resp.StatusCode != http.StatusOK || body["success"] != true || body["message"] != "Authentication successful" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = env.post(t, "/api/authenticate", passwordRequest{Password: "nope"})
	if resp.StatusCode != http.StatusUnauthorized || body["success"] != false || body["message"] != "Invalid password" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = env.post(t, "/api/authenticate", "")
	if resp.StatusCode != http.StatusUnauthorized || body["message"] != "Password required" {
		t.Fatalf("empty body: status=%d body=%v", resp.StatusCode, body)
	}

	if got := env.metrics.Get(metrics.AuthFailure); got != 2 {
		t.Fatalf("auth failures=%d, want 2", got)
	}
}

func TestAuthenticate_RateLimited(t *testing.T) {
	limiter := ratelimit.NewKeyedLimiter(frozenClock{}, ratelimit.KeyedConfig{Burst: 2, Rate: 1})
	env := newTestEnv(t, func(c *Config) { c.AuthLimiter = limiter })

	for i := 0; i < 2; i++ {
		resp, _ := env.post(t, "/api/authenticate", passwordRequest{Password: "wrong"})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status=%d, want 401", i, resp.StatusCode)
		}
	}
	resp, body := env.post(t, "/api/authenticate", passwordRequest{Password: testPassword})
	if resp.StatusCode != http.StatusTooManyRequests || body["success"] != false {
		t.Fatalf("status=%d body=%v, want 429", resp.StatusCode, body)
	}
}

func TestDevices_WrongPasswordIsUnauthorized(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Register("cam1", "Porch", "http://10.0.0.9:5000")

	resp, body := env.post(t, "/api/devices", passwordRequest{Password: "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", resp.StatusCode)
	}
	if body["success"] != false {
		t.Fatalf("body=%v, want success=false", body)
	}
	if _, ok := body["devices"]; ok {
		t.Fatalf("device list leaked on 401: %v", body)
	}
}

func TestDevices_MissingPasswordIsUnauthorized(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.post(t, "/api/devices", "")
	if resp.StatusCode != http.StatusUnauthorized || body["message"] != "Password required" {
		t.Fatalf("status=%d body=%v, want 401 Password required", resp.StatusCode, body)
	}
	if got := env.metrics.Get(metrics.AuthFailure); got != 1 {
		t.Fatalf("auth failures=%d, want 1", got)
	}
}

func TestDevices_RateLimitedBeforePasswordCheck(t *testing.T) {
	limiter := ratelimit.NewKeyedLimiter(frozenClock{}, ratelimit.KeyedConfig{Burst: 1, Rate: 1})
	env := newTestEnv(t, func(c *Config) { c.AuthLimiter = limiter })

	resp, _ := env.post(t, "/api/devices", passwordRequest{Password: testPassword})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status=%d, want 200", resp.StatusCode)
	}
	resp, body := env.post(t, "/api/devices", passwordRequest{Password: testPassword})
	if resp.StatusCode != http.StatusTooManyRequests || body["message"] != "Too many attempts" {
		t.Fatalf("status=%d body=%v, want 429", resp.StatusCode, body)
	}
	if _, ok := body["devices"]; ok {
		t.Fatalf("device list leaked on 429: %v", body)
	}
	if got := env.metrics.Get(metrics.AuthSuccess); got != 1 {
		t.Fatalf("auth successes=%d, want 1", got)
	}
	if got := env.metrics.Get(metrics.AuthRateLimited); got != 1 {
		t.Fatalf("rate limited=%d, want 1", got)
	}
}

func TestDevices_ListsRegistry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Heartbeat(self)
	env.registry.Register("cam1", "Porch", "https://porch.example")

	resp, err := http.Post(env.ts.URL+"/api/devices", "application/json", strings.NewReader(`{"password":"hunter2"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	var body devicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || len(body.Devices) != 2 {
		t.Fatalf("body=%+v", body)
	}
	if body.Devices[0].DeviceID != "abc123def456" || body.Devices[1].DeviceID != "cam1" {
		t.Fatalf("devices=%+v, want ordered by id", body.Devices)
	}
	porch := body.Devices[1]
	if porch.DeviceName != "Porch" || porch.Address != "https://porch.example" || porch.Status != "online" || porch.LastSeen.IsZero() {
		t.Fatalf("porch=%+v", porch)
	}
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.post(t, "/api/register", registerRequest{DeviceID: "cam9", DeviceName: "Garage"})
	if resp.StatusCode != http.StatusOK || body["success"] != true || body["device_id"] != "cam9" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
	snap, ok := env.registry.Get("cam9")
	if !ok || snap.DeviceName != "Garage" || snap.Address != "127.0.0.1" {
		t.Fatalf("snapshot=%+v ok=%v", snap, ok)
	}

	// Missing fields fall back to this host's identity.
	_, body = env.post(t, "/api/register", map[string]any{})
	if body["device_id"] != self.DeviceID {
		t.Fatalf("body=%v, want self id", body)
	}

	resp, body = env.post(t, "/api/register", "{not json")
	if resp.StatusCode != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("bad json: status=%d body=%v", resp.StatusCode, body)
	}
}

func TestStreamStartStopAndFrame(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/api/stream/frame")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var missing map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&missing)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || missing["error"] != "No frame available" {
		t.Fatalf("frame before start: status=%d body=%v", resp.StatusCode, missing)
	}

	r, body := env.post(t, "/api/stream/start", streamRequest{Password: testPassword, DeviceID: self.DeviceID})
	if r.StatusCode != http.StatusOK || body["success"] != true || body["stream_url"] != "http://10.0.0.5:5000/api/stream/frame" {
		t.Fatalf("start: status=%d body=%v", r.StatusCode, body)
	}
	if !env.camera.Active() {
		t.Fatalf("camera not active after start")
	}

	resp, err = http.Get(env.ts.URL + "/api/stream/frame")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	frame, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" || !bytes.Equal(frame, testJPEG) {
		t.Fatalf("frame: status=%d type=%q body=%x", resp.StatusCode, resp.Header.Get("Content-Type"), frame)
	}

	r, body = env.post(t, "/api/stream/stop", streamRequest{Password: testPassword, DeviceID: self.DeviceID})
	if r.StatusCode != http.StatusOK || body["message"] != "Camera stopped" {
		t.Fatalf("stop: status=%d body=%v", r.StatusCode, body)
	}
	if env.camera.Active() {
		t.Fatalf("camera still active after stop")
	}
}

func TestStreamStart_URLFollowsCurrentAddress(t *testing.T) {
	var addr atomic.Value
	addr.Store("http://10.0.0.5:5000")
	env := newTestEnv(t, func(c *Config) {
		c.Self = func() registry.Identity {
			id := self
			id.Address = addr.Load().(string)
			return id
		}
	})

	_, body := env.post(t, "/api/stream/start", streamRequest{Password: testPassword, DeviceID: self.DeviceID})
	if body["stream_url"] != "http://10.0.0.5:5000/api/stream/frame" {
		t.Fatalf("stream_url=%v", body["stream_url"])
	}

	// A tunnel URL discovered after startup replaces the LAN address.
	addr.Store("https://cam.ngrok.example/")
	_, body = env.post(t, "/api/stream/start", streamRequest{Password: testPassword, DeviceID: self.DeviceID})
	if body["stream_url"] != "https://cam.ngrok.example/api/stream/frame" {
		t.Fatalf("stream_url=%v, want tunnel address", body["stream_url"])
	}
}

func TestStreamControl_Failures(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/api/stream/start", "/api/stream/stop"} {
		r, body := env.post(t, path, streamRequest{Password: "wrong", DeviceID: self.DeviceID})
		if r.StatusCode != http.StatusUnauthorized || body["success"] != false {
			t.Fatalf("%s wrong password: status=%d body=%v", path, r.StatusCode, body)
		}
		r, body = env.post(t, path, streamRequest{Password: testPassword, DeviceID: "someone-else"})
		if r.StatusCode != http.StatusNotFound || body["message"] != "Device not found" {
			t.Fatalf("%s unknown device: status=%d body=%v", path, r.StatusCode, body)
		}
	}

	env.source.mu.Lock()
	env.source.err = capture.ErrDeviceUnavailable
	env.source.mu.Unlock()
	r, body := env.post(t, "/api/stream/start", streamRequest{Password: testPassword, DeviceID: self.DeviceID})
	if r.StatusCode != http.StatusInternalServerError || body["message"] != "Failed to start camera" {
		t.Fatalf("camera failure: status=%d body=%v", r.StatusCode, body)
	}
}

func TestMJPEG(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.camera.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/stream/mjpeg", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Fatalf("Content-Type=%q", resp.Header.Get("Content-Type"))
	}

	buf := make([]byte, 0, 256)
	chunk := make([]byte, 64)
	for !bytes.Contains(buf, []byte("--frame\r\n")) || !bytes.Contains(buf, testJPEG) {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			t.Fatalf("read: %v", err)
		}
	}
	if !bytes.Contains(buf, []byte("Content-Type: image/jpeg")) || !bytes.Contains(buf, testJPEG) {
		t.Fatalf("stream=%q", buf)
	}
}
