// Package api implements the device's HTTP control plane: health, password
// checks, the device list, self registration, and camera streaming.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/camrelay/camrelay/internal/auth"
	"github.com/camrelay/camrelay/internal/capture"
	"github.com/camrelay/camrelay/internal/httpserver"
	"github.com/camrelay/camrelay/internal/metrics"
	"github.com/camrelay/camrelay/internal/ratelimit"
	"github.com/camrelay/camrelay/internal/registry"
)

const maxBodyBytes = 64 * 1024

// Camera is the local capture device. *capture.Streamer satisfies it.
type Camera interface {
	Start(ctx context.Context) error
	Stop()
	Frame(ctx context.Context) ([]byte, error)
	WriteMJPEG(ctx context.Context, w io.Writer, flush func(), fps int) error
}

type Config struct {
	Verifier auth.Verifier
	Registry *registry.Registry
	Camera   Camera
	// Self reports this host's identity. Stream control only accepts its id.
	Self     func() registry.Identity
	MJPEGFPS int

	// AuthLimiter throttles password checks per remote IP. Nil means unlimited.
	AuthLimiter *ratelimit.KeyedLimiter
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

type Handler struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MJPEGFPS <= 0 {
		cfg.MJPEGFPS = 30
	}
	return &Handler{cfg: cfg, log: cfg.Logger}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /api/authenticate", h.handleAuthenticate)
	mux.HandleFunc("POST /api/devices", h.handleDevices)
	mux.HandleFunc("POST /api/register", h.handleRegister)
	mux.HandleFunc("POST /api/stream/start", h.handleStreamStart)
	mux.HandleFunc("POST /api/stream/stop", h.handleStreamStop)
	mux.HandleFunc("GET /api/stream/frame", h.handleFrame)
	mux.HandleFunc("GET /api/stream/mjpeg", h.handleMJPEG)
}

type result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string `json:"status"`
	DeviceName string `json:"device_name"`
	DeviceID   string `json:"device_id"`
	Timestamp  string `json:"timestamp"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	self := h.cfg.Self()
	httpserver.WriteJSON(w, http.StatusOK, healthResponse{
		Status:     registry.StatusOnline,
		DeviceName: self.DeviceName,
		DeviceID:   self.DeviceID,
		Timestamp:  h.cfg.Now().UTC().Format(time.RFC3339Nano),
	})
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkPassword(w, r, req.Password, "Invalid password") {
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, result{Success: true, Message: "Authentication successful"})
}

type deviceJSON struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	LastSeen   time.Time `json:"last_seen"`
	Address    string    `json:"address"`
	Status     string    `json:"status"`
}

type devicesResponse struct {
	Success bool         `json:"success"`
	Devices []deviceJSON `json:"devices"`
}

func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.allowAttempt(w, r) {
		return
	}
	snaps, err := h.cfg.Registry.ListAuthorized(h.cfg.Verifier, req.Password)
	if err != nil {
		h.rejectCredentials(w, r, err, "Unauthorized")
		return
	}
	h.cfg.Metrics.Inc(metrics.AuthSuccess)

	out := make([]deviceJSON, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, deviceJSON{
			DeviceID:   s.DeviceID,
			DeviceName: s.DeviceName,
			LastSeen:   s.LastSeen.UTC(),
			Address:    s.Address,
			Status:     s.Status,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, devicesResponse{Success: true, Devices: out})
}

type registerRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

type registerResponse struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"device_id"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := h.cfg.Registry.Register(strings.TrimSpace(req.DeviceID), strings.TrimSpace(req.DeviceName), remoteIP(r))
	h.cfg.Metrics.Inc(metrics.DeviceRegistered)
	h.log.Info("device registered", "device_id", id, "device_name", req.DeviceName, "remote_ip", remoteIP(r))
	httpserver.WriteJSON(w, http.StatusOK, registerResponse{Success: true, DeviceID: id})
}

type streamRequest struct {
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

type streamStartResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	StreamURL string `json:"stream_url"`
}

func (h *Handler) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkPassword(w, r, req.Password, "Unauthorized") {
		return
	}
	if !h.isSelf(req.DeviceID) {
		httpserver.WriteJSON(w, http.StatusNotFound, result{Success: false, Message: "Device not found"})
		return
	}
	if h.cfg.Camera == nil {
		httpserver.WriteJSON(w, http.StatusInternalServerError, result{Success: false, Message: "Failed to start camera"})
		return
	}
	if err := h.cfg.Camera.Start(r.Context()); err != nil {
		h.log.Error("stream start failed", "device_id", req.DeviceID, "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, result{Success: false, Message: "Failed to start camera"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, streamStartResponse{
		Success:   true,
		Message:   "Camera started",
		StreamURL: h.frameURL(),
	})
}

func (h *Handler) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkPassword(w, r, req.Password, "Unauthorized") {
		return
	}
	if !h.isSelf(req.DeviceID) {
		httpserver.WriteJSON(w, http.StatusNotFound, result{Success: false, Message: "Device not found"})
		return
	}
	if h.cfg.Camera != nil {
		h.cfg.Camera.Stop()
	}
	httpserver.WriteJSON(w, http.StatusOK, result{Success: true, Message: "Camera stopped"})
}

func (h *Handler) handleFrame(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Camera == nil {
		httpserver.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "No frame available"})
		return
	}
	frame, err := h.cfg.Camera.Frame(r.Context())
	if err != nil || len(frame) == 0 {
		httpserver.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "No frame available"})
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}

func (h *Handler) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+capture.MJPEGBoundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if h.cfg.Camera == nil {
		return
	}

	rc := http.NewResponseController(w)
	flush := func() { _ = rc.Flush() }
	flush()
	if err := h.cfg.Camera.WriteMJPEG(r.Context(), w, flush, h.cfg.MJPEGFPS); err != nil {
		h.log.Debug("mjpeg stream ended", "err", err)
	}
}

// frameURL is the single-frame endpoint on this host's current address, which
// changes when a tunnel URL is discovered after startup.
func (h *Handler) frameURL() string {
	return strings.TrimRight(h.cfg.Self().Address, "/") + "/api/stream/frame"
}

func (h *Handler) isSelf(deviceID string) bool {
	return deviceID != "" && deviceID == h.cfg.Self().DeviceID
}

// checkPassword writes the failure response itself and reports whether the
// handler should continue.
func (h *Handler) checkPassword(w http.ResponseWriter, r *http.Request, password, rejectMessage string) bool {
	if !h.allowAttempt(w, r) {
		return false
	}
	if err := h.cfg.Verifier.Verify(password); err != nil {
		h.rejectCredentials(w, r, err, rejectMessage)
		return false
	}
	h.cfg.Metrics.Inc(metrics.AuthSuccess)
	return true
}

// allowAttempt spends one auth attempt for the caller's IP, answering 429
// when none are left.
func (h *Handler) allowAttempt(w http.ResponseWriter, r *http.Request) bool {
	if h.cfg.AuthLimiter.Allow(remoteIP(r)) {
		return true
	}
	h.cfg.Metrics.Inc(metrics.AuthRateLimited)
	httpserver.WriteJSON(w, http.StatusTooManyRequests, result{Success: false, Message: "Too many attempts"})
	return false
}

func (h *Handler) rejectCredentials(w http.ResponseWriter, r *http.Request, err error, rejectMessage string) {
	h.cfg.Metrics.Inc(metrics.AuthFailure)
	h.log.Info("http authentication failed", "path", r.URL.Path, "remote_ip", remoteIP(r), "err", err)
	msg := rejectMessage
	if errors.Is(err, auth.ErrMissingCredentials) {
		msg = "Password required"
	}
	httpserver.WriteJSON(w, http.StatusUnauthorized, result{Success: false, Message: msg})
}

// decode reads a JSON object body. An empty body decodes as {}.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httpserver.WriteJSON(w, http.StatusRequestEntityTooLarge, result{Success: false, Message: "request body too large"})
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, result{Success: false, Message: "invalid JSON body"})
		return false
	}
	return true
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
