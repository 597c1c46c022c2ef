// Package tunnel discovers the address other devices and viewers should use
// to reach this host.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	ErrNoTunnel   = errors.New("no tunnel url available")
	ErrNoPublicIP = errors.New("public ip unavailable")
)

const maxResponseBytes = 1 << 20

type Config struct {
	// NgrokAPIURL is the local ngrok agent's tunnels endpoint. Empty skips it.
	NgrokAPIURL string
	// TunnelURLFile holds a fallback URL written by whatever started the
	// tunnel. Empty skips it.
	TunnelURLFile string
	// PublicIPURL returns {"ip": "..."}. Empty skips it.
	PublicIPURL string
	// Port is the advertised HTTP port for address fallbacks.
	Port int

	// Timeout bounds each HTTP request.
	Timeout         time.Duration
	NgrokAttempts   int
	NgrokRetryDelay time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Resolver finds the connection URL for this device. Every lookup is fresh so
// a restarted tunnel is picked up on the next call.
type Resolver struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.NgrokAttempts <= 0 {
		cfg.NgrokAttempts = 3
	}
	if cfg.NgrokRetryDelay <= 0 {
		cfg.NgrokRetryDelay = time.Second
	}
	if cfg.Port <= 0 {
		cfg.Port = 5000
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{cfg: cfg, client: client, log: log}
}

// ConnectionURL tries the ngrok API, then the tunnel file, then the public
// IP, and finally falls back to localhost. It never fails.
func (r *Resolver) ConnectionURL(ctx context.Context) string {
	if u, err := r.TunnelURL(ctx); err == nil {
		return u
	}
	if ip, err := r.PublicIP(ctx); err == nil {
		return r.hostURL(ip)
	}
	return r.hostURL("localhost")
}

func (r *Resolver) hostURL(host string) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(r.cfg.Port))
}

// TunnelURL polls the ngrok API, checking the tunnel file after each failed
// attempt.
func (r *Resolver) TunnelURL(ctx context.Context) (string, error) {
	if r.cfg.NgrokAPIURL == "" && r.cfg.TunnelURLFile == "" {
		return "", ErrNoTunnel
	}

	var found string
	attempt := 0
	op := func() error {
		attempt++
		u, err := r.ngrokURL(ctx)
		if err == nil {
			found = u
			r.log.Info("tunnel url from ngrok", "url", u)
			return nil
		}
		r.log.Debug("ngrok api not ready", "attempt", attempt, "max_attempts", r.cfg.NgrokAttempts, "err", err)
		if u, err := r.fileURL(); err == nil {
			found = u
			r.log.Info("tunnel url from file", "url", u, "path", r.cfg.TunnelURLFile)
			return nil
		}
		return ErrNoTunnel
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.NgrokRetryDelay), uint64(r.cfg.NgrokAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.log.Warn("no tunnel url after retries", "attempts", attempt)
		return "", ErrNoTunnel
	}
	return found, nil
}

type ngrokTunnels struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
	} `json:"tunnels"`
}

// ngrokURL prefers an https tunnel and falls back to the first one listed.
func (r *Resolver) ngrokURL(ctx context.Context) (string, error) {
	if r.cfg.NgrokAPIURL == "" {
		return "", ErrNoTunnel
	}
	var body ngrokTunnels
	if err := r.getJSON(ctx, r.cfg.NgrokAPIURL, &body); err != nil {
		return "", err
	}
	for _, t := range body.Tunnels {
		if strings.HasPrefix(t.PublicURL, "https") {
			return t.PublicURL, nil
		}
	}
	if len(body.Tunnels) > 0 && body.Tunnels[0].PublicURL != "" {
		return body.Tunnels[0].PublicURL, nil
	}
	return "", ErrNoTunnel
}

func (r *Resolver) fileURL() (string, error) {
	if r.cfg.TunnelURLFile == "" {
		return "", ErrNoTunnel
	}
	raw, err := os.ReadFile(r.cfg.TunnelURLFile)
	if err != nil {
		return "", err
	}
	u := strings.TrimSpace(string(raw))
	if u == "" {
		return "", ErrNoTunnel
	}
	return u, nil
}

// PublicIP asks PublicIPURL for this host's public address.
func (r *Resolver) PublicIP(ctx context.Context) (string, error) {
	if r.cfg.PublicIPURL == "" {
		return "", ErrNoPublicIP
	}
	var body struct {
		IP string `json:"ip"`
	}
	if err := r.getJSON(ctx, r.cfg.PublicIPURL, &body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoPublicIP, err)
	}
	ip := net.ParseIP(strings.TrimSpace(body.IP))
	if ip == nil {
		return "", fmt.Errorf("%w: invalid ip %q", ErrNoPublicIP, body.IP)
	}
	return ip.String(), nil
}

func (r *Resolver) getJSON(ctx context.Context, url string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// LocalIP returns the address of the interface used for the default route.
// No packets are sent. It falls back to 127.0.0.1.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
