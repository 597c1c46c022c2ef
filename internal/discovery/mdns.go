// Package discovery advertises this device on the LAN over mDNS and feeds
// devices found there into the registry.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/camrelay/camrelay/internal/metrics"
)

const (
	DefaultService      = "_camrelay._tcp"
	DefaultDomain       = "local."
	DefaultVersion      = 1
	DefaultScanInterval = 30 * time.Second
	DefaultScanTimeout  = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// newBrowserFunc returns a browse function that is used for one scan only.
// A zeroconf resolver closes its sockets when its browse context ends.
type newBrowserFunc func() (browseFunc, error)

// Sink receives devices seen on the LAN. *registry.Registry satisfies it.
type Sink interface {
	Register(deviceID, deviceName, address string) string
}

type Config struct {
	Service      string
	Domain       string
	ScanInterval time.Duration
	ScanTimeout  time.Duration

	DeviceID   string
	DeviceName string
	Port       int

	Sink    Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	registerFn registerFunc
	newBrowser newBrowserFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.newBrowser == nil {
		out.newBrowser = newZeroconfBrowser
	}
	return out
}

// Broadcaster advertises this device via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errors.New("device id is required")
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		return nil, errors.New("device name is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("port must be > 0")
	}

	txt := []string{
		"device_id=" + cfg.DeviceID,
		"version=" + strconv.Itoa(DefaultVersion),
	}
	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	cfg.Logger.Info("mdns advertising", "service", cfg.Service, "device_id", cfg.DeviceID, "port", cfg.Port)
	return &Broadcaster{server: server}, nil
}

func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

func newZeroconfBrowser() (browseFunc, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}
