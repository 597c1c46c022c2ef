package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/camrelay/camrelay/internal/api"
	"github.com/camrelay/camrelay/internal/auth"
	"github.com/camrelay/camrelay/internal/capture"
	"github.com/camrelay/camrelay/internal/config"
	"github.com/camrelay/camrelay/internal/discovery"
	"github.com/camrelay/camrelay/internal/httpserver"
	"github.com/camrelay/camrelay/internal/liveness"
	"github.com/camrelay/camrelay/internal/metrics"
	"github.com/camrelay/camrelay/internal/ratelimit"
	"github.com/camrelay/camrelay/internal/registry"
	"github.com/camrelay/camrelay/internal/signaling"
	"github.com/camrelay/camrelay/internal/tunnel"
)

// app is one device process: control plane, signaling relay, liveness loops
// and the local camera.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics

	identity registry.Identity
	localIP  string
	// address is the advertised connection URL. The relay registration
	// refreshes it from tunnel discovery.
	address atomic.Value

	registry *registry.Registry
	resolver *tunnel.Resolver
	camera   *capture.Streamer
	srv      *httpserver.Server
	sig      *signaling.Server
	super    *liveness.Supervisor
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	m := metrics.New()

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		identity: registry.HostIdentity(cfg.DeviceID, cfg.DeviceName),
		localIP:  tunnel.LocalIP(),
	}
	port := cfg.AdvertisedPort()
	if cfg.PublicBaseURL != "" {
		a.address.Store(cfg.PublicBaseURL)
	} else {
		a.address.Store("http://" + net.JoinHostPort(a.localIP, strconv.Itoa(port)))
	}

	a.registry = registry.New(registry.Config{
		Self:       a.identity,
		StaleAfter: cfg.DeviceStaleAfter,
	})
	a.resolver = tunnel.NewResolver(tunnel.Config{
		NgrokAPIURL:   cfg.NgrokAPIURL,
		TunnelURLFile: cfg.TunnelURLFile,
		PublicIPURL:   cfg.PublicIPURL,
		Port:          port,
		Timeout:       cfg.DiscoveryTimeout,
		Logger:        logger,
	})

	var src capture.Source
	if cfg.CaptureCommand != "" {
		src = capture.CommandSource{Command: cfg.CaptureCommand, Timeout: cfg.CaptureTimeout}
	}
	a.camera = capture.NewStreamer(src, cfg.MJPEGFPS, logger, m)

	authLimiter := ratelimit.NewKeyedLimiter(nil, ratelimit.KeyedConfig{
		Burst: int64(cfg.AuthAttemptsPerSecond),
		Rate:  int64(cfg.AuthAttemptsPerSecond),
	})

	a.srv, err = httpserver.New(cfg, logger, build)
	if err != nil {
		return nil, err
	}
	a.srv.SetMetrics(m)

	a.sig = signaling.NewServer(signaling.Config{
		Verifier:                      verifier,
		Registry:                      a.registry,
		Metrics:                       m,
		Logger:                        logger,
		AuthLimiter:                   authLimiter,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		SendQueue:                     cfg.SignalingSendQueue,
	})
	a.sig.RegisterRoutes(a.srv.Mux())

	api.New(api.Config{
		Verifier:    verifier,
		Registry:    a.registry,
		Camera:      a.camera,
		Self:        a.self,
		MJPEGFPS:    cfg.MJPEGFPS,
		AuthLimiter: authLimiter,
		Metrics:     m,
		Logger:      logger,
	}).RegisterRoutes(a.srv.Mux())

	if cfg.RelayEnabled() {
		a.super, err = liveness.NewSupervisor(liveness.SupervisorConfig{
			ServerURL:         cfg.SignalingServer,
			SignalPath:        cfg.RelaySignalPath,
			Registration:      a.registration,
			Handler:           liveness.LogHandler{Logger: logger},
			KeepaliveInterval: cfg.KeepaliveInterval,
			MinBackoff:        cfg.ReconnectMinBackoff,
			MaxBackoff:        cfg.ReconnectMaxBackoff,
			Metrics:           m,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *app) self() registry.Identity {
	id := a.identity
	id.Address, _ = a.address.Load().(string)
	return id
}

// registration builds device_register for each relay connect so a restarted
// tunnel is announced.
func (a *app) registration(ctx context.Context) (signaling.DeviceRegisterPayload, error) {
	connURL := a.cfg.PublicBaseURL
	if connURL == "" {
		connURL = a.resolver.ConnectionURL(ctx)
		a.address.Store(connURL)
	}
	publicIP, err := a.resolver.PublicIP(ctx)
	if err != nil {
		a.log.Debug("public ip lookup failed", "err", err)
		publicIP = a.localIP
	}
	return signaling.DeviceRegisterPayload{
		Password:      a.cfg.RelayPassword,
		DeviceID:      a.identity.DeviceID,
		DeviceName:    a.identity.DeviceName,
		PublicIP:      publicIP,
		Port:          a.cfg.AdvertisedPort(),
		ConnectionURL: connURL,
	}, nil
}

// run serves on ln until ctx is done or the server fails, then shuts down in
// order: HTTP, signaling connections, background loops, mDNS, camera.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	a.registry.Heartbeat(a.self())

	a.log.Info("starting camrelay",
		"device_name", a.identity.DeviceName,
		"device_id", a.identity.DeviceID,
		"local_ip", a.localIP,
		"listen_addr", a.cfg.ListenAddr,
		"address", a.self().Address,
		"mode", a.cfg.Mode,
	)
	if a.super == nil {
		a.log.Info("no signaling server configured, running in local mode only")
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	var wg sync.WaitGroup
	goBg := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(bgCtx)
		}()
	}

	goBg((&liveness.Heartbeater{
		Registry: a.registry,
		Self:     a.self,
		Interval: a.cfg.HeartbeatInterval,
		Metrics:  a.metrics,
		Logger:   a.log,
	}).Run)
	if a.super != nil {
		goBg(a.super.Run)
	}
	goBg(a.logPublicIP)
	broadcaster := a.startMDNS(goBg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.Serve(ln)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
		errCh = nil
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http server shutdown failed", "err", err)
	}
	a.sig.Close()

	cancelBg()
	wg.Wait()
	broadcaster.Stop()
	a.camera.Stop()

	if errCh != nil {
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	a.log.Info("camrelay stopped")
	return serveErr
}

func (a *app) shutdownTimeout() time.Duration {
	if a.cfg.ShutdownTimeout > 0 {
		return a.cfg.ShutdownTimeout
	}
	return config.DefaultShutdown
}

func (a *app) logPublicIP(ctx context.Context) {
	ip, err := a.resolver.PublicIP(ctx)
	if err != nil {
		a.log.Debug("public ip unavailable", "err", err)
		return
	}
	a.log.Info("public ip discovered", "public_ip", ip)
}

// startMDNS advertises this device and scans the LAN when enabled. Failures
// are logged; LAN discovery is optional. The returned broadcaster may be nil.
func (a *app) startMDNS(goBg func(func(context.Context))) *discovery.Broadcaster {
	if !a.cfg.MDNSEnabled {
		return nil
	}
	dcfg := discovery.Config{
		DeviceID:     a.identity.DeviceID,
		DeviceName:   a.identity.DeviceName,
		Port:         a.cfg.AdvertisedPort(),
		ScanInterval: a.cfg.MDNSScanInterval,
		Sink:         a.registry,
		Metrics:      a.metrics,
		Logger:       a.log,
	}
	b, err := discovery.StartBroadcaster(dcfg)
	if err != nil {
		a.log.Warn("mdns advertise failed", "err", err)
	}
	scanner, err := discovery.NewScanner(dcfg)
	if err != nil {
		a.log.Warn("mdns scanner unavailable", "err", err)
		return b
	}
	goBg(scanner.Run)
	return b
}
