package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/camrelay/camrelay/internal/origin"
)

const (
	envVarListenAddr      = "CAMRELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "CAMRELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "CAMRELAY_LOG_FORMAT"
	envVarLogLevel        = "CAMRELAY_LOG_LEVEL"
	envVarShutdownTimeout = "CAMRELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "CAMRELAY_MODE"

	// Credentials and device identity.
	envVarSecrets       = "CAMRELAY_SECRETS"
	envVarRelayPassword = "RELAY_PASSWORD"
	envVarDeviceID      = "DEVICE_ID"
	envVarDeviceName    = "DEVICE_NAME"
	envVarAuthRateLimit = "AUTH_ATTEMPTS_PER_SECOND"

	// Upstream relay link and liveness.
	envVarSignalingServer     = "SIGNALING_SERVER"
	envVarRelaySignalPath     = "RELAY_SIGNAL_PATH"
	envVarHeartbeatInterval   = "HEARTBEAT_INTERVAL"
	envVarKeepaliveInterval   = "RELAY_KEEPALIVE_INTERVAL"
	envVarReconnectMinBackoff = "RELAY_RECONNECT_MIN_BACKOFF"
	envVarReconnectMaxBackoff = "RELAY_RECONNECT_MAX_BACKOFF"
	envVarDeviceStaleAfter    = "DEVICE_STALE_AFTER"

	// Camera and address discovery collaborators.
	envVarCaptureCommand   = "CAPTURE_COMMAND"
	envVarCaptureTimeout   = "CAPTURE_TIMEOUT"
	envVarMJPEGFPS         = "MJPEG_FPS"
	envVarNgrokAPIURL      = "NGROK_API_URL"
	envVarTunnelURLFile    = "TUNNEL_URL_FILE"
	envVarPublicIPURL      = "PUBLIC_IP_URL"
	envVarDiscoveryTimeout = "ADDRESS_DISCOVERY_TIMEOUT"

	// LAN discovery.
	envVarMDNSEnabled      = "MDNS_ENABLED"
	envVarMDNSScanInterval = "MDNS_SCAN_INTERVAL"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueue            = "SIGNALING_SEND_QUEUE"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr                 = "0.0.0.0:5000"
	DefaultShutdown                   = 15 * time.Second
	DefaultMode                  Mode = ModeDev
	DefaultAllowedOrigins             = origin.Wildcard
	DefaultAuthAttemptsPerSecond      = 5

	DefaultRelaySignalPath     = "/signal"
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultKeepaliveInterval   = 30 * time.Second
	DefaultReconnectMinBackoff = 1 * time.Second
	DefaultReconnectMaxBackoff = 30 * time.Second
	// DefaultDeviceStaleAfter is three missed heartbeats.
	DefaultDeviceStaleAfter = 3 * DefaultHeartbeatInterval

	DefaultCaptureTimeout   = 5 * time.Second
	DefaultMJPEGFPS         = 30
	DefaultNgrokAPIURL      = "http://localhost:4040/api/tunnels"
	DefaultTunnelURLFile    = "ngrok_url.txt"
	DefaultPublicIPURL      = "https://api.ipify.org?format=json"
	DefaultDiscoveryTimeout = 5 * time.Second

	DefaultMDNSScanInterval = 30 * time.Second

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueue            = 64

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "camrelay"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr string
	// PublicBaseURL, when set, is advertised as this device's connection URL
	// and skips tunnel discovery.
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Secrets is the accepted credential set. Each entry is a plaintext
	// secret, "sha256:<hex>", or a bcrypt hash.
	Secrets []string
	// RelayPassword is presented to the upstream relay in device_register.
	RelayPassword string
	// DeviceID and DeviceName override the hostname-derived identity.
	DeviceID   string
	DeviceName string
	// AuthAttemptsPerSecond limits authentication attempts per remote IP.
	// 0 disables the limit.
	AuthAttemptsPerSecond int

	// SignalingServer is the upstream relay base URL. Empty means local mode.
	SignalingServer     string
	RelaySignalPath     string
	HeartbeatInterval   time.Duration
	KeepaliveInterval   time.Duration
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	// DeviceStaleAfter marks registry entries offline once their last_seen is
	// older than this. 0 reports every entry online.
	DeviceStaleAfter time.Duration

	CaptureCommand   string
	CaptureTimeout   time.Duration
	MJPEGFPS         int
	NgrokAPIURL      string
	TunnelURLFile    string
	PublicIPURL      string
	DiscoveryTimeout time.Duration

	MDNSEnabled      bool
	MDNSScanInterval time.Duration

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueue            int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE configuration. It is surfaced via
// readiness instead of failing startup.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// AdvertisedPort is the port other devices should use to reach this one.
func (c Config) AdvertisedPort() int {
	_, port, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

// RelayEnabled reports whether an upstream relay link is configured.
func (c Config) RelayEnabled() bool {
	return strings.TrimSpace(c.SignalingServer) != ""
}

// Load reads an optional .env file, the process environment, and args.
// Variables already present in the environment win over .env entries.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, DefaultAllowedOrigins)
	ice := iceSettings{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}

	secretsStr := envOrDefault(lookup, envVarSecrets, "")
	relayPassword := envOrDefault(lookup, envVarRelayPassword, "")
	deviceID := envOrDefault(lookup, envVarDeviceID, "")
	deviceName := envOrDefault(lookup, envVarDeviceName, "")
	authAttemptsPerSecond, err := envIntOrDefault(lookup, envVarAuthRateLimit, DefaultAuthAttemptsPerSecond)
	if err != nil {
		return Config{}, err
	}

	signalingServer := envOrDefault(lookup, envVarSignalingServer, "")
	relaySignalPath := envOrDefault(lookup, envVarRelaySignalPath, DefaultRelaySignalPath)
	heartbeatInterval, err := envDurationOrDefault(lookup, envVarHeartbeatInterval, DefaultHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	keepaliveInterval, err := envDurationOrDefault(lookup, envVarKeepaliveInterval, DefaultKeepaliveInterval)
	if err != nil {
		return Config{}, err
	}
	reconnectMinBackoff, err := envDurationOrDefault(lookup, envVarReconnectMinBackoff, DefaultReconnectMinBackoff)
	if err != nil {
		return Config{}, err
	}
	reconnectMaxBackoff, err := envDurationOrDefault(lookup, envVarReconnectMaxBackoff, DefaultReconnectMaxBackoff)
	if err != nil {
		return Config{}, err
	}
	envStale, envStaleOK := lookup(envVarDeviceStaleAfter)
	envStaleSet := envStaleOK && strings.TrimSpace(envStale) != ""
	deviceStaleAfter, err := envDurationOrDefault(lookup, envVarDeviceStaleAfter, DefaultDeviceStaleAfter)
	if err != nil {
		return Config{}, err
	}

	captureCommand := envOrDefault(lookup, envVarCaptureCommand, "")
	captureTimeout, err := envDurationOrDefault(lookup, envVarCaptureTimeout, DefaultCaptureTimeout)
	if err != nil {
		return Config{}, err
	}
	mjpegFPS, err := envIntOrDefault(lookup, envVarMJPEGFPS, DefaultMJPEGFPS)
	if err != nil {
		return Config{}, err
	}
	ngrokAPIURL := envOrDefault(lookup, envVarNgrokAPIURL, DefaultNgrokAPIURL)
	tunnelURLFile := envOrDefault(lookup, envVarTunnelURLFile, DefaultTunnelURLFile)
	publicIPURL := envOrDefault(lookup, envVarPublicIPURL, DefaultPublicIPURL)
	discoveryTimeout, err := envDurationOrDefault(lookup, envVarDiscoveryTimeout, DefaultDiscoveryTimeout)
	if err != nil {
		return Config{}, err
	}

	mdnsEnabled := false
	if raw, ok := lookup(envVarMDNSEnabled); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMDNSEnabled, raw, err)
		}
		mdnsEnabled = v
	}
	mdnsScanInterval, err := envDurationOrDefault(lookup, envVarMDNSScanInterval, DefaultMDNSScanInterval)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalingSendQueue, err := envIntOrDefault(lookup, envVarSignalingSendQueue, DefaultSignalingSendQueue)
	if err != nil {
		return Config{}, err
	}

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	fs := pflag.NewFlagSet("camrelay", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "URL advertised to the relay instead of tunnel discovery (env "+envVarPublicBaseURL+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins, or * (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&secretsStr, "secrets", secretsStr, "Comma-separated accepted secrets: plaintext, sha256:<hex>, or bcrypt hash (env "+envVarSecrets+")")
	fs.StringVar(&relayPassword, "relay-password", relayPassword, "Password presented to the upstream relay (default: first plaintext secret; env "+envVarRelayPassword+")")
	fs.StringVar(&deviceID, "device-id", deviceID, "Device id (default: derived from hostname; env "+envVarDeviceID+")")
	fs.StringVar(&deviceName, "device-name", deviceName, "Device name (default: hostname; env "+envVarDeviceName+")")
	fs.IntVar(&authAttemptsPerSecond, "auth-attempts-per-second", authAttemptsPerSecond, "Authentication attempts per second per remote IP (0 = unlimited; env "+envVarAuthRateLimit+")")

	fs.StringVar(&signalingServer, "signaling-server", signalingServer, "Upstream relay URL; empty runs in local mode only (env "+envVarSignalingServer+")")
	fs.StringVar(&relaySignalPath, "relay-signal-path", relaySignalPath, "WebSocket path on the upstream relay (env "+envVarRelaySignalPath+")")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "Self-registration heartbeat interval (env "+envVarHeartbeatInterval+")")
	fs.DurationVar(&keepaliveInterval, "relay-keepalive-interval", keepaliveInterval, "Upstream relay keep-alive interval (env "+envVarKeepaliveInterval+")")
	fs.DurationVar(&reconnectMinBackoff, "relay-reconnect-min-backoff", reconnectMinBackoff, "Initial upstream reconnect delay (env "+envVarReconnectMinBackoff+")")
	fs.DurationVar(&reconnectMaxBackoff, "relay-reconnect-max-backoff", reconnectMaxBackoff, "Maximum upstream reconnect delay (env "+envVarReconnectMaxBackoff+")")
	fs.DurationVar(&deviceStaleAfter, "device-stale-after", deviceStaleAfter, "Report devices offline after this long without a heartbeat; 0 disables (env "+envVarDeviceStaleAfter+")")

	fs.StringVar(&captureCommand, "capture-command", captureCommand, "Command that writes one JPEG frame to stdout; empty disables the camera (env "+envVarCaptureCommand+")")
	fs.DurationVar(&captureTimeout, "capture-timeout", captureTimeout, "Max time for one frame capture (env "+envVarCaptureTimeout+")")
	fs.IntVar(&mjpegFPS, "mjpeg-fps", mjpegFPS, "MJPEG stream frame rate (env "+envVarMJPEGFPS+")")
	fs.StringVar(&ngrokAPIURL, "ngrok-api-url", ngrokAPIURL, "Local ngrok API tunnels endpoint (env "+envVarNgrokAPIURL+")")
	fs.StringVar(&tunnelURLFile, "tunnel-url-file", tunnelURLFile, "File holding a tunnel URL fallback (env "+envVarTunnelURLFile+")")
	fs.StringVar(&publicIPURL, "public-ip-url", publicIPURL, "Public IP lookup endpoint returning {\"ip\":...} (env "+envVarPublicIPURL+")")
	fs.DurationVar(&discoveryTimeout, "address-discovery-timeout", discoveryTimeout, "Timeout for each tunnel/public IP lookup (env "+envVarDiscoveryTimeout+")")

	fs.BoolVar(&mdnsEnabled, "mdns", mdnsEnabled, "Advertise and discover devices on the LAN via mDNS (env "+envVarMDNSEnabled+")")
	fs.DurationVar(&mdnsScanInterval, "mdns-scan-interval", mdnsScanInterval, "mDNS LAN scan interval (env "+envVarMDNSScanInterval+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Ping interval on signaling WebSocket connections (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&signalingSendQueue, "signaling-send-queue", signalingSendQueue, "Outbound messages buffered per connection before dropping (env "+envVarSignalingSendQueue+")")

	fs.StringVar(&ice.serversJSON, "ice-servers-json", ice.serversJSON, "RTCIceServer[] JSON offered to viewers; replaces the URL lists (env "+envICEServersJSON+")")
	fs.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "Static TURN username (env "+envTurnUsername+")")
	fs.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "Static TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !fs.Changed("log-format") {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !fs.Changed("log-level") {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	// Follow an overridden heartbeat unless staleness was set explicitly.
	if !envStaleSet && !fs.Changed("device-stale-after") {
		deviceStaleAfter = 3 * heartbeatInterval
	}

	allowedOrigins, err := origin.ParseAllowList(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins %q: %w", envVarAllowedOrigins, allowedOriginsStr, err)
	}

	secrets := splitCommaSeparated(secretsStr)
	if len(secrets) == 0 {
		return Config{}, fmt.Errorf("%s/--secrets must contain at least one secret", envVarSecrets)
	}
	if relayPassword == "" {
		relayPassword = firstPlaintextSecret(secrets)
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--listen-addr %q: %w", envVarListenAddr, listenAddr, err)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if publicBaseURL != "" {
		if err := validateHTTPURL(publicBaseURL); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--public-base-url %q: %w", envVarPublicBaseURL, publicBaseURL, err)
		}
	}
	if authAttemptsPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--auth-attempts-per-second must be >= 0", envVarAuthRateLimit)
	}

	if signalingServer != "" {
		if err := validateRelayURL(signalingServer); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--signaling-server %q: %w", envVarSignalingServer, signalingServer, err)
		}
		if relayPassword == "" {
			return Config{}, fmt.Errorf("%s/--relay-password must be set when %s is set and no plaintext secret is configured", envVarRelayPassword, envVarSignalingServer)
		}
	}
	if !strings.HasPrefix(relaySignalPath, "/") {
		return Config{}, fmt.Errorf("%s/--relay-signal-path must start with '/'", envVarRelaySignalPath)
	}
	if heartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--heartbeat-interval must be > 0", envVarHeartbeatInterval)
	}
	if keepaliveInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-keepalive-interval must be > 0", envVarKeepaliveInterval)
	}
	if reconnectMinBackoff <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-reconnect-min-backoff must be > 0", envVarReconnectMinBackoff)
	}
	if reconnectMaxBackoff < reconnectMinBackoff {
		return Config{}, fmt.Errorf("%s/--relay-reconnect-max-backoff must be >= %s", envVarReconnectMaxBackoff, envVarReconnectMinBackoff)
	}
	if deviceStaleAfter < 0 {
		return Config{}, fmt.Errorf("%s/--device-stale-after must be >= 0", envVarDeviceStaleAfter)
	}

	if captureTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--capture-timeout must be > 0", envVarCaptureTimeout)
	}
	if mjpegFPS <= 0 || mjpegFPS > 120 {
		return Config{}, fmt.Errorf("%s/--mjpeg-fps must be in 1-120", envVarMJPEGFPS)
	}
	if discoveryTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--address-discovery-timeout must be > 0", envVarDiscoveryTimeout)
	}
	if mdnsScanInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--mdns-scan-interval must be > 0", envVarMDNSScanInterval)
	}

	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if signalingSendQueue <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue must be > 0", envVarSignalingSendQueue)
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   strings.TrimRight(publicBaseURL, "/"),
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		Secrets:               secrets,
		RelayPassword:         relayPassword,
		DeviceID:              strings.TrimSpace(deviceID),
		DeviceName:            strings.TrimSpace(deviceName),
		AuthAttemptsPerSecond: authAttemptsPerSecond,

		SignalingServer:     strings.TrimSpace(signalingServer),
		RelaySignalPath:     relaySignalPath,
		HeartbeatInterval:   heartbeatInterval,
		KeepaliveInterval:   keepaliveInterval,
		ReconnectMinBackoff: reconnectMinBackoff,
		ReconnectMaxBackoff: reconnectMaxBackoff,
		DeviceStaleAfter:    deviceStaleAfter,

		CaptureCommand:   strings.TrimSpace(captureCommand),
		CaptureTimeout:   captureTimeout,
		MJPEGFPS:         mjpegFPS,
		NgrokAPIURL:      ngrokAPIURL,
		TunnelURLFile:    tunnelURLFile,
		PublicIPURL:      publicIPURL,
		DiscoveryTimeout: discoveryTimeout,

		MDNSEnabled:      mdnsEnabled,
		MDNSScanInterval: mdnsScanInterval,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingSendQueue:            signalingSendQueue,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	iceServers, err := ice.servers(cfg.TURNREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// firstPlaintextSecret returns the first entry that is neither a digest nor
// a bcrypt hash, since only those can be presented to a remote relay.
func firstPlaintextSecret(secrets []string) string {
	for _, s := range secrets {
		if strings.HasPrefix(s, "sha256:") || strings.HasPrefix(s, "$2") {
			continue
		}
		return s
	}
	return ""
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("scheme must be http, https, ws, or wss")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
