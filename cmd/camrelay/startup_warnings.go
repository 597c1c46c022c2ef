package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/camrelay/camrelay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.RelayEnabled() {
		if u, err := url.Parse(strings.TrimSpace(cfg.SignalingServer)); err == nil &&
			(strings.EqualFold(u.Scheme, "http") || strings.EqualFold(u.Scheme, "ws")) {
			logger.Warn("startup security warning: SIGNALING_SERVER uses plaintext transport (relay password is sent unencrypted)",
				"warning_code", "relay_plaintext_transport",
				"signaling_server_host", safeURLHost(cfg.SignalingServer),
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.Mode == config.ModeProd && plaintextSecretCount(cfg.Secrets) > 0 {
		logger.Warn("startup security warning: plaintext secrets configured while --mode=prod (prefer sha256:<hex> or bcrypt entries)",
			"warning_code", "plaintext_secrets_in_prod",
			"plaintext_secrets", plaintextSecretCount(cfg.Secrets),
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthAttemptsPerSecond <= 0 {
		logger.Warn("startup security warning: AUTH_ATTEMPTS_PER_SECOND is 0 (password guessing is not throttled)",
			"warning_code", "auth_rate_limit_disabled",
			"auth_attempts_per_second", cfg.AuthAttemptsPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens signaling DoS hardening)",
			"warning_code", "signaling_message_limit_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func plaintextSecretCount(secrets []string) int {
	n := 0
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" || strings.HasPrefix(s, "sha256:") || strings.HasPrefix(s, "$2") {
			continue
		}
		n++
	}
	return n
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
