// Package origin normalizes browser Origin headers and applies the configured
// cross-origin policy for the control plane and the signaling WebSocket.
package origin

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Wildcard allows every origin. It matches the permissive CORS behavior of
// the desktop application and is the default allow-list.
const Wildcard = "*"

// NormalizeHeader validates a browser Origin header and returns it as
// scheme://host[:port] plus the host[:port] part for same-host checks.
// Default ports are dropped. The literal "null" origin is accepted as-is.
func NormalizeHeader(originHeader string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may access requestHost.
//
// With a non-empty allow-list each entry is "*" or a normalized origin.
// With an empty list only same host:port is allowed. The scheme is not
// compared because a TLS-terminating tunnel (ngrok) presents HTTPS origins
// to a plain-HTTP listener.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, entry := range allowed {
			if entry == Wildcard || entry == normalizedOrigin {
				return true
			}
		}
		return false
	}

	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		return false
	}
	reqHost, ok := canonicalAuthority(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// ParseAllowList parses a comma-separated ALLOWED_ORIGINS value into
// normalized entries.
func ParseAllowList(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		switch entry {
		case "":
			continue
		case Wildcard:
			out = append(out, entry)
			continue
		}
		normalized, _, ok := NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// Policy is an allow-list bound to its checks.
type Policy struct {
	Allowed []string
}

// AllowsAny reports whether the policy accepts every origin.
func (p Policy) AllowsAny() bool {
	for _, entry := range p.Allowed {
		if entry == Wildcard {
			return true
		}
	}
	return false
}

// Check evaluates an Origin header against requestHost. Requests without an
// Origin header (non-browser clients) are always allowed and return "".
func (p Policy) Check(originHeader, requestHost string) (normalized string, ok bool) {
	if strings.TrimSpace(originHeader) == "" {
		return "", true
	}
	normalized, host, ok := NormalizeHeader(originHeader)
	if !ok || !IsAllowed(normalized, host, requestHost, p.Allowed) {
		return "", false
	}
	return normalized, true
}

func canonicalAuthority(raw, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(raw))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals lose their brackets and the
// port is returned unvalidated.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ = strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 is not a valid authority.
		return "", "", false
	}
}
