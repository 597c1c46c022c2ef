package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "CAMRELAY_ICE_SERVERS_JSON"
	envStunURLs       = "CAMRELAY_STUN_URLS"
	envTurnURLs       = "CAMRELAY_TURN_URLS"
	envTurnUsername   = "CAMRELAY_TURN_USERNAME"
	envTurnCredential = "CAMRELAY_TURN_CREDENTIAL"
)

var (
	errNoICEURLs         = errors.New("no urls")
	errTURNCredentials   = errors.New("turn urls need a username and credential unless TURN REST is enabled")
	errICECredentialType = errors.New("only password credentials are supported")
)

// iceSettings is the ICE input collected by load. The servers end up at
// GET /webrtc/ice for browser viewers; this process never dials them.
type iceSettings struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

// servers resolves the settings. A JSON list replaces the URL lists entirely.
// With turnREST set, TURN entries may leave credentials empty because the
// endpoint mints them per request.
func (s iceSettings) servers(turnREST bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.serversJSON); raw != "" {
		out, err := decodeICEServers([]byte(raw), turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return out, nil
	}

	var out []webrtc.ICEServer
	if urls := splitCommaSeparated(s.stunURLs); len(urls) > 0 {
		srv := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(srv, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		out = append(out, srv)
	}
	if urls := splitCommaSeparated(s.turnURLs); len(urls) > 0 {
		srv := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(s.turnUsername)}
		if cred := strings.TrimSpace(s.turnCredential); cred != "" {
			srv.Credential = cred
		}
		if err := checkICEServer(srv, turnREST); err != nil {
			return nil, fmt.Errorf("%s (%s/%s): %w", envTurnURLs, envTurnUsername, envTurnCredential, err)
		}
		out = append(out, srv)
	}
	return out, nil
}

// decodeICEServers reads the browser RTCIceServer[] shape with pion's decoder,
// so "urls" must be an array.
func decodeICEServers(raw []byte, turnREST bool) ([]webrtc.ICEServer, error) {
	var list []webrtc.ICEServer
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, 0, len(list))
	for i, srv := range list {
		if srv.CredentialType != webrtc.ICECredentialTypePassword {
			return nil, fmt.Errorf("entry %d: %w", i, errICECredentialType)
		}
		urls := srv.URLs[:0]
		for _, u := range srv.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		srv.URLs = urls
		srv.Username = strings.TrimSpace(srv.Username)
		if cred, ok := srv.Credential.(string); ok && strings.TrimSpace(cred) == "" {
			srv.Credential = nil
		}
		if err := checkICEServer(srv, turnREST); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, srv)
	}
	return out, nil
}

// checkICEServer parses every URL as a STUN/TURN URI.
func checkICEServer(srv webrtc.ICEServer, turnREST bool) error {
	if len(srv.URLs) == 0 {
		return errNoICEURLs
	}
	needsCreds := false
	for _, raw := range srv.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			needsCreds = true
		}
	}
	if !needsCreds || turnREST {
		return nil
	}
	if cred, _ := srv.Credential.(string); srv.Username == "" || strings.TrimSpace(cred) == "" {
		return errTURNCredentials
	}
	return nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
