package httpserver

import (
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// withTURNRESTCredentials stamps freshly minted credentials onto every entry
// that lists a TURN URL. STUN-only entries are copied unchanged.
func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Keep `[]` rather than `null` in the JSON response.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			continue
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			return true
		}
	}
	return false
}
