package metrics

import "sync"

// Event counter names. They are exported as the `event` label of a single
// Prometheus counter.
const (
	AuthSuccess     = "auth_success"
	AuthFailure     = "auth_failure"
	AuthRateLimited = "auth_rate_limited"

	SignalingConnections  = "signaling_connections"
	SignalingRateLimited  = "signaling_rate_limited"
	SignalingBadMessage   = "signaling_bad_message"
	SignalingUnauthorized = "signaling_unauthorized"

	OfferForwarded        = "offer_forwarded"
	AnswerForwarded       = "answer_forwarded"
	ICECandidateForwarded = "ice_candidate_forwarded"
	DeliveryDropped       = "delivery_dropped"

	DeviceRegistered = "device_registered"
	HeartbeatTick    = "heartbeat"

	RelayConnected   = "relay_connected"
	RelayUnreachable = "relay_unreachable"
	RelayDisconnect  = "relay_disconnected"

	DiscoveryPeerSeen = "discovery_peer_seen"

	StreamFramesServed   = "stream_frames_served"
	StreamFrameMissing   = "stream_frame_missing"
	StreamFramesCaptured = "stream_frames_captured"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics is a valid
// no-op sink so components can run without one in tests.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
