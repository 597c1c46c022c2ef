package signaling

import (
	"encoding/json"
	"log/slog"

	"github.com/camrelay/camrelay/internal/metrics"
	"github.com/camrelay/camrelay/internal/rooms"
)

// Peer is a forwarding endpoint, normally one signaling connection.
type Peer interface {
	ID() string
	// Deliver enqueues an encoded frame without blocking and reports whether
	// it was accepted.
	Deliver(frame []byte) bool
}

type TargetKind uint8

const (
	TargetConnection TargetKind = iota + 1
	TargetRoom
)

func (k TargetKind) String() string {
	switch k {
	case TargetConnection:
		return "connection"
	case TargetRoom:
		return "room"
	default:
		return "unknown"
	}
}

// Target addresses either one connection or every member of a room. Room ids
// and connection ids live in separate namespaces.
type Target struct {
	Kind TargetKind
	ID   string
}

func ToConnection(id string) Target { return Target{Kind: TargetConnection, ID: id} }
func ToRoom(id string) Target       { return Target{Kind: TargetRoom, ID: id} }

// Router forwards handshake payloads between peers. Delivery is best effort
// and at most once: a missing target or a full queue drops the message.
type Router struct {
	rooms   *rooms.Manager[Peer]
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewRouter(log *slog.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		rooms:   rooms.NewManager[Peer](),
		log:     log,
		metrics: m,
	}
}

func (r *Router) Rooms() *rooms.Manager[Peer] { return r.rooms }

func (r *Router) Attach(p Peer) { r.rooms.Attach(p) }

func (r *Router) Join(p Peer, room string) {
	r.rooms.Join(p, room)
	r.log.Debug("room joined", "sid", p.ID(), "room", room)
}

func (r *Router) Leave(id, room string) {
	r.rooms.Leave(id, room)
	r.log.Debug("room left", "sid", id, "room", room)
}

// Disconnect removes every trace of id. Later forwards to it are dropped.
func (r *Router) Disconnect(id string) {
	left := r.rooms.Disconnect(id)
	r.log.Debug("peer disconnected", "sid", id, "rooms", left)
}

// ForwardOffer broadcasts offer to room, excluding the sender.
func (r *Router) ForwardOffer(sender, room string, offer json.RawMessage) int {
	return r.forward(EventOffer, metrics.OfferForwarded, sender, ToRoom(room), OfferMessage{Offer: offer, From: sender})
}

// ForwardAnswer unicasts answer to the connection that sent the offer.
func (r *Router) ForwardAnswer(sender, to string, answer json.RawMessage) int {
	return r.forward(EventAnswer, metrics.AnswerForwarded, sender, ToConnection(to), AnswerMessage{Answer: answer, From: sender})
}

// ForwardICECandidate unicasts or room-broadcasts candidate depending on
// target. Room broadcasts exclude the sender.
func (r *Router) ForwardICECandidate(sender string, target Target, candidate json.RawMessage) int {
	return r.forward(EventICECandidate, metrics.ICECandidateForwarded, sender, target, ICECandidateMessage{Candidate: candidate, From: sender})
}

func (r *Router) forward(event, counter, sender string, target Target, msg any) int {
	frame, err := Encode(event, msg)
	if err != nil {
		r.log.Warn("signal encode failed", "event", event, "from", sender, "err", err)
		return 0
	}

	var recipients []Peer
	switch target.Kind {
	case TargetConnection:
		if p, ok := r.rooms.Lookup(target.ID); ok {
			recipients = append(recipients, p)
		}
	case TargetRoom:
		for _, p := range r.rooms.Members(target.ID) {
			if p.ID() != sender {
				recipients = append(recipients, p)
			}
		}
	}

	delivered, dropped := 0, 0
	for _, p := range recipients {
		if p.Deliver(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	if target.Kind == TargetConnection && len(recipients) == 0 {
		dropped = 1
	}

	r.metrics.Add(counter, uint64(delivered))
	if dropped > 0 {
		r.metrics.Add(metrics.DeliveryDropped, uint64(dropped))
	}
	r.log.Debug("signal forwarded",
		"event", event,
		"from", sender,
		"target_kind", target.Kind.String(),
		"target", target.ID,
		"delivered", delivered,
		"dropped", dropped,
	)
	return delivered
}
