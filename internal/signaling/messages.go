package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Event names carried in the envelope's "event" field.
const (
	EventConnected     = "connected"
	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"
	EventJoinDevice    = "join_device"
	EventJoinedDevice  = "joined_device"
	EventLeaveDevice   = "leave_device"
	EventLeftDevice    = "left_device"
	EventOffer         = "offer"
	EventAnswer        = "answer"
	EventICECandidate  = "ice_candidate"
	EventError         = "error"

	EventDeviceRegister   = "device_register"
	EventDeviceRegistered = "device_registered"
)

var errEmptyPayload = errors.New("payload must not be empty")

// Envelope is the frame shape in both directions: {"event": ..., "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ConnectedPayload struct {
	SID string `json:"sid"`
}

type AuthenticatePayload struct {
	Password string `json:"password"`
}

type AuthenticatedPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// DevicePayload is the body of join_device, joined_device, leave_device and
// left_device.
type DevicePayload struct {
	DeviceID string `json:"device_id"`
}

type OfferRequest struct {
	DeviceID string          `json:"device_id"`
	Offer    json.RawMessage `json:"offer"`
}

type OfferMessage struct {
	Offer json.RawMessage `json:"offer"`
	From  string          `json:"from"`
}

type AnswerRequest struct {
	To     string          `json:"to"`
	Answer json.RawMessage `json:"answer"`
}

type AnswerMessage struct {
	Answer json.RawMessage `json:"answer"`
	From   string          `json:"from"`
}

type ICECandidateRequest struct {
	To        string          `json:"to,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

type ICECandidateMessage struct {
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from"`
}

// DeviceRegisterPayload is what a device sends to announce itself to a relay.
type DeviceRegisterPayload struct {
	Password      string `json:"password"`
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	PublicIP      string `json:"public_ip,omitempty"`
	Port          int    `json:"port,omitempty"`
	ConnectionURL string `json:"connection_url,omitempty"`
}

type DeviceRegisteredPayload struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"device_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// Encode builds one envelope frame.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// ParseEnvelope decodes a single envelope and rejects trailing data.
func ParseEnvelope(frame []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, errors.New("missing event")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, errors.New("unexpected trailing data")
	}
	return env, nil
}

// DecodeData unmarshals an envelope's data into v. Missing data decodes as an
// empty object.
func DecodeData(env Envelope, v any) error {
	data := env.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Event, err)
	}
	return nil
}

func isEmptyPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func (r DevicePayload) validate() error {
	if r.DeviceID == "" {
		return errors.New("device_id is required")
	}
	return nil
}

func (r OfferRequest) validate() error {
	if r.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if isEmptyPayload(r.Offer) {
		return fmt.Errorf("offer: %w", errEmptyPayload)
	}
	return nil
}

func (r AnswerRequest) validate() error {
	if r.To == "" {
		return errors.New("to is required")
	}
	if isEmptyPayload(r.Answer) {
		return fmt.Errorf("answer: %w", errEmptyPayload)
	}
	return nil
}

func (r ICECandidateRequest) validate() error {
	if r.To == "" && r.DeviceID == "" {
		return errors.New("one of to or device_id is required")
	}
	if isEmptyPayload(r.Candidate) {
		return fmt.Errorf("candidate: %w", errEmptyPayload)
	}
	return nil
}

// Target resolves the dual addressing of ice_candidate. An explicit
// connection id wins over the device room.
func (r ICECandidateRequest) Target() Target {
	if r.To != "" {
		return ToConnection(r.To)
	}
	return ToRoom(r.DeviceID)
}

func (r DeviceRegisterPayload) validate() error {
	if r.DeviceID == "" {
		return errors.New("device_id is required")
	}
	return nil
}
