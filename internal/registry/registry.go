// Package registry tracks the devices known to this relay and when each was
// last heard from. All state is in memory.
package registry

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/camrelay/camrelay/internal/auth"
)

// ErrUnauthorized is returned by ListAuthorized when the requester's secret
// is rejected. The verifier's own error is wrapped alongside it.
var ErrUnauthorized = errors.New("registry: unauthorized")

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Identity is how this host names itself.
type Identity struct {
	DeviceID   string
	DeviceName string
	Address    string
}

type Device struct {
	DeviceID   string
	DeviceName string
	LastSeen   time.Time
	Address    string
}

// Snapshot is a Device plus its derived liveness.
type Snapshot struct {
	Device
	Status string
}

type Config struct {
	// Self supplies the id and name used when a registration omits them.
	Self Identity
	// StaleAfter reports devices offline once last_seen is older than this.
	// 0 reports every device online.
	StaleAfter time.Duration
	Clock      Clock
}

type Registry struct {
	self       Identity
	staleAfter time.Duration
	clock      Clock

	mu      sync.RWMutex
	devices map[string]Device
}

func New(cfg Config) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Registry{
		self:       cfg.Self,
		staleAfter: cfg.StaleAfter,
		clock:      clock,
		devices:    make(map[string]Device),
	}
}

// Register inserts or fully replaces the entry for deviceID. Empty ids and
// names fall back to this host's identity. It returns the id that was used.
func (r *Registry) Register(deviceID, deviceName, address string) string {
	if deviceID == "" {
		deviceID = r.self.DeviceID
	}
	if deviceName == "" {
		deviceName = r.self.DeviceName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[deviceID] = Device{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		LastSeen:   r.stampLocked(deviceID),
		Address:    address,
	}
	return deviceID
}

// Heartbeat re-registers self, creating the entry if it is absent.
func (r *Registry) Heartbeat(self Identity) {
	r.Register(self.DeviceID, self.DeviceName, self.Address)
}

// stampLocked returns now, bumped past the previous stamp for id so that
// last_seen strictly increases even on coarse clocks.
func (r *Registry) stampLocked(id string) time.Time {
	now := r.clock.Now()
	if prev, ok := r.devices[id]; ok && !now.After(prev.LastSeen) {
		now = prev.LastSeen.Add(time.Nanosecond)
	}
	return now
}

func (r *Registry) Get(deviceID string) (Snapshot, bool) {
	r.mu.RLock()
	d, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(d, r.clock.Now()), true
}

// List returns every known device ordered by id.
func (r *Registry) List() []Snapshot {
	now := r.clock.Now()

	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, r.snapshot(d, now))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// ListAuthorized is List gated on v accepting secret.
func (r *Registry) ListAuthorized(v auth.Verifier, secret string) ([]Snapshot, error) {
	if v == nil {
		return nil, ErrUnauthorized
	}
	if err := v.Verify(secret); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return r.List(), nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Registry) snapshot(d Device, now time.Time) Snapshot {
	status := StatusOnline
	if r.staleAfter > 0 && now.Sub(d.LastSeen) > r.staleAfter {
		status = StatusOffline
	}
	return Snapshot{Device: d, Status: status}
}

// DeriveDeviceID maps a host identifier to a stable 12 character id.
func DeriveDeviceID(hostname string) string {
	sum := md5.Sum([]byte(hostname))
	return hex.EncodeToString(sum[:])[:12]
}

// HostIdentity derives this host's identity from its hostname. Non-empty
// overrides win.
func HostIdentity(deviceID, deviceName string) Identity {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	if deviceID == "" {
		deviceID = DeriveDeviceID(hostname)
	}
	if deviceName == "" {
		deviceName = hostname
	}
	return Identity{DeviceID: deviceID, DeviceName: deviceName}
}
