package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/camrelay/camrelay/internal/metrics"
)

// Peer is a device found on the LAN.
type Peer struct {
	DeviceID   string
	DeviceName string
	HostName   string
	Port       int
	Addresses  []string
}

// Address is the control-plane URL for the peer, preferring IPv4.
func (p Peer) Address() string {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return ""
	}
	host := p.Addresses[0]
	for _, a := range p.Addresses {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			host = a
			break
		}
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// Scanner browses for peers and registers each one with the sink.
type Scanner struct {
	cfg Config

	mu    sync.RWMutex
	peers map[string]Peer
}

func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if cfg.Sink == nil {
		return nil, errors.New("discovery sink is required")
	}
	return &Scanner{
		cfg:   cfg,
		peers: make(map[string]Peer),
	}, nil
}

// Run scans immediately and then every ScanInterval until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	s.scanAndLog(ctx)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanAndLog(ctx)
		}
	}
}

func (s *Scanner) scanAndLog(ctx context.Context) {
	peers, err := s.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.cfg.Logger.Warn("mdns scan failed", "err", err)
		}
		return
	}
	s.cfg.Logger.Debug("mdns scan complete", "peers", len(peers))
}

// Scan browses for one ScanTimeout window with a fresh resolver. Every peer
// found, other than this device, is registered with the sink.
func (s *Scanner) Scan(ctx context.Context) ([]Peer, error) {
	browse, err := s.cfg.newBrowser()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Peer)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				if peer, ok := parseEntry(entry, s.cfg.DeviceID); ok {
					collected[peer.DeviceID] = peer
				}
			}
		}
	}()

	if err := browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, err
	}
	<-scanCtx.Done()
	<-collectorDone

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Peer, 0, len(collected))
	for _, peer := range collected {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	for _, peer := range out {
		addr := peer.Address()
		s.cfg.Sink.Register(peer.DeviceID, peer.DeviceName, addr)
		s.cfg.Metrics.Inc(metrics.DiscoveryPeerSeen)
		s.cfg.Logger.Debug("mdns peer seen", "device_id", peer.DeviceID, "device_name", peer.DeviceName, "address", addr)
	}

	s.mu.Lock()
	s.peers = collected
	s.mu.Unlock()
	return out, nil
}

// Peers returns the result of the last completed scan.
func (s *Scanner) Peers() []Peer {
	s.mu.RLock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return Peer{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	if name == "" {
		name = deviceID
	}

	return Peer{
		DeviceID:   deviceID,
		DeviceName: name,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
