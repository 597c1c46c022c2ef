// Package liveness keeps this device's registration fresh and maintains its
// outbound link to an upstream relay.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/camrelay/camrelay/internal/metrics"
	"github.com/camrelay/camrelay/internal/registry"
)

// Heartbeater re-registers this device in the local registry on a fixed
// interval, independent of relay connectivity.
type Heartbeater struct {
	Registry *registry.Registry
	// Self is called on every tick so address changes are picked up.
	Self     func() registry.Identity
	Interval time.Duration
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Run beats once immediately and then every Interval until ctx is done.
func (h *Heartbeater) Run(ctx context.Context) {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := h.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	h.beat(log)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(log)
		}
	}
}

func (h *Heartbeater) beat(log *slog.Logger) {
	self := h.Self()
	h.Registry.Heartbeat(self)
	h.Metrics.Inc(metrics.HeartbeatTick)
	log.Debug("heartbeat", "device_id", self.DeviceID)
}
