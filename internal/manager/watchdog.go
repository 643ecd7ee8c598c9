package manager

import (
	"context"
	"time"

	"github.com/rickgao/binance-ws/internal/config"
	"github.com/rickgao/binance-ws/internal/connection"
	"github.com/rickgao/binance-ws/internal/events"
	"github.com/rickgao/binance-ws/internal/registry"
)

// HealthSummary is the aggregate state reported on every watchdog tick.
type HealthSummary struct {
	Time         time.Time                `json:"time"`
	Open         int                      `json:"open"`
	Degraded     int                      `json:"degraded"`
	Reconnecting int                      `json:"reconnecting"`
	Connections  map[connection.State]int `json:"connections"`
	Streams      map[registry.State]int   `json:"streams"`
	Channels     int                      `json:"channels"` // acknowledged on the wire
	Queued       int                      `json:"queued"`
	Dropped      int64                    `json:"dropped"`
	Healthy      bool                     `json:"healthy"`
}

// Health computes the current summary.
func (m *Manager) Health() HealthSummary {
	conns := m.set.Connections()
	h := HealthSummary{
		Time:        time.Now(),
		Connections: make(map[connection.State]int),
		Streams:     m.reg.Counts(),
	}
	for _, c := range conns {
		h.Connections[c.State]++
		h.Channels += c.Subscribed
	}
	h.Open = h.Connections[connection.StateOpen]
	h.Degraded = h.Connections[connection.StateDegraded]
	h.Reconnecting = h.Connections[connection.StateReconnecting]

	for _, info := range m.reg.List() {
		h.Queued += info.Queue.Count
		h.Dropped += info.Queue.Dropped
	}
	h.Healthy = h.Degraded == 0 && h.Reconnecting == 0 && h.Streams[registry.StatePending] == 0
	return h
}

// watch runs the watchdog until ctx ends. Freed capacity triggers an early
// pending retry between ticks.
func (m *Manager) watch(ctx context.Context) {
	interval := m.cfg.Watchdog.Interval
	if interval <= 0 {
		interval = config.DefaultWatchdogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		case <-m.set.CapacityFreed():
			if n := m.reg.RetryPending(ctx); n > 0 {
				m.logger.Debug("pending streams promoted", "count", n)
			}
		}
	}
}

// tick runs one watchdog pass.
func (m *Manager) tick(ctx context.Context) {
	kicked := m.set.DegradeStale(m.cfg.Connections.PongTimeout)
	promoted := m.reg.RetryPending(ctx)
	dropped := m.reg.ReportDrops()

	h := m.Health()
	m.emit(events.Event{Type: events.HealthReport, Count: h.Open})
	if m.reporter != nil {
		m.reporter.ReportHealth(h)
	}

	if kicked > 0 || promoted > 0 || dropped > 0 {
		m.logger.Info("watchdog tick",
			"stale_kicked", kicked,
			"promoted", promoted,
			"dropped", dropped,
			"open", h.Open,
			"degraded", h.Degraded,
			"reconnecting", h.Reconnecting,
		)
	}
}
