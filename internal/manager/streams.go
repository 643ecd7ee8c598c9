package manager

import (
	"context"
	"fmt"
	"iter"

	"github.com/rickgao/binance-ws/internal/connection"
	"github.com/rickgao/binance-ws/internal/delivery"
	"github.com/rickgao/binance-ws/internal/registry"
)

// StreamOptions are per-stream settings given at creation.
type StreamOptions struct {
	Label         string
	QueueCapacity int    // 0 uses delivery.queue_capacity
	Symbol        string // isolated margin "!userData" streams only
}

// CreateStream subscribes channels on endpoint as one stream and returns its
// id. When no connection has room the id comes back with
// connection.ErrCapacityExceeded and the stream is promoted later. A
// "!userData" channel is replaced by a fresh listen key.
func (m *Manager) CreateStream(ctx context.Context, endpoint string, channels []string, opts StreamOptions) (string, error) {
	if err := m.running(); err != nil {
		return "", err
	}

	resolved, key, err := m.openUserData(ctx, endpoint, channels, opts.Symbol)
	if err != nil {
		return "", err
	}

	id, err := m.reg.Create(ctx, endpoint, resolved, registry.Options{
		Label:         opts.Label,
		QueueCapacity: opts.QueueCapacity,
	})
	if key != nil {
		if id == "" {
			m.closeListenKey(ctx, *key)
		} else {
			key.StreamID = id
			m.keysMu.Lock()
			m.listenKeys[id] = *key
			m.keysMu.Unlock()
		}
	}
	return id, err
}

// ResizeStream replaces a stream's channels. Only the difference is sent to
// the exchange; a second call with the same set sends nothing.
func (m *Manager) ResizeStream(ctx context.Context, id string, channels []string) error {
	if err := m.running(); err != nil {
		return err
	}

	m.keysMu.Lock()
	key, ok := m.listenKeys[id]
	m.keysMu.Unlock()
	if ok {
		channels = replaceUserData(channels, key.Key)
	}
	return m.reg.Resize(ctx, id, channels)
}

// StopStream unsubscribes a stream, closes its queue and forgets it.
// Stopping an unknown or already stopped stream is a no-op.
func (m *Manager) StopStream(ctx context.Context, id string) error {
	if err := m.running(); err != nil {
		return err
	}

	err := m.reg.Stop(ctx, id)

	m.keysMu.Lock()
	key, ok := m.listenKeys[id]
	delete(m.listenKeys, id)
	m.keysMu.Unlock()
	if ok {
		m.closeListenKey(ctx, key)
	}
	return err
}

// Messages drains the entries queued for a stream right now, oldest first.
// Each call starts a new pass; an unknown stream yields nothing.
func (m *Manager) Messages(id string) iter.Seq[delivery.Entry] {
	q, ok := m.reg.Queue(id)
	if !ok {
		return func(func(delivery.Entry) bool) {}
	}
	return q.Drain()
}

// Next blocks until the stream has an entry, its queue closes
// (delivery.ErrClosed) or ctx ends.
func (m *Manager) Next(ctx context.Context, id string) (delivery.Entry, error) {
	q, ok := m.reg.Queue(id)
	if !ok {
		return delivery.Entry{}, fmt.Errorf("%w: %s", registry.ErrUnknownStream, id)
	}
	return q.Next(ctx)
}

// Stream returns a snapshot of one stream.
func (m *Manager) Stream(id string) (registry.Info, bool) {
	return m.reg.Get(id)
}

// StreamByLabel returns the oldest stream carrying label.
func (m *Manager) StreamByLabel(label string) (registry.Info, bool) {
	return m.reg.ByLabel(label)
}

// Streams lists every known stream in creation order.
func (m *Manager) Streams() []registry.Info {
	return m.reg.List()
}

// Connections lists every live connection ordered by id.
func (m *Manager) Connections() []connection.Info {
	return m.set.Connections()
}

// RestartConnection forces a connection through DEGRADED and a reconnect.
func (m *Manager) RestartConnection(id int) error {
	if err := m.running(); err != nil {
		return err
	}
	return m.set.Restart(id)
}

// SubscriptionLimit returns how many channels one stream may carry on
// endpoint. Zero means unlimited.
func (m *Manager) SubscriptionLimit(endpoint string) (int, error) {
	return m.set.Limit(endpoint)
}

// Endpoints returns the known market segment names.
func (m *Manager) Endpoints() []string {
	return m.endpoints.Names()
}
