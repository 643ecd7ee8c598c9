package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/rickgao/binance-ws/internal/events"
	"github.com/rickgao/binance-ws/internal/poller"
	"github.com/rickgao/binance-ws/internal/registry"
)

// ErrNoListenKeys is returned for "!userData" channels when no
// ListenKeySource was configured.
var ErrNoListenKeys = errors.New("user data streams need a listen key source")

// openUserData swaps a "!userData" channel for a new listen key. key is nil
// when channels carry no user data.
func (m *Manager) openUserData(ctx context.Context, name string, channels []string, symbol string) ([]string, *poller.ListenKey, error) {
	found := false
	for _, ch := range channels {
		if ch == registry.UserData {
			found = true
			break
		}
	}
	if !found {
		return channels, nil, nil
	}

	if m.keys == nil {
		return nil, nil, &registry.ValidationError{Channel: registry.UserData, Reason: "no listen key source", Err: ErrNoListenKeys}
	}
	ep, ok := m.endpoints.Lookup(name)
	if !ok {
		return nil, nil, &registry.ValidationError{Reason: "unknown endpoint " + name}
	}

	key, err := m.keys.CreateListenKey(ctx, ep, symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("open user data stream: %w", err)
	}
	return replaceUserData(channels, key), &poller.ListenKey{Endpoint: ep, Symbol: symbol, Key: key}, nil
}

func replaceUserData(channels []string, key string) []string {
	out := make([]string, len(channels))
	for i, ch := range channels {
		if ch == registry.UserData {
			ch = key
		}
		out[i] = ch
	}
	return out
}

// ActiveListenKeys returns the keys of user data streams that are not
// stopped.
func (m *Manager) ActiveListenKeys() []poller.ListenKey {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	keys := make([]poller.ListenKey, 0, len(m.listenKeys))
	for id, key := range m.listenKeys {
		if info, ok := m.reg.Get(id); ok && info.State != registry.StateStopped {
			keys = append(keys, key)
		}
	}
	return keys
}

func (m *Manager) keepAliveFailed(key poller.ListenKey, err error) {
	m.emit(events.Event{Type: events.SubscribeFailed, StreamID: key.StreamID, Endpoint: key.Endpoint.Name, Err: err})
}

func (m *Manager) closeListenKey(ctx context.Context, key poller.ListenKey) {
	if err := m.keys.CloseListenKey(ctx, key.Endpoint, key.Symbol, key.Key); err != nil {
		m.logger.Warn("failed to close listen key",
			"stream_id", key.StreamID,
			"endpoint", key.Endpoint.Name,
			"error", err,
		)
	}
}

// closeListenKeys closes every remaining listen key at shutdown.
func (m *Manager) closeListenKeys(ctx context.Context) {
	m.keysMu.Lock()
	keys := m.listenKeys
	m.listenKeys = make(map[string]poller.ListenKey)
	m.keysMu.Unlock()

	for _, key := range keys {
		m.closeListenKey(ctx, key)
	}
}
