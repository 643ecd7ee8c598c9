package registry

import (
	"github.com/rickgao/binance-ws/internal/connection"
	"github.com/rickgao/binance-ws/internal/delivery"
	"github.com/rickgao/binance-ws/internal/events"
)

// Hooks returns the connection callbacks that feed this registry.
func (r *Registry) Hooks() connection.Hooks {
	return connection.Hooks{
		OnFrame:    func(f connection.Frame) { r.Route(f) },
		OnClosed:   r.ConnectionClosed,
		OnRejected: r.Rejected,
	}
}

// Route hands a frame to the queue of the stream that owns its channel on
// that connection. It reports false when no stream claims the frame.
func (r *Registry) Route(f connection.Frame) bool {
	r.mu.RLock()
	st := r.streams[r.routes[routeKey{f.ConnID, f.Channel}]]
	r.mu.RUnlock()
	if st == nil {
		return false
	}

	ok, _ := st.queue.Enqueue(delivery.Entry{
		StreamID:   st.id,
		ConnID:     f.ConnID,
		Channel:    f.Channel,
		ReceivedAt: f.ReceivedAt,
		Payload:    f.Payload,
		Seq:        f.Seq,
		Gap:        f.Gap,
	})
	return ok
}

// ConnectionClosed stops every stream carried by a connection that gave up.
// The freed capacity is picked up by the next RetryPending.
func (r *Registry) ConnectionClosed(connID int, endpoint string, channels []string, err error) {
	stopped := r.stopOwners(connID, endpoint, channels, func(*stream, string) error { return err })
	for _, st := range stopped {
		r.emit(events.Event{Type: events.StreamStopped, StreamID: st.id, ConnID: connID, Endpoint: endpoint, Err: err})
	}
}

// Rejected stops the streams whose channels the exchange refused and hands
// their remaining channels back to the connection.
func (r *Registry) Rejected(connID int, endpoint string, channels []string, perr *connection.ProtocolError) {
	stopped := r.stopOwners(connID, endpoint, channels, func(_ *stream, ch string) error {
		return &ValidationError{Channel: ch, Reason: "rejected by exchange", Err: perr}
	})

	for _, st := range stopped {
		r.emit(events.Event{Type: events.StreamStopped, StreamID: st.id, ConnID: connID, Endpoint: endpoint, Err: st.err})
		if st.connID == 0 {
			// Still being placed; place releases it.
			continue
		}
		r.releaseAsync(connID, st.channels)
	}
}

// stopOwners stops the live streams owning channels on a connection. A
// stream still being placed (no connection recorded yet) counts as owner.
func (r *Registry) stopOwners(connID int, endpoint string, channels []string, cause func(*stream, string) error) []*stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stopped []*stream
	for _, ch := range channels {
		st := r.streams[r.claims[claimKey{endpoint, ch}]]
		if st == nil || st.state == StateStopped {
			continue
		}
		if st.connID != connID && st.connID != 0 {
			continue
		}
		r.stopLocked(st, cause(st, ch))
		stopped = append(stopped, st)
	}
	return stopped
}

// ReportDrops emits one MessagesDropped event per stream whose queue evicted
// entries since the last report and returns the total.
func (r *Registry) ReportDrops() int64 {
	r.mu.Lock()
	type report struct {
		id, endpoint string
		connID       int
		n            int64
	}
	var reports []report
	var total int64
	for _, st := range r.streams {
		dropped := st.queue.Dropped()
		if n := dropped - st.reportedDrops; n > 0 {
			st.reportedDrops = dropped
			reports = append(reports, report{st.id, st.endpoint, st.connID, n})
			total += n
		}
	}
	r.mu.Unlock()

	for _, rep := range reports {
		r.emit(events.Event{
			Type:     events.MessagesDropped,
			StreamID: rep.id,
			ConnID:   rep.connID,
			Endpoint: rep.endpoint,
			Count:    int(rep.n),
		})
	}
	return total
}
