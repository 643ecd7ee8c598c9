package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/rickgao/binance-ws/internal/delivery"
)

// State is the lifecycle state of a stream.
type State int

const (
	StatePending State = iota // waiting for connection capacity
	StateActive               // placed on a connection
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options are per-stream settings given at creation.
type Options struct {
	Label         string
	QueueCapacity int // 0 uses the registry default
}

// Info is a point-in-time snapshot of one stream.
type Info struct {
	ID        string         `json:"id"`
	Label     string         `json:"label,omitempty"`
	Endpoint  string         `json:"endpoint"`
	Channels  []string       `json:"channels"`
	State     State          `json:"state"`
	ConnID    int            `json:"conn_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Err       error          `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
	Queue     delivery.Stats `json:"queue"`
}

type stream struct {
	id       string
	label    string
	endpoint string
	channels []string // ordered as requested
	state    State
	connID   int
	err      error
	created  time.Time
	order    uint64
	queue    *delivery.Queue[delivery.Entry]

	// ctx is cancelled when the stream stops.
	ctx    context.Context
	cancel context.CancelFunc

	reportedDrops int64
}

func (st *stream) info() Info {
	info := Info{
		ID:        st.id,
		Label:     st.label,
		Endpoint:  st.endpoint,
		Channels:  append([]string(nil), st.channels...),
		State:     st.state,
		ConnID:    st.connID,
		Err:       st.err,
		CreatedAt: st.created,
		Queue:     st.queue.Stats(),
	}
	if st.err != nil {
		info.Reason = st.err.Error()
	}
	return info
}

// delta returns the channels in next but not in cur, and in cur but not in next.
func delta(cur, next []string) (added, removed []string) {
	in := func(list []string) map[string]struct{} {
		m := make(map[string]struct{}, len(list))
		for _, ch := range list {
			m[ch] = struct{}{}
		}
		return m
	}
	curSet, nextSet := in(cur), in(next)
	for _, ch := range next {
		if _, ok := curSet[ch]; !ok {
			added = append(added, ch)
		}
	}
	for _, ch := range cur {
		if _, ok := nextSet[ch]; !ok {
			removed = append(removed, ch)
		}
	}
	return added, removed
}
