package connection

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/rickgao/binance-ws/internal/events"
)

// Conn is one logical connection. Its id survives reconnects; the physical
// Client underneath is replaced on every reopen.
type Conn struct {
	id       int
	endpoint string
	url      string
	set      *Set
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	client       Client
	channels     map[string]struct{} // desired, counts toward capacity
	wire         map[string]struct{} // acknowledged on the current socket
	failures     int
	attempts     int
	lastBackoff  time.Duration
	generation   uint64
	seq          uint64
	gapPending   bool
	lastActivity time.Time

	framesSent atomic.Int64

	// Command/response correlation
	pendingMu sync.Mutex
	pending   map[int64]chan ack
	cmdID     atomic.Int64

	// syncMu serializes wire diffs so a channel is never subscribed twice.
	syncMu sync.Mutex

	kick   chan kickReq
	openCh chan struct{} // closed while OPEN, replaced on leaving OPEN
	cancel context.CancelFunc
	done   chan struct{}
}

type kickReq struct {
	generation uint64
	err        error
}

func newConn(id int, endpoint, url string, s *Set) *Conn {
	return &Conn{
		id:       id,
		endpoint: endpoint,
		url:      url,
		set:      s,
		logger:   s.logger.With("conn_id", id, "endpoint", endpoint),
		state:    StateConnecting,
		channels: make(map[string]struct{}),
		wire:     make(map[string]struct{}),
		pending:  make(map[int64]chan ack),
		kick:     make(chan kickReq, 1),
		openCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the stable connection id.
func (c *Conn) ID() int { return c.id }

// State returns the current supervisor state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FramesSent returns how many command frames were written over the connection's lifetime.
func (c *Conn) FramesSent() int64 { return c.framesSent.Load() }

// LastActivity returns the last time the current socket saw traffic.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	client, last := c.client, c.lastActivity
	c.mu.Unlock()
	if client != nil {
		if t := client.LastActivity(); t.After(last) {
			return t
		}
	}
	return last
}

// Info returns a snapshot of the connection.
func (c *Conn) Info() Info {
	last := c.LastActivity()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:           c.id,
		Endpoint:     c.endpoint,
		URL:          c.url,
		State:        c.state,
		Channels:     sortedKeys(c.channels),
		Subscribed:   len(c.wire),
		LastActivity: last,
		Failures:     c.failures,
		Attempts:     c.attempts,
		LastBackoff:  c.lastBackoff,
		FramesSent:   c.framesSent.Load(),
		Generation:   c.generation,
	}
}

// Restart forces the connection into DEGRADED. It is a no-op unless OPEN.
func (c *Conn) Restart(cause error) bool {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return false
	}
	gen := c.generation
	c.mu.Unlock()

	if cause == nil {
		cause = ErrForcedRestart
	}
	return c.degrade(gen, cause)
}

func (c *Conn) degrade(gen uint64, cause error) bool {
	select {
	case c.kick <- kickReq{generation: gen, err: cause}:
		return true
	default:
		return false
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.transitionLocked(s)
	c.mu.Unlock()
}

func (c *Conn) transitionLocked(s State) {
	switch {
	case s == StateOpen && c.state != StateOpen:
		close(c.openCh)
	case s != StateOpen && c.state == StateOpen:
		c.openCh = make(chan struct{})
	}
	c.state = s
}

// waitOpen blocks until the connection is OPEN, closed, or ctx is done.
func (c *Conn) waitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, ch := c.state, c.openCh
		c.mu.Unlock()

		switch state {
		case StateOpen:
			return nil
		case StateClosed:
			return ErrConnClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrConnClosed
		case <-ch:
		}
	}
}

func (c *Conn) owns(ch string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[ch]
	return ok
}

// sync brings the socket's subscriptions in line with the desired set:
// UNSUBSCRIBE what is on the wire but no longer wanted, SUBSCRIBE what is
// wanted but not yet acknowledged. It does nothing unless the connection is OPEN;
// the reconnector calls it again after every reopen.
//
// Channels the exchange refuses are dropped from the connection and reported
// through the OnRejected hook; that is not an error. Any other failure leaves
// the wire state unknown and degrades the connection.
func (c *Conn) sync(ctx context.Context) error {
	rejected, cause, err := c.syncLocked(ctx)
	if len(rejected) > 0 {
		c.set.reportRejected(c, rejected, cause)
	}
	return err
}

func (c *Conn) syncLocked(ctx context.Context) ([]string, *ProtocolError, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil, nil, nil
	}
	client, gen := c.client, c.generation
	var add, remove []string
	for ch := range c.channels {
		if _, ok := c.wire[ch]; !ok {
			add = append(add, ch)
		}
	}
	for ch := range c.wire {
		if _, ok := c.channels[ch]; !ok {
			remove = append(remove, ch)
		}
	}
	c.mu.Unlock()

	sort.Strings(add)
	sort.Strings(remove)

	var rejected []string
	var cause *ProtocolError
	err := c.batch(ctx, client, gen, methodUnsubscribe, remove, nil)
	if err == nil {
		err = c.batch(ctx, client, gen, methodSubscribe, add, func(params []string, perr *ProtocolError) {
			rejected = append(rejected, params...)
			cause = perr
		})
	}
	if len(rejected) > 0 {
		c.set.dropRejected(c, rejected)
	}
	if err != nil {
		if ctx.Err() == nil {
			c.mu.Lock()
			c.failures++
			c.mu.Unlock()
			c.set.emit(events.Event{Type: events.SubscribeFailed, ConnID: c.id, Endpoint: c.endpoint, Err: err})
		}
		c.degrade(gen, err)
	}
	return rejected, cause, err
}

// batch issues one command per FrameSize channels, each awaiting its ack
// before the next is sent. When reject is set, an error ack marks the frame's
// channels rejected and the batch goes on.
func (c *Conn) batch(ctx context.Context, client Client, gen uint64, method string, channels []string, reject func([]string, *ProtocolError)) error {
	size := c.set.cfg.FrameSize
	if size <= 0 {
		size = len(channels)
	}
	for start := 0; start < len(channels); start += size {
		end := min(start+size, len(channels))
		params := channels[start:end]
		if err := c.request(ctx, client, method, params); err != nil {
			var perr *ProtocolError
			if reject != nil && errors.As(err, &perr) {
				c.set.emit(events.Event{Type: events.SubscribeFailed, ConnID: c.id, Endpoint: c.endpoint, Count: len(params), Err: err})
				reject(params, perr)
				continue
			}
			return err
		}

		c.mu.Lock()
		if c.generation == gen {
			for _, ch := range params {
				if method == methodSubscribe {
					c.wire[ch] = struct{}{}
				} else {
					delete(c.wire, ch)
				}
			}
		}
		c.mu.Unlock()
	}
	return nil
}

// request sends a command and waits for its ack.
func (c *Conn) request(ctx context.Context, client Client, method string, params []string) error {
	id := c.cmdID.Add(1)
	respCh := make(chan ack, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(Command{Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	if err := client.Send(data); err != nil {
		return err
	}
	c.framesSent.Add(1)

	timer := time.NewTimer(c.set.cfg.SubscribeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	case a := <-respCh:
		if a.err != nil {
			return a.err
		}
		if a.resp.Error != nil {
			return &ProtocolError{Code: a.resp.Error.Code, Message: a.resp.Error.Msg}
		}
		c.logger.Debug("command acknowledged",
			"method", method,
			"channels", len(params),
			"id", id,
		)
		return nil
	}
}

// routeResponse sends a response to the waiting goroutine.
func (c *Conn) routeResponse(resp Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- ack{resp: resp}:
		default:
		}
	}
}

// failPending releases every waiter with cause.
func (c *Conn) failPending(cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- ack{err: cause}:
		default:
		}
		delete(c.pending, id)
	}
}

// handle decodes one inbound message and routes it.
func (c *Conn) handle(msg TimestampedMessage) {
	var in inbound
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		c.logger.Debug("dropping undecodable frame", "error", err, "size", len(msg.Data))
		return
	}

	if in.Stream == "" {
		if in.ID != nil {
			c.routeResponse(Response{ID: *in.ID, Result: in.Result, Error: in.Error})
		}
		return
	}

	c.mu.Lock()
	if _, owned := c.channels[in.Stream]; !owned {
		c.mu.Unlock()
		return
	}
	c.seq++
	seq, gap := c.seq, c.gapPending
	c.gapPending = false
	c.mu.Unlock()

	c.set.deliver(Frame{
		ConnID:     c.id,
		Channel:    in.Stream,
		Payload:    in.Data,
		ReceivedAt: msg.ReceivedAt,
		Seq:        seq,
		Gap:        gap,
	})
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
