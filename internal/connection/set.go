package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rickgao/binance-ws/internal/endpoint"
	"github.com/rickgao/binance-ws/internal/events"
)

var (
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrChannelTaken    = errors.New("channel already owned by another connection")
)

// Hooks are the callbacks a Set makes into its owner.
type Hooks struct {
	// OnFrame receives data frames in per-connection receive order. It runs
	// on the connection's supervisor goroutine and must not block.
	OnFrame func(Frame)

	// OnClosed reports a connection that gave up (reconnects exhausted or
	// credentials refused) together with the channels it carried.
	OnClosed func(connID int, endpoint string, channels []string, err error)

	// OnRejected reports channels the exchange refused to subscribe. They
	// have already been dropped from the connection. It runs on whichever
	// goroutine was syncing and may call back into the Set.
	OnRejected func(connID int, endpoint string, channels []string, err *ProtocolError)
}

// Option configures a Set.
type Option func(*Set)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Set) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvents sets the event sink.
func WithEvents(sink events.Sink) Option {
	return func(s *Set) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithClientFactory replaces the websocket client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Set) {
		if f != nil {
			s.factory = f
		}
	}
}

type ownerKey struct {
	endpoint string
	channel  string
}

// Set maps channels to connections and owns every connection's supervisor.
type Set struct {
	cfg       Config
	endpoints *endpoint.Table
	logger    *slog.Logger
	sink      events.Sink
	factory   ClientFactory
	dials     *semaphore.Weighted
	hooks     Hooks
	freed     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	conns  map[int]*Conn
	owner  map[ownerKey]int
	nextID int
	closed bool
}

// NewSet creates an empty Set. Connections are opened lazily by Assign.
func NewSet(cfg Config, endpoints *endpoint.Table, opts ...Option) *Set {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Set{
		cfg:       cfg,
		endpoints: endpoints,
		logger:    slog.Default(),
		sink:      events.Discard,
		factory:   NewClient,
		freed:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[int]*Conn),
		owner:     make(map[ownerKey]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.MaxConcurrentDials > 0 {
		s.dials = semaphore.NewWeighted(int64(cfg.MaxConcurrentDials))
	}
	return s
}

// SetHooks installs the owner callbacks. Call it before the first Assign.
func (s *Set) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

// Limit returns how many channels one connection to the endpoint may carry.
// Zero means unlimited.
func (s *Set) Limit(name string) (int, error) {
	ep, ok := s.endpoints.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	return s.limit(ep), nil
}

func (s *Set) limit(ep endpoint.Endpoint) int {
	limit := s.cfg.MaxChannelsPerConn
	if ep.MaxChannels > 0 && (limit <= 0 || ep.MaxChannels < limit) {
		limit = ep.MaxChannels
	}
	return limit
}

// Assign places a channel group on one connection to the endpoint: the
// fullest OPEN connection that still fits the whole group, else a new
// connection. A connection still on its first dial counts as a candidate
// after every OPEN one. Connections that are DEGRADED or RECONNECTING, or
// dialing again after a failure, take no new groups. It fails with
// ErrCapacityExceeded when no connection fits and MaxConnections are
// already live.
func (s *Set) Assign(name string, channels []string) (int, error) {
	ep, ok := s.endpoints.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	limit := s.limit(ep)
	if limit > 0 && len(channels) > limit {
		return 0, fmt.Errorf("%w: %d channels, limit %d per connection", ErrCapacityExceeded, len(channels), limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSetClosed
	}
	if err := s.checkOwnersLocked(ep.Name, 0, channels); err != nil {
		return 0, err
	}

	var best *Conn
	bestFree, bestOpen := 0, false
	for _, id := range s.idsLocked() {
		c := s.conns[id]
		if c.endpoint != ep.Name {
			continue
		}
		c.mu.Lock()
		state, n, fresh := c.state, len(c.channels), c.generation == 0 && c.attempts == 0
		c.mu.Unlock()
		if state != StateOpen && !(state == StateConnecting && fresh) {
			continue
		}
		free := limit - n
		if limit <= 0 {
			free = math.MaxInt32 - n
		}
		if free < len(channels) {
			continue
		}
		open := state == StateOpen
		if best == nil || (open && !bestOpen) || (open == bestOpen && free < bestFree) {
			best, bestFree, bestOpen = c, free, open
		}
	}

	if best == nil {
		if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
			return 0, fmt.Errorf("%w: %d connections open", ErrCapacityExceeded, len(s.conns))
		}
		url, err := ep.StreamURL()
		if err != nil {
			return 0, err
		}
		s.nextID++
		best = newConn(s.nextID, ep.Name, url, s)
		s.addLocked(best, channels)
		s.startLocked(best)
		return best.id, nil
	}

	s.addLocked(best, channels)
	return best.id, nil
}

// Reserve adds channels to an existing connection if they fit.
func (s *Set) Reserve(connID int, channels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConn, connID)
	}
	if err := s.checkOwnersLocked(c.endpoint, connID, channels); err != nil {
		return err
	}

	ep, _ := s.endpoints.Lookup(c.endpoint)
	limit := s.limit(ep)

	c.mu.Lock()
	n := len(c.channels)
	for _, ch := range channels {
		if _, ok := c.channels[ch]; !ok {
			n++
		}
	}
	c.mu.Unlock()

	if limit > 0 && n > limit {
		return fmt.Errorf("%w: connection %d would carry %d channels, limit %d", ErrCapacityExceeded, connID, n, limit)
	}
	s.addLocked(c, channels)
	return nil
}

// Release drops channels from a connection and unsubscribes them on the wire.
// A connection left without channels is closed; Release returns after its
// supervisor goroutine has exited or ctx ends.
func (s *Set) Release(ctx context.Context, connID int, channels []string) error {
	return s.Unassign(connID, channels)(ctx)
}

// Unassign drops channels from a connection at once, freeing their capacity
// and ownership, and returns the func that settles the change: an UNSUBSCRIBE
// diff, or for a connection left without channels, waiting for its
// supervisor to exit.
func (s *Set) Unassign(connID int, channels []string) func(context.Context) error {
	s.mu.Lock()
	c, ok := s.conns[connID]
	if !ok {
		s.mu.Unlock()
		return func(context.Context) error { return nil }
	}

	c.mu.Lock()
	for _, ch := range channels {
		if _, owned := c.channels[ch]; owned {
			delete(c.channels, ch)
			delete(s.owner, ownerKey{c.endpoint, ch})
		}
	}
	empty := len(c.channels) == 0
	c.mu.Unlock()

	if empty {
		delete(s.conns, connID)
	}
	s.mu.Unlock()

	if !empty {
		return c.sync
	}
	c.cancel()
	return func(ctx context.Context) error {
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("connection %d: %w", c.id, ctx.Err())
		}
	}
}

// BatchSubscribe puts the connection's pending channels on the wire, at most
// FrameSize per frame, one frame in flight at a time. Every channel must
// already be assigned to the connection. It first waits for the connection
// to be OPEN; if ctx ends before that, the supervisor subscribes once the
// socket opens.
func (s *Set) BatchSubscribe(ctx context.Context, connID int, channels []string) error {
	c, ok := s.Conn(connID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConn, connID)
	}
	for _, ch := range channels {
		if !c.owns(ch) {
			return fmt.Errorf("channel %s not assigned to connection %d", ch, connID)
		}
	}
	if err := c.waitOpen(ctx); err != nil {
		return err
	}
	return c.sync(ctx)
}

// Conn returns a connection by id.
func (s *Set) Conn(id int) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Restart forces an OPEN connection into DEGRADED.
func (s *Set) Restart(id int) error {
	c, ok := s.Conn(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConn, id)
	}
	c.Restart(ErrForcedRestart)
	return nil
}

// DegradeStale forces DEGRADED on every OPEN connection without traffic for
// longer than timeout and returns how many were kicked.
func (s *Set) DegradeStale(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	kicked := 0
	for _, c := range s.snapshot() {
		if c.State() != StateOpen {
			continue
		}
		if time.Since(c.LastActivity()) > timeout && c.Restart(ErrStaleConnection) {
			kicked++
		}
	}
	return kicked
}

// Connections returns a snapshot of every live connection, ordered by id.
func (s *Set) Connections() []Info {
	conns := s.snapshot()
	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// Counts returns the number of live connections per state.
func (s *Set) Counts() map[State]int {
	counts := make(map[State]int)
	for _, c := range s.snapshot() {
		counts[c.State()]++
	}
	return counts
}

// CapacityFreed is signalled whenever a connection closes. Signals coalesce.
func (s *Set) CapacityFreed() <-chan struct{} {
	return s.freed
}

// Close stops every connection and waits for their supervisors to exit.
func (s *Set) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, id := range s.idsLocked() {
		conns = append(conns, s.conns[id])
	}
	s.mu.Unlock()

	s.cancel()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			select {
			case <-c.done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("connection %d: %w", c.id, ctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.wg.Wait()
	return nil
}

func (s *Set) snapshot() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, id := range s.idsLocked() {
		conns = append(conns, s.conns[id])
	}
	return conns
}

func (s *Set) idsLocked() []int {
	ids := make([]int, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// checkOwnersLocked rejects channels owned by a connection other than self.
func (s *Set) checkOwnersLocked(endpoint string, self int, channels []string) error {
	for _, ch := range channels {
		if id, ok := s.owner[ownerKey{endpoint, ch}]; ok && id != self {
			return fmt.Errorf("%w: %s on connection %d", ErrChannelTaken, ch, id)
		}
	}
	return nil
}

func (s *Set) addLocked(c *Conn, channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
		s.owner[ownerKey{c.endpoint, ch}] = c.id
	}
}

func (s *Set) startLocked(c *Conn) {
	s.conns[c.id] = c
	ctx, cancel := context.WithCancel(s.ctx)
	c.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		c.run(ctx)
	}()
}

// remove drops a connection that reached CLOSED on its own.
func (s *Set) remove(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.id] == c {
		delete(s.conns, c.id)
	}
	c.mu.Lock()
	for ch := range c.channels {
		key := ownerKey{c.endpoint, ch}
		if s.owner[key] == c.id {
			delete(s.owner, key)
		}
	}
	c.mu.Unlock()
}

// dropRejected removes refused channels from c. The caller holds c.syncMu.
func (s *Set) dropRejected(c *Conn, channels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
		key := ownerKey{c.endpoint, ch}
		if s.owner[key] == c.id {
			delete(s.owner, key)
		}
	}
}

func (s *Set) reportRejected(c *Conn, channels []string, cause *ProtocolError) {
	c.logger.Warn("channels rejected", "channels", channels, "error", cause)

	s.mu.RLock()
	fn := s.hooks.OnRejected
	s.mu.RUnlock()
	if fn != nil {
		fn(c.id, c.endpoint, channels, cause)
	}
}

func (s *Set) deliver(f Frame) {
	if fn := s.hooks.OnFrame; fn != nil {
		fn(f)
	}
}

func (s *Set) emit(e events.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.sink.Emit(e)
}

func (s *Set) capacityFreed() {
	select {
	case s.freed <- struct{}{}:
	default:
	}
}
