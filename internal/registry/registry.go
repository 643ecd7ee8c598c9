package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/binance-ws/internal/connection"
	"github.com/rickgao/binance-ws/internal/delivery"
	"github.com/rickgao/binance-ws/internal/events"
)

var (
	ErrUnknownStream = errors.New("unknown stream")
	ErrStreamStopped = errors.New("stream stopped")
	ErrClosed        = errors.New("registry closed")
)

// DefaultQueueCapacity bounds a stream's delivery queue unless overridden.
const DefaultQueueCapacity = 10000

// Connections is the part of a connection.Set the registry drives.
type Connections interface {
	Limit(endpoint string) (int, error)
	Assign(endpoint string, channels []string) (int, error)
	Reserve(connID int, channels []string) error
	// Unassign drops channels at once and returns the func that settles the
	// change on the wire.
	Unassign(connID int, channels []string) func(context.Context) error
	BatchSubscribe(ctx context.Context, connID int, channels []string) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEvents sets the event sink.
func WithEvents(sink events.Sink) Option {
	return func(r *Registry) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithQueueCapacity sets the default per-stream queue capacity.
func WithQueueCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueCap = n
		}
	}
}

type claimKey struct {
	endpoint string
	channel  string
}

type routeKey struct {
	connID  int
	channel string
}

// Registry owns every stream and decides where its channels live.
//
// Mutating calls (Create, Stop, Resize, RetryPending) commit their placement
// under opMu and wait on the wire after releasing it. They never hold mu
// while calling into Connections. The connection hooks (Route,
// ConnectionClosed, Rejected) take only mu.
type Registry struct {
	conns    Connections
	logger   *slog.Logger
	sink     events.Sink
	queueCap int

	opMu sync.Mutex
	bg   sync.WaitGroup

	mu      sync.RWMutex
	streams map[string]*stream
	claims  map[claimKey]string // PENDING and ACTIVE streams
	routes  map[routeKey]string // ACTIVE streams only
	order   uint64
	closed  bool
}

// New creates a Registry placing streams through conns.
func New(conns Connections, opts ...Option) *Registry {
	r := &Registry{
		conns:    conns,
		logger:   slog.Default(),
		sink:     events.Discard,
		queueCap: DefaultQueueCapacity,
		streams:  make(map[string]*stream),
		claims:   make(map[claimKey]string),
		routes:   make(map[routeKey]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a stream over channels and places it on a connection.
// When no connection has room it returns the new id together with
// connection.ErrCapacityExceeded and the stream waits as PENDING. Channels the
// exchange refuses stop the stream; the id is returned with a ValidationError.
// Create waits for the subscribe acks; stopping the stream ends that wait.
func (r *Registry) Create(ctx context.Context, endpoint string, channels []string, opts Options) (string, error) {
	norm, err := r.validate(endpoint, channels)
	if err != nil {
		return "", err
	}

	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = r.queueCap
	}

	r.opMu.Lock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.opMu.Unlock()
		return "", ErrClosed
	}
	if err := r.checkClaimsLocked(endpoint, "", norm); err != nil {
		r.mu.Unlock()
		r.opMu.Unlock()
		return "", err
	}
	r.order++
	sctx, cancel := context.WithCancel(context.Background())
	st := &stream{
		id:       uuid.NewString(),
		label:    opts.Label,
		endpoint: endpoint,
		channels: norm,
		state:    StatePending,
		created:  time.Now(),
		order:    r.order,
		queue:    delivery.NewQueue[delivery.Entry](capacity),
		ctx:      sctx,
		cancel:   cancel,
	}
	r.streams[st.id] = st
	r.claimLocked(st, norm)
	r.mu.Unlock()

	r.emit(events.Event{Type: events.StreamCreated, StreamID: st.id, Endpoint: endpoint, Count: len(norm)})

	connID, err := r.place(st)
	if err != nil {
		if errors.Is(err, connection.ErrCapacityExceeded) {
			r.opMu.Unlock()
			r.emit(events.Event{Type: events.StreamPending, StreamID: st.id, Endpoint: endpoint, Err: err})
			return st.id, err
		}
		r.mu.Lock()
		r.stopLocked(st, err)
		delete(r.streams, st.id)
		r.mu.Unlock()
		r.opMu.Unlock()
		return "", err
	}
	r.opMu.Unlock()

	if connID != 0 {
		r.subscribe(ctx, st, connID, norm)
	}
	return st.id, r.stopCause(st)
}

// Stop releases the stream's channels, closes its queue and forgets it.
// An in-flight subscribe for the stream is cancelled. Stopping an unknown or
// already stopped stream is a no-op.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.opMu.Lock()
	r.mu.Lock()
	st, ok := r.streams[id]
	if !ok {
		r.mu.Unlock()
		r.opMu.Unlock()
		return nil
	}
	delete(r.streams, id)
	prev, connID, channels := st.state, st.connID, st.channels
	if prev != StateStopped {
		r.stopLocked(st, nil)
	}
	r.mu.Unlock()

	var finish func(context.Context) error
	if prev == StateActive {
		finish = r.conns.Unassign(connID, channels)
	}
	r.opMu.Unlock()

	if prev == StateStopped {
		return nil
	}
	r.emit(events.Event{Type: events.StreamStopped, StreamID: id, ConnID: connID, Endpoint: st.endpoint})

	if finish != nil {
		return finish(ctx)
	}
	return nil
}

// Resize replaces the stream's channel set, sending only the difference to
// the exchange. Growth that does not fit the stream's connection fails with
// connection.ErrCapacityExceeded and leaves the stream unchanged.
func (r *Registry) Resize(ctx context.Context, id string, channels []string) error {
	r.mu.RLock()
	st, ok := r.streams[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}

	norm, err := r.validate(st.endpoint, channels)
	if err != nil {
		return err
	}

	r.opMu.Lock()
	r.mu.Lock()
	if r.streams[id] != st {
		r.mu.Unlock()
		r.opMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	if st.state == StateStopped {
		r.mu.Unlock()
		r.opMu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamStopped, id)
	}
	if err := r.checkClaimsLocked(st.endpoint, st.id, norm); err != nil {
		r.mu.Unlock()
		r.opMu.Unlock()
		return err
	}
	added, removed := delta(st.channels, norm)
	if st.state == StatePending {
		r.unclaimLocked(st, removed)
		r.claimLocked(st, added)
		st.channels = norm
		r.mu.Unlock()
		r.opMu.Unlock()
		return nil
	}
	connID := st.connID
	r.mu.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		r.opMu.Unlock()
		return nil
	}
	if len(added) > 0 {
		if err := r.conns.Reserve(connID, added); err != nil {
			r.opMu.Unlock()
			return err
		}
	}

	r.mu.Lock()
	if st.state != StateActive {
		r.mu.Unlock()
		r.releaseAsync(connID, added)
		r.opMu.Unlock()
		return r.stopCause(st)
	}
	r.unclaimLocked(st, removed)
	r.unrouteLocked(st, removed)
	r.claimLocked(st, added)
	r.routeLocked(st, added)
	st.channels = norm
	r.mu.Unlock()

	var finish func(context.Context) error
	if len(removed) > 0 {
		finish = r.conns.Unassign(connID, removed)
	}
	r.opMu.Unlock()

	if finish != nil {
		if err := finish(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}
	if len(added) > 0 {
		r.subscribe(ctx, st, connID, added)
	}
	return r.stopCause(st)
}

// RetryPending places PENDING streams in creation order until one does not
// fit, and returns how many became ACTIVE. It does not wait for the exchange:
// the subscribes run in the background until acknowledged, ctx ends or the
// stream stops.
func (r *Registry) RetryPending(ctx context.Context) int {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return 0
	}
	var pending []*stream
	for _, st := range r.streams {
		if st.state == StatePending {
			pending = append(pending, st)
		}
	}
	r.mu.RUnlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].order < pending[j].order })

	promoted := 0
	for _, st := range pending {
		if ctx.Err() != nil {
			break
		}
		connID, err := r.place(st)
		if errors.Is(err, connection.ErrCapacityExceeded) {
			break
		}
		if err != nil {
			r.mu.Lock()
			r.stopLocked(st, err)
			r.mu.Unlock()
			r.emit(events.Event{Type: events.StreamStopped, StreamID: st.id, Endpoint: st.endpoint, Err: err})
			continue
		}
		if connID == 0 {
			continue
		}
		promoted++

		r.mu.RLock()
		channels := st.channels
		r.mu.RUnlock()
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			r.subscribe(ctx, st, connID, channels)
		}()
	}
	return promoted
}

// place assigns a PENDING stream to a connection and routes its channels.
// It returns 0 when the stream stopped while being assigned. The caller
// holds opMu.
func (r *Registry) place(st *stream) (int, error) {
	r.mu.RLock()
	channels := st.channels
	r.mu.RUnlock()

	connID, err := r.conns.Assign(st.endpoint, channels)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	if st.state != StatePending {
		// The connection failed or refused a channel before we got here.
		r.mu.Unlock()
		r.releaseAsync(connID, channels)
		return 0, nil
	}
	st.state = StateActive
	st.connID = connID
	r.routeLocked(st, channels)
	r.mu.Unlock()

	r.emit(events.Event{Type: events.StreamActive, StreamID: st.id, ConnID: connID, Endpoint: st.endpoint, Count: len(channels)})
	return connID, nil
}

// subscribe waits for channels to reach the wire. The wait ends early when
// the stream stops. Failures other than refusals are the connection's to
// recover from.
func (r *Registry) subscribe(ctx context.Context, st *stream, connID int, channels []string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(st.ctx, cancel)
	defer stop()

	if err := r.conns.BatchSubscribe(ctx, connID, channels); err != nil {
		r.logger.Debug("subscribe deferred to reconnect",
			"stream_id", st.id,
			"conn_id", connID,
			"error", err,
		)
	}
}

// releaseAsync hands channels back without waiting on the wire. It may run
// on a connection's own resync goroutine, which must not wait for that
// connection to shut down.
func (r *Registry) releaseAsync(connID int, channels []string) {
	finish := r.conns.Unassign(connID, channels)
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		if err := finish(context.Background()); err != nil {
			r.logger.Debug("release failed", "conn_id", connID, "error", err)
		}
	}()
}

// Close stops every stream and waits for background releases.
func (r *Registry) Close() {
	r.opMu.Lock()
	r.mu.Lock()
	r.closed = true
	var stopped []*stream
	for _, st := range r.streams {
		if st.state != StateStopped {
			r.stopLocked(st, nil)
			stopped = append(stopped, st)
		}
	}
	r.mu.Unlock()
	r.opMu.Unlock()

	for _, st := range stopped {
		r.emit(events.Event{Type: events.StreamStopped, StreamID: st.id, Endpoint: st.endpoint})
	}
	r.bg.Wait()
}

// Get returns a snapshot of one stream.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.streams[id]
	if !ok {
		return Info{}, false
	}
	return st.info(), true
}

// ByLabel returns the oldest stream carrying label.
func (r *Registry) ByLabel(label string) (Info, bool) {
	for _, info := range r.List() {
		if info.Label == label {
			return info, true
		}
	}
	return Info{}, false
}

// List returns every known stream in creation order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	all := make([]*stream, 0, len(r.streams))
	for _, st := range r.streams {
		all = append(all, st)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].order < all[j].order })
	infos := make([]Info, 0, len(all))
	r.mu.RLock()
	for _, st := range all {
		infos = append(infos, st.info())
	}
	r.mu.RUnlock()
	return infos
}

// Counts returns the number of streams per state.
func (r *Registry) Counts() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[State]int)
	for _, st := range r.streams {
		counts[st.state]++
	}
	return counts
}

// Queue returns the delivery queue of a stream.
func (r *Registry) Queue(id string) (*delivery.Queue[delivery.Entry], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.streams[id]
	if !ok {
		return nil, false
	}
	return st.queue, true
}

func (r *Registry) validate(endpoint string, channels []string) ([]string, error) {
	norm, err := Normalize(channels)
	if err != nil {
		return nil, err
	}
	limit, err := r.conns.Limit(endpoint)
	if err != nil {
		return nil, &ValidationError{Reason: "unknown endpoint " + endpoint, Err: err}
	}
	if limit > 0 && len(norm) > limit {
		return nil, &ValidationError{Reason: fmt.Sprintf("%d channels exceed the limit of %d per connection", len(norm), limit)}
	}
	return norm, nil
}

// checkClaimsLocked rejects channels already carried by another live stream.
func (r *Registry) checkClaimsLocked(endpoint, self string, channels []string) error {
	for _, ch := range channels {
		if id, ok := r.claims[claimKey{endpoint, ch}]; ok && id != self {
			return &ValidationError{Channel: ch, Reason: "already carried by stream " + id}
		}
	}
	return nil
}

func (r *Registry) claimLocked(st *stream, channels []string) {
	for _, ch := range channels {
		r.claims[claimKey{st.endpoint, ch}] = st.id
	}
}

func (r *Registry) unclaimLocked(st *stream, channels []string) {
	for _, ch := range channels {
		key := claimKey{st.endpoint, ch}
		if r.claims[key] == st.id {
			delete(r.claims, key)
		}
	}
}

func (r *Registry) routeLocked(st *stream, channels []string) {
	for _, ch := range channels {
		r.routes[routeKey{st.connID, ch}] = st.id
	}
}

func (r *Registry) unrouteLocked(st *stream, channels []string) {
	for _, ch := range channels {
		key := routeKey{st.connID, ch}
		if r.routes[key] == st.id {
			delete(r.routes, key)
		}
	}
}

// stopLocked moves st to STOPPED. cause is nil for a caller's stop.
func (r *Registry) stopLocked(st *stream, cause error) {
	r.unclaimLocked(st, st.channels)
	if st.state == StateActive {
		r.unrouteLocked(st, st.channels)
	}
	st.state = StateStopped
	st.err = cause
	st.queue.Close()
	st.cancel()
}

// stopCause returns why st was stopped by the system, if it was.
func (r *Registry) stopCause(st *stream) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st.state == StateStopped {
		return st.err
	}
	return nil
}

func (r *Registry) emit(e events.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.sink.Emit(e)
}
