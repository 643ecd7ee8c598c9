package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/binance-ws/internal/config"
	"github.com/rickgao/binance-ws/internal/connection"
	"github.com/rickgao/binance-ws/internal/connection/conntest"
	"github.com/rickgao/binance-ws/internal/delivery"
	"github.com/rickgao/binance-ws/internal/endpoint"
	"github.com/rickgao/binance-ws/internal/events"
	"github.com/rickgao/binance-ws/internal/registry"
)

const waitTimeout = 3 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) of(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type healthLog struct {
	mu      sync.Mutex
	reports []HealthSummary
}

func (h *healthLog) ReportHealth(s HealthSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, s)
}

func (h *healthLog) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reports)
}

func (h *healthLog) last() (HealthSummary, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reports) == 0 {
		return HealthSummary{}, false
	}
	return h.reports[len(h.reports)-1], true
}

// fakeKeys hands out numbered listen keys and records what happens to them.
type fakeKeys struct {
	mu        sync.Mutex
	created   []string
	kept      map[string]int
	closed    []string
	createErr error
}

func newFakeKeys() *fakeKeys { return &fakeKeys{kept: make(map[string]int)} }

func (f *fakeKeys) CreateListenKey(_ context.Context, ep endpoint.Endpoint, symbol string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	key := "listenkey" + string(rune('a'+len(f.created)))
	f.created = append(f.created, key)
	return key, nil
}

func (f *fakeKeys) KeepAliveListenKey(_ context.Context, _ endpoint.Endpoint, _, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kept[key]++
	return nil
}

func (f *fakeKeys) CloseListenKey(_ context.Context, _ endpoint.Endpoint, _, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, key)
	return nil
}

func (f *fakeKeys) keptCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kept[key]
}

func (f *fakeKeys) closedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func testConfig(ex *conntest.Exchange) *config.Config {
	cfg := config.Default()
	cfg.Endpoints = map[string]config.EndpointConfig{
		"mock": {WSURL: ex.URL()},
	}
	cc := &cfg.Connections
	cc.MaxChannelsPerConn = 2
	cc.FrameSize = 1
	cc.MaxConnections = 10
	cc.HandshakeTimeout = time.Second
	cc.SubscribeTimeout = time.Second
	cc.PingInterval = 30 * time.Second
	cc.PongTimeout = time.Minute
	cc.ReconnectBaseDelay = 20 * time.Millisecond
	cc.ReconnectMaxDelay = 200 * time.Millisecond
	cc.BackoffJitter = -1
	cc.MaxReconnectAttempts = 5
	cfg.Watchdog.Interval = time.Hour
	return cfg
}

type fixture struct {
	m      *Manager
	ex     *conntest.Exchange
	events *recorder
}

func newFixture(t *testing.T, mutate func(*config.Config), opts ...Option) *fixture {
	t.Helper()
	ex := conntest.NewExchange(t)
	cfg := testConfig(ex)
	if mutate != nil {
		mutate(cfg)
	}

	rec := &recorder{}
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithEvents(rec),
	}, opts...)
	m, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return &fixture{m: m, ex: ex, events: rec}
}

func (f *fixture) create(t *testing.T, channels ...string) string {
	t.Helper()
	id, err := f.m.CreateStream(context.Background(), "mock", channels, StreamOptions{})
	if err != nil {
		t.Fatalf("CreateStream(%v) failed: %v", channels, err)
	}
	return id
}

func (f *fixture) waitState(t *testing.T, id string, want registry.State) registry.Info {
	t.Helper()
	var info registry.Info
	conntest.WaitFor(t, waitTimeout, "stream "+want.String(), func() bool {
		var ok bool
		info, ok = f.m.Stream(id)
		return ok && info.State == want
	})
	return info
}

func TestManager_StartNotLicensed(t *testing.T) {
	ex := conntest.NewExchange(t)
	denied := LicenserFunc(func(context.Context) error { return errors.New("license expired") })

	m, err := New(testConfig(ex), WithLicenser(denied))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown(context.Background())

	if err := m.Start(context.Background()); !errors.Is(err, ErrNotLicensed) {
		t.Fatalf("Start() = %v, want ErrNotLicensed", err)
	}
	if _, err := m.CreateStream(context.Background(), "mock", []string{"btcusdt@trade"}, StreamOptions{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("CreateStream before start = %v, want ErrNotStarted", err)
	}
	if ex.Accepted() != 0 {
		t.Errorf("exchange accepted %d sockets, want 0", ex.Accepted())
	}
}

func TestManager_NewRejectsBadEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Endpoints = map[string]config.EndpointConfig{"bad": {WSURL: "http://example.test/"}}
	if _, err := New(cfg); err == nil {
		t.Fatal("New() expected error for non-websocket endpoint")
	}
}

// Two channels against a two-channel limit on a fresh endpoint: one
// connection, two acknowledged subscribe frames, state OPEN.
func TestManager_CreateStreamOpensOneConnection(t *testing.T) {
	f := newFixture(t, nil)

	id := f.create(t, "btcusdt@trade", "ethusdt@trade")
	info := f.waitState(t, id, registry.StateActive)

	conns := f.m.Connections()
	if len(conns) != 1 {
		t.Fatalf("Connections() = %d, want 1", len(conns))
	}
	c := conns[0]
	if c.ID != info.ConnID {
		t.Errorf("stream conn = %d, connection id = %d", info.ConnID, c.ID)
	}
	if c.State != connection.StateOpen {
		t.Errorf("connection state = %v, want OPEN", c.State)
	}
	if c.Subscribed != 2 {
		t.Errorf("Subscribed = %d, want 2", c.Subscribed)
	}
	if got := f.ex.CountMethod("SUBSCRIBE"); got != 2 {
		t.Errorf("SUBSCRIBE frames = %d, want 2", got)
	}
	if got := f.ex.Subscribed(); !reflect.DeepEqual(got, []string{"btcusdt@trade", "ethusdt@trade"}) {
		t.Errorf("exchange subscriptions = %v", got)
	}
	if f.ex.Accepted() != 1 {
		t.Errorf("exchange accepted %d sockets, want 1", f.ex.Accepted())
	}
}

func TestManager_CreateStreamValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.m.CreateStream(context.Background(), "mock", []string{"btc usdt@trade"}, StreamOptions{})
	var verr *registry.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("CreateStream(malformed) = %v, want *ValidationError", err)
	}

	_, err = f.m.CreateStream(context.Background(), "nowhere", []string{"btcusdt@trade"}, StreamOptions{})
	if !errors.As(err, &verr) {
		t.Errorf("CreateStream(unknown endpoint) = %v, want *ValidationError", err)
	}

	_, err = f.m.CreateStream(context.Background(), "mock", []string{"a@trade", "b@trade", "c@trade"}, StreamOptions{})
	if !errors.As(err, &verr) {
		t.Errorf("CreateStream(over limit) = %v, want *ValidationError", err)
	}
	if len(f.m.Streams()) != 0 {
		t.Errorf("Streams() = %d, want 0 after rejected creates", len(f.m.Streams()))
	}
}

func TestManager_MessagesPreserveOrder(t *testing.T) {
	f := newFixture(t, nil)

	id := f.create(t, "btcusdt@trade")
	f.waitState(t, id, registry.StateActive)

	for i := 0; i < 5; i++ {
		if n := f.ex.Push("btcusdt@trade", `{"t":`+string(rune('0'+i))+`}`); n != 1 {
			t.Fatalf("Push reached %d sockets, want 1", n)
		}
	}
	conntest.WaitFor(t, waitTimeout, "5 queued", func() bool {
		info, _ := f.m.Stream(id)
		return info.Queue.Count == 5
	})

	var got []delivery.Entry
	for e := range f.m.Messages(id) {
		got = append(got, e)
	}
	if len(got) != 5 {
		t.Fatalf("Messages() yielded %d entries, want 5", len(got))
	}
	for i, e := range got {
		if e.Seq != got[0].Seq+uint64(i) {
			t.Errorf("entry %d seq = %d, want %d", i, e.Seq, got[0].Seq+uint64(i))
		}
		if want := `{"t":` + string(rune('0'+i)) + `}`; string(e.Payload) != want {
			t.Errorf("entry %d payload = %s, want %s", i, e.Payload, want)
		}
		if e.StreamID != id || e.Channel != "btcusdt@trade" {
			t.Errorf("entry %d = %+v", i, e)
		}
	}

	// A second pass only sees what arrived since.
	for range f.m.Messages(id) {
		t.Fatal("Messages() yielded an entry from an empty queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	go f.ex.Push("btcusdt@trade", `{"t":9}`)
	e, err := f.m.Next(ctx, id)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(e.Payload) != `{"t":9}` {
		t.Errorf("Next payload = %s", e.Payload)
	}

	if _, err := f.m.Next(ctx, "missing"); !errors.Is(err, registry.ErrUnknownStream) {
		t.Errorf("Next(missing) = %v, want ErrUnknownStream", err)
	}
	for range f.m.Messages("missing") {
		t.Fatal("Messages(missing) yielded an entry")
	}
}

func TestManager_ResizeIsIdempotent(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Connections.MaxChannelsPerConn = 4
	})

	id := f.create(t, "a@trade", "b@trade")
	f.waitState(t, id, registry.StateActive)

	target := []string{"b@trade", "c@trade", "d@trade"}
	if err := f.m.ResizeStream(context.Background(), id, target); err != nil {
		t.Fatalf("ResizeStream failed: %v", err)
	}
	conntest.WaitFor(t, waitTimeout, "resized on exchange", func() bool {
		return reflect.DeepEqual(f.ex.Subscribed(), target)
	})

	before := len(f.ex.Commands())
	if err := f.m.ResizeStream(context.Background(), id, target); err != nil {
		t.Fatalf("second ResizeStream failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if after := len(f.ex.Commands()); after != before {
		t.Errorf("second resize sent %d frames, want 0", after-before)
	}
	if got := f.ex.CountMethod("UNSUBSCRIBE"); got != 1 {
		t.Errorf("UNSUBSCRIBE frames = %d, want 1 (a@trade only)", got)
	}
}

// With every connection slot taken a new stream waits as PENDING and is
// promoted as soon as a connection closes.
func TestManager_CapacityExceededThenPromoted(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Connections.MaxConnections = 1
	})

	first := f.create(t, "a@trade", "b@trade")
	f.waitState(t, first, registry.StateActive)

	second, err := f.m.CreateStream(context.Background(), "mock", []string{"c@trade"}, StreamOptions{Label: "late"})
	if !errors.Is(err, connection.ErrCapacityExceeded) {
		t.Fatalf("CreateStream() = %v, want ErrCapacityExceeded", err)
	}
	if second == "" {
		t.Fatal("CreateStream() returned no id with ErrCapacityExceeded")
	}
	if info, _ := f.m.Stream(second); info.State != registry.StatePending {
		t.Fatalf("second stream state = %v, want PENDING", info.State)
	}
	if h := f.m.Health(); h.Healthy || h.Streams[registry.StatePending] != 1 {
		t.Errorf("Health() = %+v, want one pending stream and unhealthy", h)
	}

	if err := f.m.StopStream(context.Background(), first); err != nil {
		t.Fatalf("StopStream failed: %v", err)
	}

	info := f.waitState(t, second, registry.StateActive)
	if info.ConnID == 0 {
		t.Error("promoted stream has no connection")
	}
	conntest.WaitFor(t, waitTimeout, "c@trade subscribed", func() bool {
		return reflect.DeepEqual(f.ex.Subscribed(), []string{"c@trade"})
	})
	if byLabel, ok := f.m.StreamByLabel("late"); !ok || byLabel.ID != second {
		t.Errorf("StreamByLabel(late) = %+v, %v", byLabel, ok)
	}
}

// A silent connection is forced through DEGRADED and comes back with the
// same subscriptions.
func TestManager_StaleConnectionResubscribes(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Connections.PingInterval = 20 * time.Millisecond
		cfg.Connections.PongTimeout = 150 * time.Millisecond
		cfg.Connections.ReconnectBaseDelay = 50 * time.Millisecond
		cfg.Watchdog.Interval = 25 * time.Millisecond
	})

	id := f.create(t, "a@trade", "b@trade")
	info := f.waitState(t, id, registry.StateActive)
	f.ex.Freeze()

	conntest.WaitFor(t, waitTimeout, "reconnecting", func() bool {
		return len(f.events.of(events.ConnReconnecting)) > 0
	})
	if got := f.events.of(events.ConnReconnecting)[0].Delay; got != 50*time.Millisecond {
		t.Errorf("first backoff = %v, want base delay 50ms", got)
	}
	degraded := f.events.of(events.ConnDegraded)
	if len(degraded) == 0 || !errors.Is(degraded[0].Err, connection.ErrStaleConnection) {
		t.Fatalf("ConnDegraded = %+v, want ErrStaleConnection", degraded)
	}

	conntest.WaitFor(t, waitTimeout, "resubscribed", func() bool {
		for _, c := range f.m.Connections() {
			if c.ID == info.ConnID && c.Generation >= 2 && c.State == connection.StateOpen && c.Subscribed == 2 {
				return true
			}
		}
		return false
	})
	conntest.WaitFor(t, waitTimeout, "exchange resubscribed", func() bool {
		return reflect.DeepEqual(f.ex.Subscribed(), []string{"a@trade", "b@trade"})
	})
	if got, _ := f.m.Stream(id); got.State != registry.StateActive || got.ConnID != info.ConnID {
		t.Errorf("stream after reconnect = %+v", got)
	}
}

func TestManager_RestartConnection(t *testing.T) {
	f := newFixture(t, nil)

	id := f.create(t, "a@trade")
	info := f.waitState(t, id, registry.StateActive)

	if err := f.m.RestartConnection(info.ConnID); err != nil {
		t.Fatalf("RestartConnection failed: %v", err)
	}
	conntest.WaitFor(t, waitTimeout, "second socket", func() bool {
		return f.ex.Accepted() == 2 && reflect.DeepEqual(f.ex.Subscribed(), []string{"a@trade"})
	})
	if err := f.m.RestartConnection(999); !errors.Is(err, connection.ErrUnknownConn) {
		t.Errorf("RestartConnection(999) = %v, want ErrUnknownConn", err)
	}
}

func TestManager_ConnectionLostStopsStream(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Connections.MaxReconnectAttempts = 2
		cfg.Connections.ReconnectMaxDelay = 40 * time.Millisecond
	})

	id := f.create(t, "a@trade")
	f.waitState(t, id, registry.StateActive)

	f.ex.SetStatus(503)
	f.ex.DropAll()

	info := f.waitState(t, id, registry.StateStopped)
	if !errors.Is(info.Err, connection.ErrConnectionLost) {
		t.Errorf("stop reason = %v, want ErrConnectionLost", info.Err)
	}
	conntest.WaitFor(t, waitTimeout, "connection removed", func() bool {
		return len(f.m.Connections()) == 0
	})
	if _, err := f.m.Next(context.Background(), id); !errors.Is(err, delivery.ErrClosed) {
		t.Errorf("Next on stopped stream = %v, want ErrClosed", err)
	}
}

func TestManager_HealthReported(t *testing.T) {
	reports := &healthLog{}
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Watchdog.Interval = 20 * time.Millisecond
	}, WithHealthReporter(reports))

	id := f.create(t, "a@trade", "b@trade")
	f.waitState(t, id, registry.StateActive)

	conntest.WaitFor(t, waitTimeout, "healthy report", func() bool {
		h, ok := reports.last()
		return ok && h.Open == 1 && h.Channels == 2 && h.Healthy
	})
	h, _ := reports.last()
	if h.Streams[registry.StateActive] != 1 {
		t.Errorf("Streams = %v, want one ACTIVE", h.Streams)
	}
	if h.Degraded != 0 || h.Reconnecting != 0 {
		t.Errorf("Degraded=%d Reconnecting=%d, want 0", h.Degraded, h.Reconnecting)
	}
	if len(f.events.of(events.HealthReport)) == 0 {
		t.Error("no HealthReport events")
	}
}

func TestManager_DropsReported(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Watchdog.Interval = 20 * time.Millisecond
	})

	id, err := f.m.CreateStream(context.Background(), "mock", []string{"a@trade"}, StreamOptions{QueueCapacity: 2})
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	f.waitState(t, id, registry.StateActive)

	for i := 0; i < 5; i++ {
		f.ex.Push("a@trade", `{}`)
	}
	conntest.WaitFor(t, waitTimeout, "drops reported", func() bool {
		total := 0
		for _, e := range f.events.of(events.MessagesDropped) {
			total += e.Count
		}
		return total == 3
	})
	info, _ := f.m.Stream(id)
	if info.Queue.Count != 2 || info.Queue.Dropped != 3 {
		t.Errorf("queue stats = %+v, want 2 queued 3 dropped", info.Queue)
	}
}

func TestManager_UserDataStream(t *testing.T) {
	keys := newFakeKeys()
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Watchdog.ListenKeyKeepAlive = 20 * time.Millisecond
	}, WithListenKeys(keys))

	id := f.create(t, registry.UserData)
	info := f.waitState(t, id, registry.StateActive)
	if !reflect.DeepEqual(info.Channels, []string{"listenkeya"}) {
		t.Fatalf("channels = %v, want the listen key", info.Channels)
	}
	conntest.WaitFor(t, waitTimeout, "listen key subscribed", func() bool {
		return reflect.DeepEqual(f.ex.Subscribed(), []string{"listenkeya"})
	})

	if got := f.m.ActiveListenKeys(); len(got) != 1 || got[0].StreamID != id {
		t.Errorf("ActiveListenKeys() = %+v", got)
	}
	conntest.WaitFor(t, waitTimeout, "keepalive", func() bool {
		return keys.keptCount("listenkeya") > 0
	})

	// Resizing keeps the same key.
	if err := f.m.ResizeStream(context.Background(), id, []string{registry.UserData, "btcusdt@trade"}); err != nil {
		t.Fatalf("ResizeStream failed: %v", err)
	}
	if got, _ := f.m.Stream(id); !reflect.DeepEqual(got.Channels, []string{"listenkeya", "btcusdt@trade"}) {
		t.Errorf("channels after resize = %v", got.Channels)
	}

	if err := f.m.StopStream(context.Background(), id); err != nil {
		t.Fatalf("StopStream failed: %v", err)
	}
	if got := keys.closedKeys(); !reflect.DeepEqual(got, []string{"listenkeya"}) {
		t.Errorf("closed keys = %v, want [listenkeya]", got)
	}
	if len(f.m.ActiveListenKeys()) != 0 {
		t.Error("stopped stream still has an active listen key")
	}
}

func TestManager_UserDataWithoutKeySource(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.m.CreateStream(context.Background(), "mock", []string{registry.UserData}, StreamOptions{})
	if !errors.Is(err, ErrNoListenKeys) {
		t.Errorf("CreateStream(!userData) = %v, want ErrNoListenKeys", err)
	}
	var verr *registry.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("CreateStream(!userData) = %T, want *ValidationError", err)
	}
}

func TestManager_UserDataKeyClosedWhenCreateFails(t *testing.T) {
	keys := newFakeKeys()
	f := newFixture(t, nil, WithListenKeys(keys))

	f.create(t, "a@trade")
	// a@trade is already carried, so the create fails after the key exists.
	_, err := f.m.CreateStream(context.Background(), "mock", []string{registry.UserData, "a@trade"}, StreamOptions{})
	var verr *registry.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("CreateStream() = %v, want *ValidationError", err)
	}
	if got := keys.closedKeys(); !reflect.DeepEqual(got, []string{"listenkeya"}) {
		t.Errorf("closed keys = %v, want [listenkeya]", got)
	}
}

func TestManager_ShutdownTearsDown(t *testing.T) {
	f := newFixture(t, nil)

	id := f.create(t, "a@trade")
	f.waitState(t, id, registry.StateActive)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := f.m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if len(f.m.Connections()) != 0 {
		t.Errorf("Connections() = %d after shutdown, want 0", len(f.m.Connections()))
	}
	conntest.WaitFor(t, waitTimeout, "exchange sockets closed", func() bool {
		return f.ex.Live() == 0
	})
	if info, _ := f.m.Stream(id); info.State != registry.StateStopped {
		t.Errorf("stream state after shutdown = %v, want STOPPED", info.State)
	}
	if _, err := f.m.CreateStream(ctx, "mock", []string{"b@trade"}, StreamOptions{}); !errors.Is(err, ErrShutdown) {
		t.Errorf("CreateStream after shutdown = %v, want ErrShutdown", err)
	}
	if err := f.m.Start(ctx); !errors.Is(err, ErrShutdown) {
		t.Errorf("Start after shutdown = %v, want ErrShutdown", err)
	}
}

func TestManager_SubscriptionLimit(t *testing.T) {
	f := newFixture(t, nil)

	limit, err := f.m.SubscriptionLimit("mock")
	if err != nil {
		t.Fatalf("SubscriptionLimit failed: %v", err)
	}
	if limit != 2 {
		t.Errorf("SubscriptionLimit(mock) = %d, want 2", limit)
	}
	if _, err := f.m.SubscriptionLimit("nowhere"); !errors.Is(err, connection.ErrUnknownEndpoint) {
		t.Errorf("SubscriptionLimit(nowhere) = %v, want ErrUnknownEndpoint", err)
	}

	names := f.m.Endpoints()
	found := false
	for _, n := range names {
		if n == endpoint.Spot {
			found = true
		}
	}
	if !found {
		t.Errorf("Endpoints() = %v, missing %s", names, endpoint.Spot)
	}
}

// slowReconnects keeps a refused connection RECONNECTING for the whole test.
func slowReconnects(cfg *config.Config) {
	cfg.Connections.ReconnectBaseDelay = 300 * time.Millisecond
	cfg.Connections.ReconnectMaxDelay = 300 * time.Millisecond
	cfg.Connections.MaxReconnectAttempts = 20
}

func TestManager_StopNotBlockedBySubscribeWait(t *testing.T) {
	f := newFixture(t, slowReconnects)

	first := f.create(t, "a@trade")
	f.waitState(t, first, registry.StateActive)
	f.ex.SetStatus(503)
	f.ex.DropAll()

	created := make(chan error, 1)
	go func() {
		_, err := f.m.CreateStream(context.Background(), "mock", []string{"c@trade"}, StreamOptions{Label: "waiting"})
		created <- err
	}()
	var waiting registry.Info
	conntest.WaitFor(t, waitTimeout, "waiting stream placed", func() bool {
		var ok bool
		waiting, ok = f.m.StreamByLabel("waiting")
		return ok && waiting.State == registry.StateActive
	})

	start := time.Now()
	if err := f.m.StopStream(context.Background(), first); err != nil {
		t.Fatalf("StopStream(first) failed: %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("StopStream of an unrelated stream took %v", took)
	}

	if err := f.m.StopStream(context.Background(), waiting.ID); err != nil {
		t.Fatalf("StopStream(waiting) failed: %v", err)
	}
	select {
	case err := <-created:
		if err != nil {
			t.Errorf("CreateStream = %v, want nil after stop", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CreateStream still waiting after its stream stopped")
	}
}

func TestManager_WatchdogTicksWhileReconnecting(t *testing.T) {
	reports := &healthLog{}
	f := newFixture(t, func(cfg *config.Config) {
		slowReconnects(cfg)
		cfg.Connections.MaxConnections = 1
		cfg.Watchdog.Interval = 20 * time.Millisecond
	}, WithHealthReporter(reports))

	first := f.create(t, "a@trade", "b@trade")
	f.waitState(t, first, registry.StateActive)
	second, err := f.m.CreateStream(context.Background(), "mock", []string{"c@trade"}, StreamOptions{})
	if !errors.Is(err, connection.ErrCapacityExceeded) {
		t.Fatalf("CreateStream() = %v, want ErrCapacityExceeded", err)
	}

	f.ex.SetStatus(503)
	if err := f.m.StopStream(context.Background(), first); err != nil {
		t.Fatalf("StopStream failed: %v", err)
	}
	f.waitState(t, second, registry.StateActive)
	conntest.WaitFor(t, waitTimeout, "promoted connection reconnecting", func() bool {
		h, ok := reports.last()
		return ok && h.Reconnecting == 1
	})

	before := reports.count()
	conntest.WaitFor(t, time.Second, "health reports keep coming", func() bool {
		return reports.count() >= before+5
	})
}
