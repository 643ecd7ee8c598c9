package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/binance-ws/internal/config"
	"github.com/rickgao/binance-ws/internal/connection"
	"github.com/rickgao/binance-ws/internal/endpoint"
	"github.com/rickgao/binance-ws/internal/events"
	"github.com/rickgao/binance-ws/internal/poller"
	"github.com/rickgao/binance-ws/internal/registry"
)

var (
	ErrNotLicensed = errors.New("not licensed")
	ErrNotStarted  = errors.New("manager not started")
	ErrShutdown    = errors.New("manager shut down")
)

// Licenser is consulted once when the manager starts. A non-nil error
// refuses startup.
type Licenser interface {
	CheckLicense(ctx context.Context) error
}

// LicenserFunc is a function adapter for Licenser.
type LicenserFunc func(ctx context.Context) error

func (f LicenserFunc) CheckLicense(ctx context.Context) error { return f(ctx) }

// AllowAll grants every start.
var AllowAll Licenser = LicenserFunc(func(context.Context) error { return nil })

// ListenKeySource opens, renews and closes user data stream listen keys.
type ListenKeySource interface {
	CreateListenKey(ctx context.Context, ep endpoint.Endpoint, symbol string) (string, error)
	KeepAliveListenKey(ctx context.Context, ep endpoint.Endpoint, symbol, key string) error
	CloseListenKey(ctx context.Context, ep endpoint.Endpoint, symbol, key string) error
}

// HealthReporter receives the watchdog's summary on every tick.
type HealthReporter interface {
	ReportHealth(HealthSummary)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEvents adds an event sink. Events are always logged as well.
func WithEvents(sink events.Sink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.sinks = append(m.sinks, sink)
		}
	}
}

// WithLicenser sets the startup licensing check. The default is AllowAll.
func WithLicenser(l Licenser) Option {
	return func(m *Manager) {
		if l != nil {
			m.licenser = l
		}
	}
}

// WithListenKeys enables "!userData" channels.
func WithListenKeys(src ListenKeySource) Option {
	return func(m *Manager) {
		m.keys = src
	}
}

// WithHealthReporter sets the receiver of periodic health summaries.
func WithHealthReporter(r HealthReporter) Option {
	return func(m *Manager) {
		m.reporter = r
	}
}

// WithClientFactory replaces the websocket client constructor.
func WithClientFactory(f connection.ClientFactory) Option {
	return func(m *Manager) {
		m.factory = f
	}
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateShutdown
)

// Manager is the entry point: it owns the connections, the streams and the
// watchdog that keeps them healthy.
type Manager struct {
	cfg       *config.Config
	endpoints *endpoint.Table
	set       *connection.Set
	reg       *registry.Registry
	logger    *slog.Logger
	sinks     events.Fanout
	licenser  Licenser
	keys      ListenKeySource
	reporter  HealthReporter
	factory   connection.ClientFactory
	keepalive *poller.Poller

	mu     sync.Mutex
	state  state
	cancel context.CancelFunc
	wg     sync.WaitGroup

	keysMu     sync.Mutex
	listenKeys map[string]poller.ListenKey // by stream id
}

// New builds a Manager from cfg. A nil cfg uses config.Default().
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	endpoints, err := cfg.EndpointTable()
	if err != nil {
		return nil, fmt.Errorf("endpoints: %w", err)
	}

	m := &Manager{
		cfg:        cfg,
		endpoints:  endpoints,
		logger:     slog.Default(),
		licenser:   AllowAll,
		listenKeys: make(map[string]poller.ListenKey),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sinks = append(events.Fanout{events.NewLogSink(m.logger)}, m.sinks...)

	m.set = connection.NewSet(cfg.ConnectionConfig(), endpoints,
		connection.WithLogger(m.logger),
		connection.WithEvents(m.sinks),
		connection.WithClientFactory(m.factory),
	)
	m.reg = registry.New(m.set,
		registry.WithLogger(m.logger),
		registry.WithEvents(m.sinks),
		registry.WithQueueCapacity(cfg.Delivery.QueueCapacity),
	)
	m.set.SetHooks(m.reg.Hooks())

	if m.keys != nil {
		keepAlive := cfg.Watchdog.ListenKeyKeepAlive
		if keepAlive <= 0 {
			keepAlive = config.DefaultListenKeyKeepAlive
		}
		m.keepalive = poller.New(poller.Config{
			Interval:    keepAlive,
			Concurrency: poller.DefaultConfig().Concurrency,
			Timeout:     cfg.API.Timeout,
		}, m.keys, m, poller.FailureHandlerFunc(m.keepAliveFailed), m.logger)
	}

	return m, nil
}

// Start consults the licenser and starts the watchdog. It may be called once.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateRunning:
		return nil
	case stateShutdown:
		return ErrShutdown
	}

	if err := m.licenser.CheckLicense(ctx); err != nil {
		if errors.Is(err, ErrNotLicensed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNotLicensed, err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watch(wctx)
	}()
	if m.keepalive != nil {
		if err := m.keepalive.Start(wctx); err != nil {
			cancel()
			return err
		}
	}

	m.state = stateRunning
	m.logger.Info("stream manager started",
		"endpoints", len(m.endpoints.Names()),
		"max_connections", m.cfg.Connections.MaxConnections,
		"watchdog_interval", m.cfg.Watchdog.Interval,
	)
	return nil
}

// Shutdown stops the watchdog, closes every connection and stops every
// stream. It returns once all workers have exited or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == stateShutdown {
		m.mu.Unlock()
		return nil
	}
	prev := m.state
	m.state = stateShutdown
	m.mu.Unlock()

	if prev == stateRunning {
		m.cancel()
		if m.keepalive != nil {
			if err := m.keepalive.Stop(ctx); err != nil {
				return fmt.Errorf("stop keepalive: %w", err)
			}
		}
		if err := waitGroup(ctx, &m.wg); err != nil {
			return fmt.Errorf("stop watchdog: %w", err)
		}
	}

	if err := m.set.Close(ctx); err != nil {
		return fmt.Errorf("close connections: %w", err)
	}
	m.reg.Close()
	m.closeListenKeys(ctx)

	m.logger.Info("stream manager stopped")
	return nil
}

func (m *Manager) running() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateNew:
		return ErrNotStarted
	case stateShutdown:
		return ErrShutdown
	}
	return nil
}

func (m *Manager) emit(e events.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m.sinks.Emit(e)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
