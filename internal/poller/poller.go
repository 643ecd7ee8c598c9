package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/binance-ws/internal/endpoint"
)

// ListenKey is one user data stream key to keep alive.
type ListenKey struct {
	StreamID string
	Endpoint endpoint.Endpoint
	Symbol   string // isolated margin only
	Key      string
}

// KeySource provides the listen keys to keep alive.
type KeySource interface {
	ActiveListenKeys() []ListenKey
}

// KeepAliver extends a listen key on the exchange.
type KeepAliver interface {
	KeepAliveListenKey(ctx context.Context, ep endpoint.Endpoint, symbol, key string) error
}

// FailureHandler is told about keys that could not be kept alive.
type FailureHandler interface {
	HandleKeepAliveFailure(key ListenKey, err error)
}

// FailureHandlerFunc is a function adapter for FailureHandler.
type FailureHandlerFunc func(ListenKey, error)

func (f FailureHandlerFunc) HandleKeepAliveFailure(key ListenKey, err error) {
	f(key, err)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Keepalive interval (default: 30m, keys expire after 60m)
	Concurrency int           // Max concurrent requests (default: 10)
	Timeout     time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Minute,
		Concurrency: 10,
		Timeout:     10 * time.Second,
	}
}

// Poller periodically keeps user data listen keys alive via the REST API.
type Poller struct {
	cfg     Config
	client  KeepAliver
	keys    KeySource
	handler FailureHandler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, client KeepAliver, keys KeySource, handler FailureHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:     cfg,
		client:  client,
		keys:    keys,
		handler: handler,
		logger:  logger,
	}
}

// Start begins the keepalive loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("listen key poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("listen key poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main polling loop. Keys are fresh when created, so the first
// keepalive waits a full interval.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

// pollAll keeps every active listen key alive concurrently.
func (p *Poller) pollAll() {
	start := time.Now()

	keys := p.keys.ActiveListenKeys()
	if len(keys) == 0 {
		p.logger.Debug("no listen keys to keep alive")
		return
	}

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var renewed, errors atomic.Int64

	for _, key := range keys {
		wg.Add(1)
		go func(key ListenKey) {
			defer wg.Done()

			// Acquire semaphore slot.
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-p.ctx.Done():
				return
			}

			if err := p.pollKey(key); err != nil {
				p.logger.Warn("failed to keep listen key alive",
					"stream_id", key.StreamID,
					"endpoint", key.Endpoint.Name,
					"err", err,
				)
				errors.Add(1)
				if p.handler != nil {
					p.handler.HandleKeepAliveFailure(key, err)
				}
				return
			}

			renewed.Add(1)
		}(key)
	}

	wg.Wait()

	p.logger.Info("keepalive cycle complete",
		"keys", len(keys),
		"renewed", renewed.Load(),
		"errors", errors.Load(),
		"duration", time.Since(start),
	)
}

// pollKey renews a single listen key.
func (p *Poller) pollKey(key ListenKey) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	return p.client.KeepAliveListenKey(ctx, key.Endpoint, key.Symbol, key.Key)
}
