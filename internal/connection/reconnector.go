package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rickgao/binance-ws/internal/events"
)

// run supervises the connection until ctx is cancelled or reconnect attempts
// are exhausted. It is the only goroutine that replaces c.client.
func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	bo := c.set.newBackOff()

	for {
		c.setState(StateConnecting)

		client, err := c.dial(ctx)
		if err == nil {
			err = c.serve(ctx, client, bo)
		} else if ctx.Err() == nil {
			var terr *TransportError
			if errors.As(err, &terr) && terr.IsAuthFailure() {
				c.finish(fmt.Errorf("%w: %w", ErrConnectionLost, err))
				return
			}
			c.mu.Lock()
			c.failures++
			c.mu.Unlock()
			c.logger.Warn("connect failed", "error", err)
		}

		if ctx.Err() != nil {
			c.finish(nil)
			return
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		if limit := c.set.cfg.MaxReconnectAttempts; limit > 0 && attempts > limit {
			c.finish(fmt.Errorf("%w: gave up after %d attempts: %w", ErrConnectionLost, limit, err))
			return
		}

		delay := bo.NextBackOff()
		c.mu.Lock()
		c.transitionLocked(StateReconnecting)
		c.lastBackoff = delay
		c.mu.Unlock()

		c.set.emit(events.Event{
			Type:     events.ConnReconnecting,
			ConnID:   c.id,
			Endpoint: c.endpoint,
			Count:    attempts,
			Delay:    delay,
			Err:      err,
		})

		if !sleep(ctx, delay) {
			c.finish(nil)
			return
		}
	}
}

// dial opens a new physical socket, bounded by the set's dial semaphore.
func (c *Conn) dial(ctx context.Context) (Client, error) {
	if sem := c.set.dials; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer sem.Release(1)
	}

	cfg := c.set.cfg.Client
	cfg.URL = c.url
	client := c.set.factory(cfg, c.logger)
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// serve runs the receive loop of one socket. It returns the reason the
// socket was given up; the connection is DEGRADED (or shutting down) on return.
func (c *Conn) serve(ctx context.Context, client Client, bo *backoff.ExponentialBackOff) error {
	gen := c.opened(client)

	subCtx, cancel := context.WithCancel(ctx)
	resynced := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resynced <- c.sync(subCtx)
	}()

	cause := c.receive(ctx, client, gen, bo, resynced)

	if ctx.Err() == nil {
		c.setState(StateDegraded)
		c.set.emit(events.Event{Type: events.ConnDegraded, ConnID: c.id, Endpoint: c.endpoint, Err: cause})
	}
	cancel()
	client.Close()
	c.failPending(fmt.Errorf("%w: %w", ErrNotConnected, cause))
	wg.Wait()

	return cause
}

func (c *Conn) receive(ctx context.Context, client Client, gen uint64, bo *backoff.ExponentialBackOff, resynced <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case k := <-c.kick:
			if k.generation != gen {
				continue
			}
			return k.err

		case err := <-client.Errors():
			c.mu.Lock()
			c.failures++
			c.mu.Unlock()
			return err

		case err := <-resynced:
			resynced = nil
			if err != nil {
				return fmt.Errorf("resubscribe: %w", err)
			}
			n := c.healthy(bo)
			c.set.emit(events.Event{Type: events.Resubscribed, ConnID: c.id, Endpoint: c.endpoint, Count: n})

		case msg := <-client.Messages():
			c.handle(msg)
		}
	}
}

// opened switches to OPEN on a fresh socket and returns its generation.
func (c *Conn) opened(client Client) uint64 {
	c.mu.Lock()
	c.client = client
	c.transitionLocked(StateOpen)
	c.generation++
	c.seq = 0
	c.gapPending = c.generation > 1
	c.wire = make(map[string]struct{})
	c.lastActivity = time.Now()
	gen := c.generation
	n := len(c.channels)
	c.mu.Unlock()

	// Discard restart requests aimed at the previous socket.
	select {
	case <-c.kick:
	default:
	}

	c.set.emit(events.Event{Type: events.ConnOpened, ConnID: c.id, Endpoint: c.endpoint, Count: n})
	return gen
}

// healthy resets failure accounting once the socket carries its full channel set.
func (c *Conn) healthy(bo *backoff.ExponentialBackOff) int {
	bo.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
	c.failures = 0
	return len(c.wire)
}

// finish moves the connection to CLOSED and removes it from the set.
// err is nil on an explicit stop.
func (c *Conn) finish(err error) {
	c.mu.Lock()
	c.transitionLocked(StateClosed)
	channels := sortedKeys(c.channels)
	c.mu.Unlock()

	c.set.remove(c)

	if err != nil {
		c.set.emit(events.Event{Type: events.ConnLost, ConnID: c.id, Endpoint: c.endpoint, Count: len(channels), Err: err})
		if fn := c.set.hooks.OnClosed; fn != nil {
			fn(c.id, c.endpoint, channels, err)
		}
	} else {
		c.set.emit(events.Event{Type: events.ConnClosed, ConnID: c.id, Endpoint: c.endpoint})
	}
	c.set.capacityFreed()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Set) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectBaseDelay
	b.Multiplier = 2
	b.MaxInterval = s.cfg.ReconnectMaxDelay
	b.RandomizationFactor = s.cfg.BackoffJitter
	b.Reset()
	return b
}
