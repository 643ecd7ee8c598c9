package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	for name, e := range c.Endpoints {
		if e.MaxChannels < 0 {
			return fmt.Errorf("endpoints.%s.max_channels must be >= 0", name)
		}
	}

	if err := c.Connections.validate(); err != nil {
		return err
	}

	if c.Delivery.QueueCapacity < 1 {
		return errors.New("delivery.queue_capacity must be >= 1")
	}

	if c.Watchdog.Interval <= 0 {
		return errors.New("watchdog.interval must be > 0")
	}
	if c.Watchdog.ListenKeyKeepAlive <= 0 {
		return errors.New("watchdog.listen_key_keepalive must be > 0")
	}

	if c.Archive.Postgres.Enabled() {
		if err := c.Archive.Postgres.validate("archive.postgres"); err != nil {
			return err
		}
	}
	if c.Archive.Redis.MaxLen < 0 {
		return errors.New("archive.redis.max_len must be >= 0")
	}
	if c.Archive.BatchSize < 1 {
		return errors.New("archive.batch_size must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	archiving := c.Archive.Postgres.Enabled() || c.Archive.Redis.Enabled()
	for i, s := range c.Streams {
		if s.Endpoint == "" {
			return fmt.Errorf("streams[%d].endpoint is required", i)
		}
		if len(s.Channels) == 0 && len(s.Kinds) == 0 {
			return fmt.Errorf("streams[%d] needs channels or kinds", i)
		}
		if len(s.Kinds) > 0 && len(s.Markets) == 0 {
			return fmt.Errorf("streams[%d].markets is required with kinds", i)
		}
		if s.QueueCapacity < 0 {
			return fmt.Errorf("streams[%d].queue_capacity must be >= 0", i)
		}
		if s.Archive && !archiving {
			return fmt.Errorf("streams[%d].archive needs archive.postgres or archive.redis", i)
		}
	}

	return nil
}

func (cc *ConnectionsConfig) validate() error {
	if cc.MaxChannelsPerConn < 1 {
		return errors.New("connections.max_channels_per_conn must be >= 1")
	}
	if cc.FrameSize < 1 {
		return errors.New("connections.frame_size must be >= 1")
	}
	if cc.MaxConnections < 1 {
		return errors.New("connections.max_connections must be >= 1")
	}
	if cc.MaxConcurrentDials < 1 {
		return errors.New("connections.max_concurrent_dials must be >= 1")
	}
	if cc.PongTimeout <= cc.PingInterval {
		return fmt.Errorf("connections.pong_timeout (%v) must exceed ping_interval (%v)", cc.PongTimeout, cc.PingInterval)
	}
	if cc.ReconnectMaxDelay < cc.ReconnectBaseDelay {
		return fmt.Errorf("connections.reconnect_max_delay (%v) cannot be below reconnect_base_delay (%v)", cc.ReconnectMaxDelay, cc.ReconnectBaseDelay)
	}
	if cc.BackoffJitter >= 1 {
		return fmt.Errorf("connections.backoff_jitter must be < 1, got %g", cc.BackoffJitter)
	}
	if cc.BufferSize < 1 {
		return errors.New("connections.buffer_size must be >= 1")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
