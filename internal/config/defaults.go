package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID           = "ubws"
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultMaxChannelsPerConn   = 1024
	DefaultFrameSize            = 200
	DefaultMaxConnections       = 100
	DefaultMaxConcurrentDials   = 5
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultSubscribeTimeout     = 10 * time.Second
	DefaultPingInterval         = 3 * time.Minute
	DefaultPongTimeout          = 10 * time.Minute
	DefaultWriteTimeout         = 5 * time.Second
	DefaultBufferSize           = 1000
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultBackoffJitter        = 0.2
	DefaultMaxReconnectAttempts = 10
	DefaultQueueCapacity        = 10000
	DefaultWatchdogInterval     = 10 * time.Second
	DefaultListenKeyKeepAlive   = 30 * time.Minute
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultRedisPrefix          = "ubws:"
	DefaultBatchSize            = 1000
	DefaultFlushInterval        = 1 * time.Second
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
)

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Connections defaults
	cc := &c.Connections
	if cc.MaxChannelsPerConn == 0 {
		cc.MaxChannelsPerConn = DefaultMaxChannelsPerConn
	}
	if cc.FrameSize == 0 {
		cc.FrameSize = DefaultFrameSize
	}
	if cc.MaxConnections == 0 {
		cc.MaxConnections = DefaultMaxConnections
	}
	if cc.MaxConcurrentDials == 0 {
		cc.MaxConcurrentDials = DefaultMaxConcurrentDials
	}
	if cc.HandshakeTimeout == 0 {
		cc.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cc.SubscribeTimeout == 0 {
		cc.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if cc.PingInterval == 0 {
		cc.PingInterval = DefaultPingInterval
	}
	if cc.PongTimeout == 0 {
		cc.PongTimeout = DefaultPongTimeout
	}
	if cc.WriteTimeout == 0 {
		cc.WriteTimeout = DefaultWriteTimeout
	}
	if cc.BufferSize == 0 {
		cc.BufferSize = DefaultBufferSize
	}
	if cc.ReconnectBaseDelay == 0 {
		cc.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cc.ReconnectMaxDelay == 0 {
		cc.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cc.BackoffJitter == 0 {
		cc.BackoffJitter = DefaultBackoffJitter
	}
	if cc.MaxReconnectAttempts == 0 {
		cc.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	// Delivery and watchdog defaults
	if c.Delivery.QueueCapacity == 0 {
		c.Delivery.QueueCapacity = DefaultQueueCapacity
	}
	if c.Watchdog.Interval == 0 {
		c.Watchdog.Interval = DefaultWatchdogInterval
	}
	if c.Watchdog.ListenKeyKeepAlive == 0 {
		c.Watchdog.ListenKeyKeepAlive = DefaultListenKeyKeepAlive
	}

	// Archive defaults
	if c.Archive.Postgres.Enabled() {
		applyDBDefaults(&c.Archive.Postgres)
	}
	if c.Archive.Redis.Enabled() && c.Archive.Redis.Prefix == "" {
		c.Archive.Redis.Prefix = DefaultRedisPrefix
	}
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
