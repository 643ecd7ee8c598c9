package config

import (
	"time"

	"github.com/rickgao/binance-ws/internal/connection"
	"github.com/rickgao/binance-ws/internal/endpoint"
	"github.com/rickgao/binance-ws/internal/registry"
)

// Config is the root configuration for a stream manager instance.
type Config struct {
	Instance    InstanceConfig            `yaml:"instance"`
	API         APIConfig                 `yaml:"api"`
	Endpoints   map[string]EndpointConfig `yaml:"endpoints"`
	Connections ConnectionsConfig         `yaml:"connections"`
	Delivery    DeliveryConfig            `yaml:"delivery"`
	Watchdog    WatchdogConfig            `yaml:"watchdog"`
	Archive     ArchiveConfig             `yaml:"archive"`
	Metrics     MetricsConfig             `yaml:"metrics"`
	Streams     []StreamConfig            `yaml:"streams"`
}

// InstanceConfig identifies this instance. The id tags archived rows.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds REST settings used for user data listen keys.
type APIConfig struct {
	APIKey     string        `yaml:"api_key"` // sent as X-MBX-APIKEY
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// EndpointConfig overrides a built-in market segment or adds a new one.
type EndpointConfig struct {
	WSURL         string `yaml:"ws_url"`
	RESTURL       string `yaml:"rest_url"`
	ListenKeyPath string `yaml:"listen_key_path"`
	MaxChannels   int    `yaml:"max_channels"`
}

// ConnectionsConfig holds websocket connection settings.
type ConnectionsConfig struct {
	MaxChannelsPerConn   int           `yaml:"max_channels_per_conn"`
	FrameSize            int           `yaml:"frame_size"`
	MaxConnections       int           `yaml:"max_connections"`
	MaxConcurrentDials   int           `yaml:"max_concurrent_dials"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	BackoffJitter        float64       `yaml:"backoff_jitter"`         // negative disables jitter
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // negative = unlimited
}

// DeliveryConfig holds per-stream queue settings.
type DeliveryConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// WatchdogConfig holds the periodic health check settings.
type WatchdogConfig struct {
	Interval           time.Duration `yaml:"interval"`
	ListenKeyKeepAlive time.Duration `yaml:"listen_key_keepalive"`
}

// ArchiveConfig holds the optional payload sinks. A sink is enabled when its
// host or address is set.
type ArchiveConfig struct {
	Postgres      DBConfig      `yaml:"postgres"`
	Redis         RedisConfig   `yaml:"redis"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool { return db.Host != "" }

// RedisConfig holds the Redis stream sink connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`  // stream key prefix, followed by the channel name
	MaxLen   int64  `yaml:"max_len"` // approximate XADD MAXLEN, 0 = untrimmed
}

// Enabled reports whether Redis is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// MetricsConfig holds the monitoring HTTP server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// StreamConfig is a stream opened at start. Channels may be listed directly
// or built from kinds and markets.
type StreamConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	Channels      []string `yaml:"channels"`
	Kinds         []string `yaml:"kinds"`
	Markets       []string `yaml:"markets"`
	Label         string   `yaml:"label"`
	QueueCapacity int      `yaml:"queue_capacity"`
	Archive       bool     `yaml:"archive"`
}

// ChannelList returns the configured channels followed by those built from
// kinds and markets.
func (s StreamConfig) ChannelList() []string {
	channels := append([]string(nil), s.Channels...)
	if len(s.Kinds) > 0 {
		channels = append(channels, registry.Channels(s.Kinds, s.Markets)...)
	}
	return channels
}

// ConnectionConfig converts the connection settings for connection.NewSet.
func (c *Config) ConnectionConfig() connection.Config {
	cc := c.Connections
	return connection.Config{
		MaxChannelsPerConn:   cc.MaxChannelsPerConn,
		FrameSize:            cc.FrameSize,
		MaxConnections:       cc.MaxConnections,
		MaxConcurrentDials:   cc.MaxConcurrentDials,
		SubscribeTimeout:     cc.SubscribeTimeout,
		ReconnectBaseDelay:   cc.ReconnectBaseDelay,
		ReconnectMaxDelay:    cc.ReconnectMaxDelay,
		BackoffJitter:        max(cc.BackoffJitter, 0),
		MaxReconnectAttempts: max(cc.MaxReconnectAttempts, 0),
		Client: connection.ClientConfig{
			HandshakeTimeout: cc.HandshakeTimeout,
			PingInterval:     cc.PingInterval,
			PongTimeout:      cc.PongTimeout,
			WriteTimeout:     cc.WriteTimeout,
			BufferSize:       cc.BufferSize,
		},
	}
}

// EndpointTable builds the market segment table with overrides applied.
func (c *Config) EndpointTable() (*endpoint.Table, error) {
	overrides := make(map[string]endpoint.Override, len(c.Endpoints))
	for name, e := range c.Endpoints {
		overrides[name] = endpoint.Override{
			WSURL:         e.WSURL,
			RESTURL:       e.RESTURL,
			ListenKeyPath: e.ListenKeyPath,
			MaxChannels:   e.MaxChannels,
		}
	}
	return endpoint.NewTable(overrides)
}
