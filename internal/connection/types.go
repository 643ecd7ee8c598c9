package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no pong or data)")
	ErrTimeout          = errors.New("operation timeout")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrForcedRestart    = errors.New("connection restart requested")
	ErrUnknownConn      = errors.New("unknown connection")
	ErrSetClosed        = errors.New("connection set closed")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrConnectionLost   = errors.New("connection lost")
	ErrConnClosed       = errors.New("connection closed")
)

// TransportError is a socket level failure: dial, read or write.
type TransportError struct {
	Op         string // "dial", "read", "write"
	URL        string
	StatusCode int // HTTP status of a failed handshake, 0 otherwise
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsAuthFailure reports whether the handshake was refused for credentials.
func (e *TransportError) IsAuthFailure() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// ProtocolError is an error ack or a frame the connection could not make sense of.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Frame is one data payload read from a connection, in receive order.
type Frame struct {
	ConnID     int
	Channel    string
	Payload    []byte
	ReceivedAt time.Time
	Seq        uint64 // restarts at 1 on every reopen
	Gap        bool   // first frame after a reconnect
}

const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
)

// Command is a request frame sent to the exchange.
type Command struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Response is a command ack: {"result":null,"id":N} or {"error":{...},"id":N}.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *ErrorMsg       `json:"error"`
}

// ErrorMsg is the error body of a rejected command.
type ErrorMsg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// inbound is the union of everything the combined stream endpoint sends.
type inbound struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *ErrorMsg       `json:"error"`
}

// ack is delivered to a waiting request.
type ack struct {
	resp Response
	err  error
}

// State is the supervisor state of a connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateDegraded:
		return "DEGRADED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Info is a point-in-time snapshot of one connection.
type Info struct {
	ID           int           `json:"id"`
	Endpoint     string        `json:"endpoint"`
	URL          string        `json:"url"`
	State        State         `json:"state"`
	Channels     []string      `json:"channels"`
	Subscribed   int           `json:"subscribed"` // channels acknowledged on the current socket
	LastActivity time.Time     `json:"last_activity"`
	Failures     int           `json:"consecutive_failures"`
	Attempts     int           `json:"reconnect_attempts"`
	LastBackoff  time.Duration `json:"last_backoff"`
	FramesSent   int64         `json:"frames_sent"`
	Generation   uint64        `json:"generation"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // combined stream URL, e.g. wss://stream.binance.com:9443/stream
	HandshakeTimeout time.Duration // Bound on the websocket handshake
	PingInterval     time.Duration // How often we ping the server
	PongTimeout      time.Duration // Max time without pong or data before the connection is stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     3 * time.Minute,
		PongTimeout:      10 * time.Minute,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// Config configures a Set and the connections it opens.
type Config struct {
	MaxChannelsPerConn   int           // batch limit: channels one connection may carry
	FrameSize            int           // channels per SUBSCRIBE/UNSUBSCRIBE frame
	MaxConnections       int           // live connections across all endpoints
	MaxConcurrentDials   int           // handshakes in flight at once
	SubscribeTimeout     time.Duration // wait for one command ack
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	BackoffJitter        float64 // randomization factor, 0 disables jitter
	MaxReconnectAttempts int     // consecutive failed attempts before CLOSED, 0 = unlimited
	Client               ClientConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxChannelsPerConn:   1024,
		FrameSize:            200,
		MaxConnections:       100,
		MaxConcurrentDials:   5,
		SubscribeTimeout:     10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		BackoffJitter:        0.2,
		MaxReconnectAttempts: 10,
		Client:               DefaultClientConfig(),
	}
}
