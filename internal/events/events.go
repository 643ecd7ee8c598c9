package events

import (
	"context"
	"log/slog"
	"time"
)

// Type identifies what happened.
type Type string

const (
	ConnOpened       Type = "conn_opened"
	ConnDegraded     Type = "conn_degraded"
	ConnReconnecting Type = "conn_reconnecting"
	ConnClosed       Type = "conn_closed"
	ConnLost         Type = "conn_lost"
	SubscribeFailed  Type = "subscribe_failed"
	Resubscribed     Type = "resubscribed"
	MessagesDropped  Type = "messages_dropped"
	StreamCreated    Type = "stream_created"
	StreamPending    Type = "stream_pending"
	StreamActive     Type = "stream_active"
	StreamStopped    Type = "stream_stopped"
	HealthReport     Type = "health_report"
)

// Event is a single structured occurrence inside the core.
type Event struct {
	Type     Type
	Time     time.Time
	ConnID   int    // 0 when not connection scoped
	StreamID string // empty when not stream scoped
	Endpoint string
	Count    int           // channels, dropped messages, ... depending on Type
	Delay    time.Duration // backoff delay for ConnReconnecting
	Err      error
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout delivers each event to every non-nil sink in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events through a slog.Logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit logs the event at a level derived from its type.
func (s *LogSink) Emit(e Event) {
	attrs := make([]slog.Attr, 0, 6)
	if e.ConnID != 0 {
		attrs = append(attrs, slog.Int("conn", e.ConnID))
	}
	if e.StreamID != "" {
		attrs = append(attrs, slog.String("stream", e.StreamID))
	}
	if e.Endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", e.Endpoint))
	}
	if e.Count != 0 {
		attrs = append(attrs, slog.Int("count", e.Count))
	}
	if e.Delay != 0 {
		attrs = append(attrs, slog.Duration("delay", e.Delay))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}
	s.logger.LogAttrs(context.Background(), levelFor(e.Type), string(e.Type), attrs...)
}

func levelFor(t Type) slog.Level {
	switch t {
	case ConnLost, SubscribeFailed:
		return slog.LevelError
	case ConnDegraded, ConnReconnecting, MessagesDropped, StreamPending:
		return slog.LevelWarn
	case HealthReport:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
