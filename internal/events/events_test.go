package events

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLogSink_Emit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sink := NewLogSink(logger)
	sink.Emit(Event{
		Type:   ConnLost,
		ConnID: 7,
		Err:    errors.New("boom"),
	})

	out := buf.String()
	for _, want := range []string{"level=ERROR", "conn_lost", "conn=7", "error=boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestFanout_SkipsNil(t *testing.T) {
	var got []Type
	f := Fanout{nil, SinkFunc(func(e Event) { got = append(got, e.Type) }), Discard}

	f.Emit(Event{Type: StreamCreated})
	f.Emit(Event{Type: StreamStopped})

	if len(got) != 2 || got[0] != StreamCreated || got[1] != StreamStopped {
		t.Errorf("got %v, want [stream_created stream_stopped]", got)
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		typ  Type
		want slog.Level
	}{
		{ConnOpened, slog.LevelInfo},
		{ConnDegraded, slog.LevelWarn},
		{MessagesDropped, slog.LevelWarn},
		{SubscribeFailed, slog.LevelError},
		{HealthReport, slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := levelFor(tt.typ); got != tt.want {
				t.Errorf("levelFor(%s) = %v, want %v", tt.typ, got, tt.want)
			}
		})
	}
}
