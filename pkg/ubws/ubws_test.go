package ubws_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rickgao/binance-ws/pkg/ubws"
)

func TestEmbeddedLifecycle(t *testing.T) {
	cfg, err := ubws.ParseConfig([]byte("instance:\n  id: embedded\n"))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	m, err := ubws.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := m.CreateStream(context.Background(), ubws.Spot, []string{"btcusdt@trade"}, ubws.StreamOptions{}); !errors.Is(err, ubws.ErrNotStarted) {
		t.Errorf("CreateStream before Start = %v, want ErrNotStarted", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestChannels(t *testing.T) {
	got := ubws.Channels([]string{"trade"}, []string{"BTCUSDT", "ethusdt"})
	if len(got) != 2 || got[0] != "btcusdt@trade" || got[1] != "ethusdt@trade" {
		t.Errorf("Channels() = %v", got)
	}
}
