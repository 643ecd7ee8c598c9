package endpoint

import "testing"

func TestEndpoint_StreamURL(t *testing.T) {
	tests := []struct {
		name  string
		wsURL string
		want  string
	}{
		{"trailing slash", "wss://stream.binance.com:9443/", "wss://stream.binance.com:9443/stream"},
		{"no slash", "wss://fstream.binance.com", "wss://fstream.binance.com/stream"},
		{"sub path", "ws://127.0.0.1:8080/mock/", "ws://127.0.0.1:8080/mock/stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Endpoint{WSURL: tt.wsURL}.StreamURL()
			if err != nil {
				t.Fatalf("StreamURL() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("StreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndpoint_StreamURLRejectsHTTP(t *testing.T) {
	if _, err := (Endpoint{WSURL: "https://api.binance.com"}).StreamURL(); err == nil {
		t.Error("expected error for non-websocket scheme")
	}
}

func TestEndpoint_ListenKeyURL(t *testing.T) {
	ep := Endpoint{RESTURL: "https://fapi.binance.com/fapi/", ListenKeyPath: "/v1/listenKey"}
	if got, want := ep.ListenKeyURL(), "https://fapi.binance.com/fapi/v1/listenKey"; got != want {
		t.Errorf("ListenKeyURL() = %q, want %q", got, want)
	}
}

func TestNewTable_Defaults(t *testing.T) {
	table, err := NewTable(nil)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	spot, ok := table.Lookup(Spot)
	if !ok {
		t.Fatal("spot segment missing")
	}
	if spot.Name != Spot {
		t.Errorf("Name = %q, want %q", spot.Name, Spot)
	}
	if spot.MaxChannels != 1024 {
		t.Errorf("MaxChannels = %d, want 1024", spot.MaxChannels)
	}

	futures, _ := table.Lookup(Futures)
	if futures.MaxChannels != 200 {
		t.Errorf("futures MaxChannels = %d, want 200", futures.MaxChannels)
	}

	iso, _ := table.Lookup(IsolatedMargin)
	if !iso.Isolated {
		t.Error("isolated margin should require a symbol")
	}

	if _, ok := table.Lookup("kraken"); ok {
		t.Error("unexpected unknown segment")
	}
	if n := len(table.Names()); n != 10 {
		t.Errorf("len(Names()) = %d, want 10", n)
	}
}

func TestNewTable_Overrides(t *testing.T) {
	table, err := NewTable(map[string]Override{
		Spot:   {WSURL: "ws://localhost:9000/"},
		"mock": {WSURL: "ws://localhost:9001/"},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	spot, _ := table.Lookup(Spot)
	if spot.WSURL != "ws://localhost:9000/" {
		t.Errorf("WSURL = %q, want override", spot.WSURL)
	}
	if spot.RESTURL != "https://api.binance.com/api/" {
		t.Errorf("RESTURL = %q, want default kept", spot.RESTURL)
	}

	mock, ok := table.Lookup("mock")
	if !ok {
		t.Fatal("custom segment missing")
	}
	if mock.MaxChannels != 1024 {
		t.Errorf("custom MaxChannels = %d, want 1024", mock.MaxChannels)
	}
}

func TestNewTable_InvalidOverride(t *testing.T) {
	if _, err := NewTable(map[string]Override{"bad": {WSURL: "http://x"}}); err == nil {
		t.Error("expected error for invalid ws url")
	}
}
