package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/binance-ws/internal/api"
	"github.com/rickgao/binance-ws/internal/endpoint"
)

// mockKeySource returns a fixed list of listen keys.
type mockKeySource struct {
	keys []ListenKey
}

func (m *mockKeySource) ActiveListenKeys() []ListenKey {
	return m.keys
}

func keysFor(serverURL string, n int) []ListenKey {
	ep := endpoint.Endpoint{Name: "spot", RESTURL: serverURL + "/api/", ListenKeyPath: "v3/userDataStream"}
	keys := make([]ListenKey, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, ListenKey{
			StreamID: "stream-" + string(rune('A'+i)),
			Endpoint: ep,
			Key:      "key-" + string(rune('A'+i)),
		})
	}
	return keys
}

func TestPoller_PollAll(t *testing.T) {
	var mu sync.Mutex
	renewed := make(map[string]bool)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		mu.Lock()
		renewed[r.URL.Query().Get("listenKey")] = true
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := api.NewClient("key", api.WithTimeout(5*time.Second))
	keys := &mockKeySource{keys: keysFor(server.URL, 3)}

	var failures atomic.Int32
	handler := FailureHandlerFunc(func(ListenKey, error) { failures.Add(1) })

	cfg := Config{
		Interval:    time.Hour, // Long interval, we'll trigger manually.
		Concurrency: 10,
		Timeout:     5 * time.Second,
	}

	p := New(cfg, client, keys, handler, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.ctx = ctx

	p.pollAll()

	mu.Lock()
	defer mu.Unlock()
	if len(renewed) != 3 || !renewed["key-A"] || !renewed["key-C"] {
		t.Errorf("renewed = %v, want key-A..key-C", renewed)
	}
	if got := failures.Load(); got != 0 {
		t.Errorf("failures = %d, want 0", got)
	}
}

func TestPoller_ReportsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("listenKey") == "key-B" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1125,"msg":"This listenKey does not exist."}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := api.NewClient("key", api.WithRetries(0, time.Millisecond))
	keys := &mockKeySource{keys: keysFor(server.URL, 2)}

	var mu sync.Mutex
	var failed []ListenKey
	var lastErr error
	handler := FailureHandlerFunc(func(k ListenKey, err error) {
		mu.Lock()
		failed = append(failed, k)
		lastErr = err
		mu.Unlock()
	})

	p := New(Config{Interval: time.Hour, Concurrency: 2, Timeout: time.Second}, client, keys, handler, nil)
	p.ctx = context.Background()
	p.pollAll()

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0].StreamID != "stream-B" {
		t.Fatalf("failed = %+v, want stream-B only", failed)
	}
	if lastErr == nil || !strings.Contains(lastErr.Error(), "-1125") {
		t.Errorf("err = %v, want exchange code -1125", lastErr)
	}
}

func TestPoller_StartStop(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := api.NewClient("")
	keys := &mockKeySource{keys: keysFor(server.URL, 1)}

	cfg := Config{
		Interval:    50 * time.Millisecond,
		Concurrency: 10,
		Timeout:     5 * time.Second,
	}

	p := New(cfg, client, keys, nil, nil)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for at least one tick.
	time.Sleep(150 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if calls.Load() == 0 {
		t.Error("listen key was never kept alive")
	}
}

func TestPoller_Concurrency(t *testing.T) {
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)

		// Track max concurrent requests.
		for {
			old := maxInFlight.Load()
			if current <= old || maxInFlight.CompareAndSwap(old, current) {
				break
			}
		}

		// Simulate some work.
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := api.NewClient("")
	keys := &mockKeySource{keys: keysFor(server.URL, 20)}

	cfg := Config{
		Interval:    time.Hour,
		Concurrency: 5, // Limit to 5 concurrent.
		Timeout:     5 * time.Second,
	}

	p := New(cfg, client, keys, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.ctx = ctx

	p.pollAll()

	if got := maxInFlight.Load(); got > 5 {
		t.Errorf("maxInFlight = %d, want <= 5", got)
	}
}
