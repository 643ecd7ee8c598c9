package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/rickgao/binance-ws/internal/config"
	"github.com/rickgao/binance-ws/internal/manager"
	"github.com/rickgao/binance-ws/internal/metrics"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := manager.New(config.Default(), manager.WithLogger(logger))
	if err != nil {
		t.Fatalf("manager.New() error = %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})

	srv := httptest.NewServer(createHandler(m, metrics.NewCollector(), "/metrics", logger))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandler_Health(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Summary struct {
			Healthy bool `json:"healthy"`
			Open    int  `json:"open"`
		} `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Status != "healthy" || !body.Summary.Healthy {
		t.Errorf("health = %+v, want healthy", body)
	}
}

func TestHandler_Routes(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"list streams", http.MethodGet, "/streams", http.StatusOK, "[]"},
		{"unknown stream", http.MethodGet, "/streams/missing", http.StatusNotFound, "unknown stream"},
		{"stop unknown stream", http.MethodPost, "/streams/missing/stop", http.StatusNoContent, ""},
		{"list connections", http.MethodGet, "/connections", http.StatusOK, "[]"},
		{"restart bad id", http.MethodPost, "/connections/abc/restart", http.StatusBadRequest, "error"},
		{"restart unknown", http.MethodPost, "/connections/42/restart", http.StatusNotFound, "error"},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "go_goroutines"},
		{"wrong method", http.MethodDelete, "/streams", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("%s %s error = %v", tt.method, tt.path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body, _ := io.ReadAll(resp.Body)
			if tt.wantBody != "" && !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %q", body, tt.wantBody)
			}
		})
	}
}

func TestStreamsCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/streams" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{"id":"abc","label":"trades","endpoint":"binance.com","channels":["btcusdt@trade","ethusdt@trade"],"state":"ACTIVE","conn_id":1,"queue":{"count":3,"dropped":0}}]`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"streams", "--addr", srv.URL})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := out.String()
	for _, want := range []string{"ID", "abc", "trades", "ACTIVE", "btcusdt@trade,ethusdt@trade"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestStreamsStopCmd(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"streams", "stop", "abc", "--addr", srv.URL})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/streams/abc/stop" {
		t.Errorf("request = %s %s, want POST /streams/abc/stop", gotMethod, gotPath)
	}
	if !strings.Contains(out.String(), "stream abc stopped") {
		t.Errorf("output = %q", out.String())
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "ubws dev") {
		t.Errorf("output = %q, want ubws dev ...", out.String())
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
		wantJSON      bool
	}{
		{"info", "text", false, false},
		{"debug", "json", false, true},
		{"WARN", "", false, false},
		{"loud", "text", true, false},
		{"info", "xml", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			logger.Error("probe")
			if isJSON := strings.HasPrefix(buf.String(), "{"); isJSON != tt.wantJSON {
				t.Errorf("output %q, want json=%v", buf.String(), tt.wantJSON)
			}
		})
	}
}
