package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/rickgao/binance-ws/internal/connection"
	"github.com/rickgao/binance-ws/internal/manager"
	"github.com/rickgao/binance-ws/internal/metrics"
	"github.com/rickgao/binance-ws/internal/registry"
	"github.com/rickgao/binance-ws/internal/version"
)

type healthResponse struct {
	Status  string                `json:"status"`
	Version string                `json:"version"`
	Summary manager.HealthSummary `json:"summary"`
}

// createHandler serves health, stream and connection state, the admin
// actions and the Prometheus registry.
func createHandler(m *manager.Manager, collector *metrics.Collector, metricsPath string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		h := m.Health()
		resp := healthResponse{Status: "healthy", Version: version.Version, Summary: h}
		code := http.StatusOK
		switch {
		case h.Open == 0 && h.Streams[registry.StateActive]+h.Streams[registry.StatePending] > 0:
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		case !h.Healthy:
			resp.Status = "degraded"
		}
		writeJSON(w, code, resp, logger)
	})

	mux.HandleFunc("GET /streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.Streams(), logger)
	})

	mux.HandleFunc("GET /streams/{id}", func(w http.ResponseWriter, r *http.Request) {
		info, ok := m.Stream(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, registry.ErrUnknownStream, logger)
			return
		}
		writeJSON(w, http.StatusOK, info, logger)
	})

	mux.HandleFunc("POST /streams/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := m.StopStream(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err, logger)
			return
		}
		logger.Info("stream stopped via admin api", "stream_id", id)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /connections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.Connections(), logger)
	})

	mux.HandleFunc("POST /connections/{id}/restart", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err, logger)
			return
		}
		if err := m.RestartConnection(id); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, connection.ErrUnknownConn) {
				code = http.StatusNotFound
			}
			writeError(w, code, err, logger)
			return
		}
		logger.Info("connection restarted via admin api", "conn_id", id)
		w.WriteHeader(http.StatusNoContent)
	})

	if collector != nil {
		mux.Handle("GET "+metricsPath, collector.Handler())
	}

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error, logger *slog.Logger) {
	writeJSON(w, code, map[string]string{"error": err.Error()}, logger)
}
