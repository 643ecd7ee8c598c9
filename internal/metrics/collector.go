package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/binance-ws/internal/connection"
	"github.com/rickgao/binance-ws/internal/events"
	"github.com/rickgao/binance-ws/internal/manager"
	"github.com/rickgao/binance-ws/internal/registry"
)

const namespace = "ubws"

var (
	connectionStates = []connection.State{
		connection.StateConnecting,
		connection.StateOpen,
		connection.StateDegraded,
		connection.StateReconnecting,
		connection.StateClosed,
	}
	streamStates = []registry.State{
		registry.StatePending,
		registry.StateActive,
		registry.StateStopped,
	}
)

// Collector holds every metric the service exports.
type Collector struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	reconnectDelay prometheus.Histogram

	connections *prometheus.GaugeVec
	streams     *prometheus.GaugeVec
	channels    prometheus.Gauge
	queued      prometheus.Gauge
	healthy     prometheus.Gauge
	lastReport  prometheus.Gauge

	archiveRows  *prometheus.CounterVec
	archiveFlush *prometheus.HistogramVec
}

// NewCollector creates a Collector with Go runtime and process metrics
// registered alongside.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Manager events by type and endpoint.",
		}, []string{"type", "endpoint"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Payloads evicted from full delivery queues.",
		}, []string{"endpoint"}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay before each reconnect attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections by state.",
		}, []string{"state"}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams",
			Help:      "Known streams by state.",
		}, []string{"state"}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribed_channels",
			Help:      "Channels acknowledged by the exchange.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_messages",
			Help:      "Payloads waiting in delivery queues.",
		}),
		healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy",
			Help:      "1 when no connection is degraded or reconnecting and no stream is pending.",
		}),
		lastReport: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_health_report_timestamp_seconds",
			Help:      "Unix time of the last watchdog report.",
		}),
		archiveRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "rows_total",
			Help:      "Archived rows by sink and result.",
		}, []string{"sink", "result"}),
		archiveFlush: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "flush_duration_seconds",
			Help:      "Time spent writing one batch to a sink.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sink"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.events, c.dropped, c.reconnectDelay,
		c.connections, c.streams, c.channels, c.queued, c.healthy, c.lastReport,
		c.archiveRows, c.archiveFlush,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Emit implements events.Sink.
func (c *Collector) Emit(e events.Event) {
	if e.Type == events.HealthReport {
		return
	}
	c.events.WithLabelValues(string(e.Type), e.Endpoint).Inc()

	switch e.Type {
	case events.MessagesDropped:
		c.dropped.WithLabelValues(e.Endpoint).Add(float64(e.Count))
	case events.ConnReconnecting:
		c.reconnectDelay.Observe(e.Delay.Seconds())
	}
}

// ReportHealth implements manager.HealthReporter.
func (c *Collector) ReportHealth(h manager.HealthSummary) {
	for _, s := range connectionStates {
		c.connections.WithLabelValues(s.String()).Set(float64(h.Connections[s]))
	}
	for _, s := range streamStates {
		c.streams.WithLabelValues(s.String()).Set(float64(h.Streams[s]))
	}
	c.channels.Set(float64(h.Channels))
	c.queued.Set(float64(h.Queued))
	if h.Healthy {
		c.healthy.Set(1)
	} else {
		c.healthy.Set(0)
	}
	c.lastReport.Set(float64(h.Time.Unix()))
}

// ObserveFlush implements writer.FlushObserver.
func (c *Collector) ObserveFlush(sink string, rows int, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.archiveRows.WithLabelValues(sink, result).Add(float64(rows))
	c.archiveFlush.WithLabelValues(sink).Observe(took.Seconds())
}
