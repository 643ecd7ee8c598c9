// Package events defines the structured events emitted by the stream core.
//
// The core never formats or writes log lines itself. Components emit Events into a Sink:
//   - LogSink writes them through log/slog
//   - metrics.Collector turns them into Prometheus counters
//   - Fanout delivers one event to several sinks
package events
