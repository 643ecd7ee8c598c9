// Package metrics exports stream manager state to Prometheus.
//
// A Collector is fed from three places:
//   - the manager's event sink (connection lifecycle, drops, stream states)
//   - the watchdog's HealthSummary on every tick
//   - archive writers after every sink flush
//
// It registers on its own registry; Handler serves it.
package metrics
