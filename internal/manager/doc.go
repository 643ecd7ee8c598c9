// Package manager is the stream manager façade.
//
// A Manager wires the connection set, the stream registry and the delivery
// queues together and runs a watchdog that, on every tick:
//   - forces connections silent for longer than the pong timeout to DEGRADED
//   - promotes PENDING streams in creation order when capacity is free
//   - reports queue drops and an aggregate HealthSummary
//
// User data streams are requested with the "!userData" channel; the manager
// swaps it for a listen key, keeps the key alive and closes it when the
// stream stops.
package manager
