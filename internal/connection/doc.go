// Package connection owns the physical websocket sessions to the exchange.
//
// A Set maps channels to connections:
//   - packs channel groups onto the fullest live connection that fits
//   - opens a new connection when none fits, up to MaxConnections
//   - diffs desired and acknowledged channels so only the delta goes on the wire
//
// Every connection is supervised by its own goroutine (the reconnector) that drives it
// through CONNECTING, OPEN, DEGRADED, RECONNECTING and CLOSED, replaying the
// connection's channel set after each reopen.
package connection
