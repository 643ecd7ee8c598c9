// Package poller implements the listen key keepalive loop.
//
// The poller:
//   - Renews every live user data stream's listen key on a fixed interval
//   - Uses concurrent REST requests bounded by a semaphore
//   - Reports keys the exchange no longer accepts to a failure handler
package poller
