// Package registry tracks the caller's streams: which channels each one
// wants, which connection carries them, and the queue their payloads land in.
//
// A stream is ACTIVE when all of its channels sit on one connection, PENDING
// while no connection has room for the whole group, and STOPPED once the
// caller stops it or the system gives up on it (connection lost, channel
// refused by the exchange). Stopped-by-system streams stay listed with their
// reason until the caller stops them.
package registry
