// Package delivery implements the bounded hand-off between connection receive
// loops and consumer code.
//
// Each stream owns one Queue[Entry]. Queues never grow: when a consumer falls
// behind, the oldest entries are evicted and counted so back-pressure is
// observable. Order within one connection is preserved end to end.
package delivery
