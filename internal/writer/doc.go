// Package writer archives stream payloads.
//
// A PayloadWriter drains one stream through the manager and writes batches
// to every configured Sink:
//   - PostgresSink (pgx batch insert, append-only)
//   - RedisSink (one XADD per payload, pipelined)
//
// Batches flush when BatchSize rows are buffered or every FlushInterval.
package writer
