// Package database opens the stores payloads are archived to:
//   - PostgreSQL through a pgxpool connection pool
//   - Redis streams through a go-redis client
//
// Both are optional and only connected when configured.
package database
