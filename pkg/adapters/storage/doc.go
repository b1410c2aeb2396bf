// Package storage groups the ports.Store implementations.
//
// Implementations:
//   - memory: in-process maps, for tests and single-process hosts
//   - redis: JSON rows in Redis with MULTI/EXEC batches and optional TTL
//   - postgres: two tables through pgx, one transaction per call
//
// storagetest holds the contract suite every implementation runs.
package storage
