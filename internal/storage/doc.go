// Package storage provides the tenant-scoped key-value store timers are
// persisted to.
//
// Records live in collections (one per tenant and purpose, e.g.
// "G1:activeTimers"); each collection maps a field to an opaque value.
// Backends: memory, file (snapshot + journal), sqlite, redis, postgres.
package storage
