package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (tests, ephemeral deployments)
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file
//   - "redis": one redis hash per collection
//   - "postgres": single kv table
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Redis
	Addr     string
	Password string
	DB       int

	// Postgres
	DSN string

	// KeyPrefix namespaces collections in shared backends (redis, postgres).
	KeyPrefix string
}

// Store is a collection/field key-value store.
//
// Get reports ok=false for a missing field. Delete and DeleteCollection are
// no-ops for missing keys.
type Store interface {
	Get(ctx context.Context, collection, field string) (value []byte, ok bool, err error)
	Set(ctx context.Context, collection, field string, value []byte) error
	Delete(ctx context.Context, collection, field string) error
	GetAll(ctx context.Context, collection string) (map[string][]byte, error)
	DeleteCollection(ctx context.Context, collection string) error
	Close() error
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
