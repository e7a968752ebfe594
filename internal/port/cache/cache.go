// Package cache defines the byte-blob cache port used for stock results
// (in-process) and session blobs (remote KV).
package cache

import (
	"context"
	"time"
)

// Cache is a simple TTL'd byte cache.
type Cache interface {
	// Get retrieves a value. ok is false on a miss; err is reserved for
	// backend failures.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)

	// Set stores a value with the given TTL. Backends without per-key TTL
	// may manage expiry themselves.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
