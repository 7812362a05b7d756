// Package kvcache provides the keyed TTL store backing the idempotency gate
// and the debounce buffer. The contract mirrors redis string/list semantics so
// the same consumers run against the in-memory store or a real redis.
package kvcache

import (
	"context"
	"time"
)

type Store interface {
	// Get returns the value for key, reporting whether the key exists and
	// has not expired.
	Get(ctx context.Context, key string) (string, bool, error)

	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX sets key only if it does not currently exist. It returns true
	// when this caller won the set. The check and set are atomic.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, keys ...string) error

	// AppendList appends member to the list at key and refreshes the list
	// TTL to the given horizon.
	AppendList(ctx context.Context, key, member string, ttl time.Duration) error

	// TakeList atomically returns the current list at key and clears it.
	TakeList(ctx context.Context, key string) ([]string, error)
}
