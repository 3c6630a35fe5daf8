// Package store provides the key-value token store backing rate-limit
// buckets and CSRF tokens. Two interchangeable backends exist: RedisStore,
// shared across instances, and MemoryStore, a single-process fallback.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// Policy is the fixed-window budget applied by Consume.
type Policy struct {
	Points int
	Window time.Duration
	// Block is the penalty-box duration entered when the window's points are
	// exhausted. Zero means the key is denied only until the window ends.
	Block time.Duration
}

// BucketState is the result of one Consume call.
type BucketState struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Blocked   bool
}

// TokenStore is the storage contract shared by both backends.
//
// Consume must be atomic per key: the decrement and the exhaustion check
// happen in one step so concurrent callers can never both observe the last
// point.
type TokenStore interface {
	Consume(ctx context.Context, key string, p Policy) (BucketState, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
