// Package kv defines the narrow contract the engine uses over the local
// key-value store (C1). Implementations provide string/hash/set/sorted-set
// primitives with TTL plus pub/sub; the engine never reaches for anything
// else from the local store.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the store connection is down; retryable.
// The engine treats this as a signal to degrade: reads miss, writes
// become best-effort no-ops, but RemoteStore operations still proceed.
var ErrUnavailable = errors.New("kv: store unavailable")

// ErrOperation indicates a protocol-level failure (bad command, wrong type).
var ErrOperation = errors.New("kv: operation failed")

// Handler processes a pub/sub message delivered on a subscribed channel.
type Handler func(channel string, message []byte)

// Store is the contract the engine uses over the local KV store.
type Store interface {
	// Strings with TTL.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	// Hashes.
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Sorted sets.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeRev(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error

	// Iteration.
	Scan(ctx context.Context, cursor uint64, match string, count int64) (nextCursor uint64, keys []string, err error)

	// Pub/sub. Publishing is always fire-and-forget from the caller's
	// perspective: a failure to publish never aborts a mutation.
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (unsubscribe func(), err error)
}

// IsUnavailable reports whether err (or its cause) is ErrUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
