// Package cachetier implements C6: the per-memory cache record held in KV
// under memory:{userId}:{id} at one of two TTL tiers (L1 hot, L2 warm),
// plus the access:{id} counter and the promotion policy that moves a
// frequently-read record from L2 to L1.
package cachetier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devmesh/memoryengine/pkg/kv"
	"github.com/devmesh/memoryengine/pkg/remotestore"
)

// Config holds the tier's TTL and promotion settings (§6 configuration).
type Config struct {
	L1TTL                   time.Duration // default 24h
	L2TTL                   time.Duration // default 7 * 24h
	FrequentAccessThreshold int64         // default 3
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		L1TTL:                   24 * time.Hour,
		L2TTL:                   7 * 24 * time.Hour,
		FrequentAccessThreshold: 3,
	}
}

// Tier wraps a KV store with cache-record read/write/promotion logic.
type Tier struct {
	store kv.Store
	cfg   Config

	// Hit/miss counters back the SPEC_FULL CacheHitRate stat; they're
	// plain in-process counters, not KV state, since they're a process
	// lifetime observability metric rather part of engine-visible state.
	hits   int64
	misses int64
}

// New builds a Tier over store with the given config.
func New(store kv.Store, cfg Config) *Tier {
	return &Tier{store: store, cfg: cfg}
}

func memoryKey(userID, id string) string { return fmt.Sprintf("memory:%s:%s", userID, id) }
func accessKey(id string) string         { return "access:" + id }
func membersKey(userID string) string    { return "memories:" + userID }

// Peek reads the cache record for (userID, id) without touching the
// access counter or promotion policy. Used by callers (e.g. GetAll's
// cache-preferring path) that don't want read-side effects.
func (t *Tier) Peek(ctx context.Context, userID, id string) (remotestore.Memory, bool, error) {
	raw, found, err := t.store.Get(ctx, memoryKey(userID, id))
	if err != nil {
		return remotestore.Memory{}, false, err
	}
	if !found {
		t.misses++
		return remotestore.Memory{}, false, nil
	}
	var m remotestore.Memory
	if err := json.Unmarshal(raw, &m); err != nil {
		return remotestore.Memory{}, false, err
	}
	t.hits++
	return m, true, nil
}

// Store writes mem into the cache at the given TTL tier and records it in
// the user's sorted-set index (memories:{userId}, scored by create time)
// so GetAll's cache-preferring path can page through it.
func (t *Tier) Store(ctx context.Context, mem remotestore.Memory, ttl time.Duration) error {
	data, err := json.Marshal(mem)
	if err != nil {
		return err
	}
	if err := t.store.SetEx(ctx, memoryKey(mem.UserID, mem.ID), data, ttl); err != nil {
		return err
	}
	return t.store.ZAdd(ctx, membersKey(mem.UserID), float64(mem.CreatedAt.UnixMilli()), mem.ID)
}

// StoreHot caches mem at L1 TTL — the write policy for every successful
// Add (§4.6): recently-created memories are disproportionately re-read.
func (t *Tier) StoreHot(ctx context.Context, mem remotestore.Memory) error {
	return t.Store(ctx, mem, t.cfg.L1TTL)
}

// StoreWarm caches mem at L2 TTL.
func (t *Tier) StoreWarm(ctx context.Context, mem remotestore.Memory) error {
	return t.Store(ctx, mem, t.cfg.L2TTL)
}

// TierFor chooses L1 or L2 TTL based on the current access count, per the
// read-path repopulation rule in §4.6: L2 if access < threshold, else L1.
func (t *Tier) TierFor(access int64) time.Duration {
	if access >= t.cfg.FrequentAccessThreshold {
		return t.cfg.L1TTL
	}
	return t.cfg.L2TTL
}

// IncrAccess increments access:{id} and returns the new count. Every
// cache read increments this counter, never via read-modify-write (§5).
func (t *Tier) IncrAccess(ctx context.Context, id string) (int64, error) {
	return t.store.Incr(ctx, accessKey(id))
}

// AccessCount reads the current access count for id without incrementing.
func (t *Tier) AccessCount(ctx context.Context, id string) (int64, error) {
	raw, found, err := t.store.Get(ctx, accessKey(id))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	var n int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

// Promote rewrites the cache record's TTL to L1 if it currently looks
// like it's sitting at L2 and access has crossed the frequent-access
// threshold (§4.6 Promotion). It is a no-op if the record isn't cached.
func (t *Tier) Promote(ctx context.Context, userID, id string) error {
	access, err := t.AccessCount(ctx, id)
	if err != nil {
		return err
	}
	if access < t.cfg.FrequentAccessThreshold {
		return nil
	}
	ttl, err := t.store.TTL(ctx, memoryKey(userID, id))
	if err != nil {
		return err
	}
	// ttl < 0 means missing or no-expiry; only promote a record that is
	// actually present with a TTL longer than L1 (i.e. parked at L2).
	if ttl <= 0 || ttl <= t.cfg.L1TTL {
		return nil
	}
	return t.store.Expire(ctx, memoryKey(userID, id), t.cfg.L1TTL)
}

// Remove deletes the cache record, its access counter, and its sorted-set
// membership entry for (userID, id).
func (t *Tier) Remove(ctx context.Context, userID, id string) error {
	if err := t.store.Del(ctx, memoryKey(userID, id), accessKey(id)); err != nil {
		return err
	}
	return t.store.ZRem(ctx, membersKey(userID), id)
}

// MembersByCreatedDesc returns cached member IDs for userID, most
// recently created first, honoring limit/offset (used by GetAll's
// cache-preferring path).
func (t *Tier) MembersByCreatedDesc(ctx context.Context, userID string, limit, offset int) ([]string, error) {
	start := int64(offset)
	stop := int64(offset+limit) - 1
	if limit <= 0 {
		stop = start - 1
	}
	return t.store.ZRangeRev(ctx, membersKey(userID), start, stop)
}

// Count returns the total number of members recorded in the user's
// sorted-set index, used by GetAll's cache-preferring path to report
// `total` without an extra RemoteStore round trip.
func (t *Tier) Count(ctx context.Context, userID string) (int, error) {
	ids, err := t.store.ZRangeRev(ctx, membersKey(userID), 0, -1)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// HitRate returns hits / (hits+misses) observed since the Tier was
// constructed (SPEC_FULL's Stats.CacheHitRate).
func (t *Tier) HitRate() float64 {
	total := t.hits + t.misses
	if total == 0 {
		return 0
	}
	return float64(t.hits) / float64(total)
}

// MemoryKey exposes the cache key format so other packages (and their
// tests) can build keys consistently.
func MemoryKey(userID, id string) string { return memoryKey(userID, id) }

// AccessKeyFor exposes the access-counter key format.
func AccessKeyFor(id string) string { return accessKey(id) }
