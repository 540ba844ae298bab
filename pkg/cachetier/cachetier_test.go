package cachetier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/memoryengine/pkg/kv"
	"github.com/devmesh/memoryengine/pkg/remotestore"
)

func testConfig() Config {
	return Config{
		L1TTL:                   time.Hour,
		L2TTL:                   24 * time.Hour,
		FrequentAccessThreshold: 3,
	}
}

func TestStoreAndPeek(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	tier := New(store, testConfig())

	mem := remotestore.Memory{ID: "m1", UserID: "u1", Content: "hello", CreatedAt: time.Unix(1000, 0)}
	require.NoError(t, tier.StoreHot(ctx, mem))

	got, found, err := tier.Peek(ctx, "u1", "m1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", got.Content)
}

func TestPeekMissIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	tier := New(store, testConfig())

	_, found, err := tier.Peek(ctx, "u1", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTierForThreshold(t *testing.T) {
	tier := New(kv.NewMemoryStore(), testConfig())
	assert.Equal(t, tier.cfg.L2TTL, tier.TierFor(0))
	assert.Equal(t, tier.cfg.L2TTL, tier.TierFor(2))
	assert.Equal(t, tier.cfg.L1TTL, tier.TierFor(3))
}

func TestIncrAccessAndPromote(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	tier := New(store, testConfig())

	mem := remotestore.Memory{ID: "m1", UserID: "u1", Content: "hello", CreatedAt: time.Unix(1000, 0)}
	require.NoError(t, tier.StoreWarm(ctx, mem))

	for i := 0; i < 3; i++ {
		_, err := tier.IncrAccess(ctx, "m1")
		require.NoError(t, err)
	}

	require.NoError(t, tier.Promote(ctx, "u1", "m1"))

	ttl, err := store.TTL(ctx, MemoryKey("u1", "m1"))
	require.NoError(t, err)
	assert.Equal(t, tier.cfg.L1TTL, ttl)
}

func TestPromoteNoOpBelowThreshold(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	tier := New(store, testConfig())

	mem := remotestore.Memory{ID: "m1", UserID: "u1", Content: "hello", CreatedAt: time.Unix(1000, 0)}
	require.NoError(t, tier.StoreWarm(ctx, mem))
	_, err := tier.IncrAccess(ctx, "m1")
	require.NoError(t, err)

	require.NoError(t, tier.Promote(ctx, "u1", "m1"))

	ttl, err := store.TTL(ctx, MemoryKey("u1", "m1"))
	require.NoError(t, err)
	assert.Equal(t, tier.cfg.L2TTL, ttl)
}

func TestRemoveDeletesCacheAndMembership(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	tier := New(store, testConfig())

	mem := remotestore.Memory{ID: "m1", UserID: "u1", Content: "hello", CreatedAt: time.Unix(1000, 0)}
	require.NoError(t, tier.StoreHot(ctx, mem))
	require.NoError(t, tier.Remove(ctx, "u1", "m1"))

	_, found, err := tier.Peek(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.False(t, found)

	ids, err := tier.MembersByCreatedDesc(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMembersByCreatedDescOrdering(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	tier := New(store, testConfig())

	require.NoError(t, tier.StoreHot(ctx, remotestore.Memory{ID: "older", UserID: "u1", CreatedAt: time.Unix(100, 0)}))
	require.NoError(t, tier.StoreHot(ctx, remotestore.Memory{ID: "newer", UserID: "u1", CreatedAt: time.Unix(200, 0)}))

	ids, err := tier.MembersByCreatedDesc(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "newer", ids[0])
	assert.Equal(t, "older", ids[1])
}

func TestHitRate(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	tier := New(store, testConfig())

	require.NoError(t, tier.StoreHot(ctx, remotestore.Memory{ID: "m1", UserID: "u1", CreatedAt: time.Unix(1, 0)}))

	_, _, err := tier.Peek(ctx, "u1", "m1")
	require.NoError(t, err)
	_, _, err = tier.Peek(ctx, "u1", "missing")
	require.NoError(t, err)

	assert.InDelta(t, 0.5, tier.HitRate(), 0.0001)
}
