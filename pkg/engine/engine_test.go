package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/memoryengine/pkg/apperrors"
	"github.com/devmesh/memoryengine/pkg/backgroundsync"
	"github.com/devmesh/memoryengine/pkg/cachetier"
	"github.com/devmesh/memoryengine/pkg/enrichment"
	"github.com/devmesh/memoryengine/pkg/invalidator"
	"github.com/devmesh/memoryengine/pkg/jobqueue"
	"github.com/devmesh/memoryengine/pkg/keywordindex"
	"github.com/devmesh/memoryengine/pkg/kv"
	"github.com/devmesh/memoryengine/pkg/remotestore"
	"github.com/devmesh/memoryengine/pkg/vectorindex"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type negatingEmbedder struct{}

func (negatingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{-1, 0, 0}, nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(context.Context, string) (enrichment.Extraction, error) {
	return enrichment.Extraction{}, nil
}

func newTestEngine(t *testing.T) (*Engine, *remotestore.MemoryStore, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	remote := remotestore.NewMemoryStore()
	cache := cachetier.New(store, cachetier.DefaultConfig())
	keywords := keywordindex.New(store, time.Hour)
	vectors := vectorindex.New(3)
	bus := invalidator.New(store, nil)
	jobs := jobqueue.New(time.Second)
	syncWorker := backgroundsync.New(store, remote, cache, bus, nil, nil, backgroundsync.DefaultConfig())

	cfg := DefaultConfig()
	cfg.JobWaitTimeout = time.Second
	e := New(store, remote, cache, keywords, vectors, bus, jobs, syncWorker, stubEmbedder{}, stubExtractor{}, nil, cfg)
	return e, remote, store
}

func TestAddSavesAndCaches(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	outcome, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "first memory about Go channels"})
	require.NoError(t, err)
	assert.Equal(t, "saved", outcome.Status)
	assert.NotEmpty(t, outcome.ID)
}

func TestAddDetectsDuplicate(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "the quick brown fox jumps over the lazy dog"})
	require.NoError(t, err)

	outcome, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "the quick brown fox jumps over the lazy dog"})
	require.NoError(t, err)
	assert.Equal(t, "duplicate", outcome.Status)
}

func TestAddAsyncReturnsJobID(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	outcome, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "async memory content here", Async: true})
	require.NoError(t, err)
	assert.Equal(t, "queued", outcome.Status)
	assert.NotEmpty(t, outcome.JobID)
}

func TestAddRejectsEmptyContent(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.Add(ctx, AddRequest{UserID: "u1"})
	assert.Error(t, err)
}

func TestAddRejectsContentOverCeiling(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	e.cfg.MaxContentBytes = 16

	_, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "this content is far longer than sixteen bytes"})
	require.Error(t, err)
	assert.Equal(t, apperrors.Invalid, apperrors.Of(err))
}

func TestAddAcceptsContentAtCeiling(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	e.cfg.MaxContentBytes = 16

	outcome, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "sixteen byte str"})
	require.NoError(t, err)
	assert.Equal(t, "saved", outcome.Status)
}

func TestAddRejectsNonUTF8Content(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "valid start \xff\xfe invalid"})
	require.Error(t, err)
	assert.Equal(t, apperrors.Invalid, apperrors.Of(err))
}

func TestSearchFindsAddedMemoryByKeyword(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	outcome, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "dashboard analytics overview", SkipDedup: true})
	require.NoError(t, err)

	searchOutcome, err := e.Search(ctx, SearchRequest{UserID: "u1", Query: "dashboard", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, searchOutcome.Results)
	assert.Equal(t, outcome.ID, searchOutcome.Results[0].ID)
}

func TestSearchDegradesWhenRemoteUnavailable(t *testing.T) {
	ctx := context.Background()
	e, remote, _ := newTestEngine(t)

	_, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "unrelated entry", SkipDedup: true})
	require.NoError(t, err)

	remote.Unavailable = true
	outcome, err := e.Search(ctx, SearchRequest{UserID: "u1", Query: "something nobody indexed yet", Limit: 10})
	require.NoError(t, err)
	assert.True(t, outcome.Degraded)
}

func TestSearchMapsNegativeCosineToNonNegativeSemanticScore(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	outcome, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "zzz filler content with no overlap", SkipDedup: true})
	require.NoError(t, err)
	require.NoError(t, e.vectors.Add(ctx, outcome.ID, "u1", []float32{1, 0, 0}, nil))
	e.embedder = negatingEmbedder{}

	searchOutcome, err := e.Search(ctx, SearchRequest{UserID: "u1", Query: "unrelated query terms", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, searchOutcome.Results)
	assert.GreaterOrEqual(t, searchOutcome.Results[0].Score, 0.0)
}

func TestHandleCacheInvalidatePurgesSearchCacheAndMemoryKey(t *testing.T) {
	ctx := context.Background()
	e, _, store := newTestEngine(t)

	outcome, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "alpha preferences settings", SkipDedup: true})
	require.NoError(t, err)

	_, err = e.Search(ctx, SearchRequest{UserID: "u1", Query: "preferences", Limit: 10, PreferCache: true})
	require.NoError(t, err)

	key := searchCacheKey("preferences", 10)
	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found, "search cache should be warmed before invalidation")

	e.HandleCacheInvalidate(ctx, invalidator.CacheInvalidate{Op: invalidator.OpCreate, UserID: "u1", MemoryID: outcome.ID})

	_, found, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "cache:invalidate consumer must purge search:* keys")

	_, found, err = store.Get(ctx, cachetier.MemoryKey("u1", outcome.ID))
	require.NoError(t, err)
	assert.False(t, found, "cache:invalidate consumer must delete the mutated memory's cache record")
}

func TestGetAllFromRemote(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "memory one", SkipDedup: true})
	require.NoError(t, err)
	_, err = e.Add(ctx, AddRequest{UserID: "u1", Content: "memory two", SkipDedup: true})
	require.NoError(t, err)

	outcome, err := e.GetAll(ctx, GetAllRequest{UserID: "u1", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Returned)
}

func TestGetAllFromCache(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "cached memory entry", SkipDedup: true})
	require.NoError(t, err)

	outcome, err := e.GetAll(ctx, GetAllRequest{UserID: "u1", Limit: 10, PreferCache: true})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Returned)
	assert.Equal(t, 1, outcome.Total)
}

func TestDeleteRemovesFromRemoteAndCache(t *testing.T) {
	ctx := context.Background()
	e, remote, store := newTestEngine(t)

	outcome, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "to be deleted", SkipDedup: true})
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, "u1", outcome.ID))

	_, err = remote.Get(ctx, "u1", outcome.ID)
	assert.Error(t, err)

	_, found, err := store.Get(ctx, cachetier.MemoryKey("u1", outcome.ID))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateRewritesContentAndCache(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	outcome, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "original content", SkipDedup: true})
	require.NoError(t, err)

	updated, err := e.Update(ctx, "u1", outcome.ID, "revised content", nil)
	require.NoError(t, err)
	assert.Equal(t, "revised content", updated.Content)
}

func TestDeduplicateDryRunDoesNotDelete(t *testing.T) {
	ctx := context.Background()
	e, remote, _ := newTestEngine(t)

	_, err := remote.Add(ctx, remotestore.AddRequest{UserID: "u1", Content: "alpha beta gamma delta"})
	require.NoError(t, err)
	_, err = remote.Add(ctx, remotestore.AddRequest{UserID: "u1", Content: "alpha beta gamma delta"})
	require.NoError(t, err)

	outcome, err := e.Deduplicate(ctx, DeduplicateRequest{UserID: "u1", DryRun: true})
	require.NoError(t, err)
	require.Len(t, outcome.Groups, 1)
	assert.Equal(t, 0, outcome.Deleted)

	all, err := remote.List(ctx, remotestore.ListRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeduplicateLiveDeletesDuplicates(t *testing.T) {
	ctx := context.Background()
	e, remote, _ := newTestEngine(t)

	_, err := remote.Add(ctx, remotestore.AddRequest{UserID: "u1", Content: "alpha beta gamma delta"})
	require.NoError(t, err)
	_, err = remote.Add(ctx, remotestore.AddRequest{UserID: "u1", Content: "alpha beta gamma delta"})
	require.NoError(t, err)

	outcome, err := e.Deduplicate(ctx, DeduplicateRequest{UserID: "u1", DryRun: false})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Deleted)

	all, err := remote.List(ctx, remotestore.ListRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOptimizeCacheCachesAndIndexes(t *testing.T) {
	ctx := context.Background()
	e, remote, _ := newTestEngine(t)

	_, err := remote.Add(ctx, remotestore.AddRequest{UserID: "u1", Content: "optimize me please dashboard"})
	require.NoError(t, err)

	outcome, err := e.OptimizeCache(ctx, "u1", OptimizeCacheRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Ready)

	matches, err := e.keywords.Query(ctx, "dashboard")
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestStatsReportsCachedCount(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "stats memory content", SkipDedup: true})
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cached)
}

func TestPendingOperationCountTracksJobsAndPending(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.Add(ctx, AddRequest{UserID: "u1", Content: "pending tracked content", Async: true})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return e.PendingOperationCount() >= 1
	}, time.Second, 5*time.Millisecond)
}
