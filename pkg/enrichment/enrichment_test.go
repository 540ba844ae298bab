package enrichment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/memoryengine/internal/observability"
	"github.com/devmesh/memoryengine/pkg/cachetier"
	"github.com/devmesh/memoryengine/pkg/invalidator"
	"github.com/devmesh/memoryengine/pkg/keywordindex"
	"github.com/devmesh/memoryengine/pkg/kv"
	"github.com/devmesh/memoryengine/pkg/remotestore"
	"github.com/devmesh/memoryengine/pkg/vectorindex"
)

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vector, f.err
}

type fakeExtractor struct {
	extraction Extraction
	err        error
}

func (f fakeExtractor) Extract(context.Context, string) (Extraction, error) {
	return f.extraction, f.err
}

func newTestWorker(t *testing.T, remote remotestore.Store, embedder Embedder, extractor Extractor) (*Worker, *cachetier.Tier, *vectorindex.Index, *keywordindex.Index, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	cache := cachetier.New(store, cachetier.DefaultConfig())
	keywords := keywordindex.New(store, time.Hour)
	vectors := vectorindex.New(3)
	bus := invalidator.New(store, observability.NopLogger{})
	w := New(remote, cache, keywords, vectors, bus, embedder, extractor, nil, DefaultConfig())
	return w, cache, vectors, keywords, store
}

func TestEnrichFillsCacheVectorAndKeywords(t *testing.T) {
	ctx := context.Background()
	remote := remotestore.NewMemoryStore()
	mem := remotestore.Memory{UserID: "u1", Content: "Dashboard uses Next.js and Tailwind CSS", Metadata: map[string]interface{}{"priority": "normal"}}
	results, err := remote.Add(ctx, remotestore.AddRequest{UserID: "u1", Content: mem.Content, Metadata: mem.Metadata})
	require.NoError(t, err)
	id := results[0].ID

	w, cache, vectors, keywords, _ := newTestWorker(t, remote, fakeEmbedder{vector: []float32{1, 0, 0}}, fakeExtractor{extraction: Extraction{Entities: []string{"Next.js"}, Keywords: []string{"dashboard"}}})

	w.Enrich(ctx, invalidator.MemoryProcess{UserID: "u1", MemoryID: id, Content: mem.Content})

	cached, found, err := cache.Peek(ctx, "u1", id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, cached.Metadata, "entities")

	_, ok := vectors.Get(id)
	assert.True(t, ok)

	matches, err := keywords.Query(ctx, "dashboard")
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, id, matches[0].ID)
}

func TestEnrichSurvivesEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	remote := remotestore.NewMemoryStore()
	results, err := remote.Add(ctx, remotestore.AddRequest{UserID: "u1", Content: "short note here"})
	require.NoError(t, err)
	id := results[0].ID

	w, cache, vectors, _, _ := newTestWorker(t, remote, fakeEmbedder{err: assertErr{}}, fakeExtractor{})
	w.Enrich(ctx, invalidator.MemoryProcess{UserID: "u1", MemoryID: id, Content: "short note here"})

	_, found, err := cache.Peek(ctx, "u1", id)
	require.NoError(t, err)
	assert.True(t, found)

	_, ok := vectors.Get(id)
	assert.False(t, ok)
}

func TestEnrichGivesUpSilentlyWhenRemoteUnavailable(t *testing.T) {
	ctx := context.Background()
	remote := remotestore.NewMemoryStore()
	remote.Unavailable = true

	w, cache, _, _, _ := newTestWorker(t, remote, fakeEmbedder{}, fakeExtractor{})

	done := make(chan struct{})
	go func() {
		w.Enrich(ctx, invalidator.MemoryProcess{UserID: "u1", MemoryID: "missing", Content: "x"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("enrich did not give up within the retry budget")
	}

	_, found, err := cache.Peek(ctx, "u1", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

type assertErr struct{}

func (assertErr) Error() string { return "embedding failed" }
