package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/memoryengine/pkg/backgroundsync"
	"github.com/devmesh/memoryengine/pkg/cachetier"
	"github.com/devmesh/memoryengine/pkg/engine"
	"github.com/devmesh/memoryengine/pkg/enrichment"
	"github.com/devmesh/memoryengine/pkg/invalidator"
	"github.com/devmesh/memoryengine/pkg/jobqueue"
	"github.com/devmesh/memoryengine/pkg/keywordindex"
	"github.com/devmesh/memoryengine/pkg/kv"
	"github.com/devmesh/memoryengine/pkg/remotestore"
	"github.com/devmesh/memoryengine/pkg/vectorindex"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{1, 0, 0}, nil }

type stubExtractor struct{}

func (stubExtractor) Extract(context.Context, string) (enrichment.Extraction, error) {
	return enrichment.Extraction{}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := kv.NewMemoryStore()
	remote := remotestore.NewMemoryStore()
	cache := cachetier.New(store, cachetier.DefaultConfig())
	keywords := keywordindex.New(store, time.Hour)
	vectors := vectorindex.New(3)
	bus := invalidator.New(store, nil)
	jobs := jobqueue.New(time.Second)
	syncWorker := backgroundsync.New(store, remote, cache, bus, nil, nil, backgroundsync.DefaultConfig())

	cfg := engine.DefaultConfig()
	cfg.JobWaitTimeout = time.Second
	eng := engine.New(store, remote, cache, keywords, vectors, bus, jobs, syncWorker, stubEmbedder{}, stubExtractor{}, nil, cfg)
	return New(eng, "default", nil)
}

func call(t *testing.T, s *Server, method string, params interface{}) ToolResult {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	req := Request{JSONRPC: "2.0", ID: 1, Method: method, Params: raw}
	line, err := json.Marshal(req)
	require.NoError(t, err)

	var out bytes.Buffer
	err = s.Serve(context.Background(), strings.NewReader(string(line)+"\n"), &out)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	return *resp.Result
}

func TestAddMemoryReturnsSaved(t *testing.T) {
	s := newTestServer(t)
	res := call(t, s, "add_memory", map[string]interface{}{
		"content": "Dashboard uses Next.js 14", "user_id": "alice", "async": false,
	})
	assert.Equal(t, "Saved", res.Text)
}

func TestAddMemoryDetectsDuplicate(t *testing.T) {
	s := newTestServer(t)
	call(t, s, "add_memory", map[string]interface{}{"content": "Dashboard uses Next.js 14", "user_id": "alice", "async": false})
	res := call(t, s, "add_memory", map[string]interface{}{"content": "Dashboard uses Next.js 14", "user_id": "alice", "async": false})
	assert.Equal(t, "Already saved", res.Text)
}

func TestSearchMemoryEmptyQuery(t *testing.T) {
	s := newTestServer(t)
	res := call(t, s, "search_memory", map[string]interface{}{"query": "", "user_id": "alice"})
	assert.Equal(t, "No memories found", res.Text)
}

func TestSearchMemoryFindsSavedEntry(t *testing.T) {
	s := newTestServer(t)
	call(t, s, "add_memory", map[string]interface{}{"content": "dashboard analytics overview", "user_id": "alice", "async": false, "skip_duplicate_check": true})
	res := call(t, s, "search_memory", map[string]interface{}{"query": "dashboard", "user_id": "alice", "prefer_cache": false})
	assert.Contains(t, res.Text, "dashboard analytics overview")
}

func TestDeleteMemoryRequiresID(t *testing.T) {
	s := newTestServer(t)
	res := call(t, s, "delete_memory", map[string]interface{}{"memory_id": ""})
	assert.Contains(t, res.Text, "Error:")
}

func TestGetAllMemoriesReportsCount(t *testing.T) {
	s := newTestServer(t)
	added := call(t, s, "add_memory", map[string]interface{}{"content": "to be listed", "user_id": "alice", "async": false, "skip_duplicate_check": true})
	require.Equal(t, "Saved", added.Text)

	res := call(t, s, "get_all_memories", map[string]interface{}{"user_id": "alice", "prefer_cache": false})
	assert.Equal(t, "1 memories retrieved", res.Text)

	stats := call(t, s, "cache_stats", map[string]interface{}{})
	assert.Contains(t, stats.Text, "memories cached")
}

func TestOptimizeCacheReportsReadyCount(t *testing.T) {
	s := newTestServer(t)
	res := call(t, s, "optimize_cache", map[string]interface{}{})
	assert.Equal(t, "Cache optimized: 0 memories ready", res.Text)
}

func TestSyncStatusAllComplete(t *testing.T) {
	s := newTestServer(t)
	res := call(t, s, "sync_status", map[string]interface{}{})
	assert.Equal(t, "All operations complete", res.Text)
}

func TestUnknownMethodReturnsError(t *testing.T) {
	s := newTestServer(t)
	res := call(t, s, "not_a_real_tool", map[string]interface{}{})
	assert.Contains(t, res.Text, "Error:")
}

func TestDeleteMemoryThenSearchFindsNothing(t *testing.T) {
	s := newTestServer(t)
	added := call(t, s, "add_memory", map[string]interface{}{"content": "fleeting note", "user_id": "alice", "async": false, "skip_duplicate_check": true})
	require.Equal(t, "Saved", added.Text)

	all, err := memoryIDs(s, "alice")
	require.NoError(t, err)
	require.Len(t, all, 1)

	res := call(t, s, "delete_memory", map[string]interface{}{"memory_id": all[0], "user_id": "alice"})
	assert.Equal(t, "Deleted", res.Text)

	res = call(t, s, "search_memory", map[string]interface{}{"query": "fleeting note", "user_id": "alice"})
	assert.Equal(t, "No memories found", res.Text)
}

func memoryIDs(s *Server, userID string) ([]string, error) {
	outcome, err := s.engine.GetAll(context.Background(), engine.GetAllRequest{UserID: userID, PreferCache: false})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(outcome.Memories))
	for _, m := range outcome.Memories {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
