// Package engine implements C11, the Orchestrator: the public API
// (Add, Update, Search, GetAll, Delete, Deduplicate, OptimizeCache,
// Stats) that wires every other component together into the hybrid
// cache-and-search system described by §4.11.
package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/devmesh/memoryengine/internal/observability"
	"github.com/devmesh/memoryengine/pkg/apperrors"
	"github.com/devmesh/memoryengine/pkg/backgroundsync"
	"github.com/devmesh/memoryengine/pkg/cachetier"
	"github.com/devmesh/memoryengine/pkg/enrichment"
	"github.com/devmesh/memoryengine/pkg/invalidator"
	"github.com/devmesh/memoryengine/pkg/jobqueue"
	"github.com/devmesh/memoryengine/pkg/keywordindex"
	"github.com/devmesh/memoryengine/pkg/kv"
	"github.com/devmesh/memoryengine/pkg/remotestore"
	"github.com/devmesh/memoryengine/pkg/similarity"
	"github.com/devmesh/memoryengine/pkg/vectorindex"
)

// Priority mirrors metadata["priority"] (§3 Data Model).
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Config holds the Orchestrator's tunables, all overridable via
// internal/config (§6 Configuration).
type Config struct {
	L1TTL                   time.Duration
	L2TTL                   time.Duration
	SearchTTL               time.Duration
	FrequentAccessThreshold int64
	MaxCacheSize            int
	BatchSize               int
	DedupThreshold          float64
	DedupSearchLimit        int
	DedupListLimit          int
	JobWaitTimeout          time.Duration
	RemoteTimeout           time.Duration
	KVTimeout               time.Duration
	MaxContentBytes         int
}

// DefaultConfig returns the defaults named throughout §4 and §6.
func DefaultConfig() Config {
	return Config{
		L1TTL:                   24 * time.Hour,
		L2TTL:                   7 * 24 * time.Hour,
		SearchTTL:               5 * time.Minute,
		FrequentAccessThreshold: 3,
		MaxCacheSize:            1000,
		BatchSize:               50,
		DedupThreshold:          0.85,
		DedupSearchLimit:        5,
		DedupListLimit:          1000,
		JobWaitTimeout:          30 * time.Second,
		RemoteTimeout:           10 * time.Second,
		KVTimeout:               2 * time.Second,
		MaxContentBytes:         64 * 1024,
	}
}

// Engine is the Orchestrator. It owns no mutable state beyond what its
// collaborators own; per §9 Design Notes, the process's only
// package-scope concern is main's signal handling, not this struct.
type Engine struct {
	kvStore   kv.Store
	remote    remotestore.Store
	cache     *cachetier.Tier
	keywords  *keywordindex.Index
	vectors   *vectorindex.Index
	bus       *invalidator.Bus
	jobs      *jobqueue.Queue
	sync      *backgroundsync.Worker
	embedder  enrichment.Embedder
	extractor enrichment.Extractor
	weights   similarity.CombinerWeights
	logger    observability.Logger
	cfg       Config
}

// New builds an Engine from its fully constructed collaborators.
// Construction is deliberately injection-based (§9 "Dynamic dispatch
// over storage backends") so tests assemble it from in-memory fakes.
func New(
	kvStore kv.Store,
	remote remotestore.Store,
	cache *cachetier.Tier,
	keywords *keywordindex.Index,
	vectors *vectorindex.Index,
	bus *invalidator.Bus,
	jobs *jobqueue.Queue,
	syncWorker *backgroundsync.Worker,
	embedder enrichment.Embedder,
	extractor enrichment.Extractor,
	logger observability.Logger,
	cfg Config,
) *Engine {
	return &Engine{
		kvStore: kvStore, remote: remote, cache: cache, keywords: keywords, vectors: vectors,
		bus: bus, jobs: jobs, sync: syncWorker, embedder: embedder, extractor: extractor,
		weights: similarity.DefaultWeights(), logger: observability.OrNop(logger), cfg: cfg,
	}
}

// AddRequest is the input to Add.
type AddRequest struct {
	UserID     string
	Content    string
	Messages   []remotestore.ChatMessage
	Metadata   map[string]interface{}
	Priority   Priority
	Async      bool
	SkipDedup  bool
}

// AddOutcome is Add's result.
type AddOutcome struct {
	Status string // "duplicate", "queued", or "saved"
	ID     string
	IDs    []string
	JobID  string
}

// Add implements §4.11 Add. Dedup runs synchronously; the RemoteStore
// write, cache population, pending tracking, and the memory:process
// publish run on a job the caller either waits on (sync mode) or walks
// away from immediately (async mode).
func (e *Engine) Add(ctx context.Context, req AddRequest) (AddOutcome, error) {
	if req.UserID == "" || (req.Content == "" && len(req.Messages) == 0) {
		return AddOutcome{}, apperrors.New(apperrors.Invalid, "Add", "userId and content/messages are required")
	}
	if req.Content != "" {
		if !utf8.ValidString(req.Content) {
			return AddOutcome{}, apperrors.New(apperrors.Invalid, "Add", "content must be valid UTF-8")
		}
		if len(req.Content) > e.cfg.MaxContentBytes {
			return AddOutcome{}, apperrors.New(apperrors.Invalid, "Add", "content exceeds the configured length ceiling")
		}
	}

	if !req.SkipDedup && req.Content != "" {
		dupID, isDup, err := e.checkDuplicate(ctx, req.UserID, req.Content)
		if err != nil {
			e.logger.Warn("engine: dedup check failed, proceeding with add", map[string]interface{}{"error": err.Error()})
		} else if isDup {
			return AddOutcome{Status: "duplicate", ID: dupID}, nil
		}
	}

	jobID := jobqueue.NewJobID()
	e.jobs.Enqueue(jobID)
	go e.runAdd(jobID, req)

	if req.Async {
		return AddOutcome{Status: "queued", JobID: jobID}, nil
	}

	waitCtx, cancel := apperrors.WithDeadline(ctx, e.cfg.JobWaitTimeout)
	defer cancel()
	result, err := e.jobs.Wait(waitCtx, jobID)
	if err != nil {
		return AddOutcome{}, apperrors.Wrap(apperrors.Timeout, "Add", "add did not complete in time", err)
	}
	if result.Err != nil {
		return AddOutcome{}, result.Err
	}
	ids := result.Value.([]string)
	return AddOutcome{Status: "saved", ID: ids[0], IDs: ids}, nil
}

// runAdd is the worker task described in §9 Async control flow: it runs
// RemoteStore.Add, then caches and tracks each resulting record, then
// resolves the job. Full enrichment (entities, embedding) happens in the
// separately-subscribed enrichment worker, decoupled via memory:process.
func (e *Engine) runAdd(jobID string, req AddRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RemoteTimeout)
	defer cancel()

	metadata := cloneMeta(req.Metadata)
	if req.Priority != "" {
		if metadata == nil {
			metadata = make(map[string]interface{})
		}
		metadata["priority"] = string(req.Priority)
	}

	results, err := e.remote.Add(ctx, remotestore.AddRequest{
		UserID: req.UserID, Content: req.Content, Messages: req.Messages, Metadata: metadata,
	})
	if err != nil {
		e.jobs.Resolve(jobID, jobqueue.Result{Err: apperrors.Classify("Add", err)})
		return
	}

	ids := make([]string, 0, len(results))
	for _, r := range results {
		mem := remotestore.Memory{ID: r.ID, UserID: r.UserID, Content: r.Memory, CreatedAt: r.CreatedAt, Metadata: metadata}
		if err := e.cache.StoreHot(ctx, mem); err != nil {
			e.logger.Warn("engine: post-add cache write failed", map[string]interface{}{"memoryId": mem.ID, "error": err.Error()})
		}
		if e.sync != nil {
			e.sync.TrackPending(mem.UserID, mem.ID, mem.Content, time.Now())
		}
		e.bus.PublishMemoryProcess(ctx, invalidator.MemoryProcess{UserID: mem.UserID, MemoryID: mem.ID, Content: mem.Content})
		e.bus.PublishCacheInvalidate(ctx, invalidator.CacheInvalidate{Op: invalidator.OpCreate, UserID: mem.UserID, MemoryID: mem.ID})
		ids = append(ids, mem.ID)
	}
	e.jobs.Resolve(jobID, jobqueue.Result{Value: ids})
}

// checkDuplicate implements §4.11's dedup check: search on the first 100
// runes of content and compare token-Jaccard against each hit.
func (e *Engine) checkDuplicate(ctx context.Context, userID, content string) (string, bool, error) {
	probe := truncateRunes(content, 100)
	outcome, err := e.Search(ctx, SearchRequest{UserID: userID, Query: probe, Limit: e.cfg.DedupSearchLimit, PreferCache: false})
	if err != nil {
		return "", false, err
	}
	for _, r := range outcome.Results {
		if similarity.Jaccard(r.Content, content) >= e.cfg.DedupThreshold {
			return r.ID, true, nil
		}
	}
	return "", false, nil
}

// SearchRequest is the input to Search.
type SearchRequest struct {
	UserID      string
	Query       string
	Limit       int
	PreferCache bool
}

// SearchResult is a single ranked hit.
type SearchResult struct {
	ID       string
	UserID   string
	Content  string
	Score    float64
	Metadata map[string]interface{}
	Source   string // "cache", "vector", "keyword", "remote"
}

// SearchOutcome is Search's result.
type SearchOutcome struct {
	Results  []SearchResult
	Degraded bool
}

type scoredCandidate struct {
	id     string
	scores similarity.SubScores
	source string
}

// Search implements §4.11 Search.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (SearchOutcome, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}
	cacheKey := searchCacheKey(req.Query, req.Limit)

	if req.PreferCache {
		if cached, ok := e.readSearchCache(ctx, req.UserID, cacheKey); ok {
			return SearchOutcome{Results: cached}, nil
		}
	}

	candidates := make(map[string]*scoredCandidate)
	degraded := false

	if e.embedder != nil {
		if qVec, err := e.embedder.Embed(ctx, req.Query); err == nil {
			for _, hit := range e.vectors.Search(ctx, req.UserID, qVec, 2*req.Limit) {
				// Cosine is in [-1,1]; §4.3 maps it affinely to [0,1] before
				// it feeds the weighted mix so a negative dot product
				// doesn't subtract from the combined score.
				semantic := (hit.Score + 1) / 2
				candidates[hit.ID] = &scoredCandidate{id: hit.ID, scores: similarity.SubScores{Semantic: semantic}, source: "vector"}
			}
		}
	}

	if len(candidates) < req.Limit {
		queryTokens := keywordindex.QueryTokenCount(req.Query)
		matches, err := e.keywords.Query(ctx, req.Query)
		if err == nil {
			kwBudget := req.Limit / 2
			if kwBudget < 1 {
				kwBudget = 1
			}
			for i, m := range matches {
				if i >= kwBudget {
					break
				}
				score := float64(m.Count) / float64(maxInt(1, queryTokens))
				if c, ok := candidates[m.ID]; ok {
					if score > c.scores.Keyword {
						c.scores.Keyword = score
					}
				} else {
					candidates[m.ID] = &scoredCandidate{id: m.ID, scores: similarity.SubScores{Keyword: score}, source: "keyword"}
				}
			}
		}
	}

	remaining := req.Limit - len(candidates)
	if remaining > 0 {
		resp, err := e.remote.Search(ctx, remotestore.SearchRequest{UserID: req.UserID, Query: req.Query, Limit: remaining})
		if err != nil {
			degraded = true
			e.logger.Warn("engine: remote search degraded", map[string]interface{}{"error": err.Error()})
		} else {
			for _, m := range resp.Results {
				if _, ok := candidates[m.ID]; !ok {
					candidates[m.ID] = &scoredCandidate{id: m.ID, source: "remote"}
				}
			}
		}
	}

	var queryEntities []string
	if e.extractor != nil {
		if ex, err := e.extractor.Extract(ctx, req.Query); err == nil {
			queryEntities = ex.Entities
		}
	}

	results := make([]SearchResult, 0, len(candidates))
	for id, c := range candidates {
		mem, found, err := e.fetch(ctx, req.UserID, id)
		if err != nil || !found {
			continue
		}
		c.scores.Entity = entityOverlapScore(queryEntities, metaStrings(mem.Metadata, "entities"))
		c.scores.Recency = recencyScore(mem.CreatedAt)
		access, _ := e.cache.AccessCount(ctx, id)
		c.scores.Frequency = frequencyScore(access)

		results = append(results, SearchResult{
			ID: mem.ID, UserID: mem.UserID, Content: mem.Content, Metadata: mem.Metadata,
			Score: similarity.Combine(c.scores, e.weights), Source: c.source,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}

	if !degraded {
		e.writeSearchCache(ctx, req.UserID, cacheKey, results)
	}

	return SearchOutcome{Results: results, Degraded: degraded}, nil
}

// fetch is the shared §4.6 read path: cache first, RemoteStore on miss,
// with the access counter incremented and the tier selected/promoted on
// every read.
func (e *Engine) fetch(ctx context.Context, userID, id string) (remotestore.Memory, bool, error) {
	kvCtx, cancel := apperrors.WithDeadline(ctx, e.cfg.KVTimeout)
	defer cancel()

	if mem, found, err := e.cache.Peek(kvCtx, userID, id); err == nil && found {
		if _, err := e.cache.IncrAccess(kvCtx, id); err != nil {
			e.logger.Warn("engine: access incr failed", map[string]interface{}{"memoryId": id, "error": err.Error()})
		}
		if err := e.cache.Promote(kvCtx, userID, id); err != nil {
			e.logger.Warn("engine: promote failed", map[string]interface{}{"memoryId": id, "error": err.Error()})
		}
		return mem, true, nil
	}

	mem, err := e.remote.Get(ctx, userID, id)
	if err != nil {
		if apperrors.Is(err, apperrors.NotFound) {
			return remotestore.Memory{}, false, nil
		}
		return remotestore.Memory{}, false, err
	}
	access, _ := e.cache.IncrAccess(kvCtx, id)
	if err := e.cache.Store(kvCtx, mem, e.cache.TierFor(access)); err != nil {
		e.logger.Warn("engine: cache repopulate failed", map[string]interface{}{"memoryId": id, "error": err.Error()})
	}
	return mem, true, nil
}

type searchCacheRow struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

func (e *Engine) readSearchCache(ctx context.Context, userID, key string) ([]SearchResult, bool) {
	raw, found, err := e.kvStore.Get(ctx, key)
	if err != nil || !found {
		return nil, false
	}
	var rows []searchCacheRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, false
	}
	out := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		mem, found, err := e.fetch(ctx, userID, row.ID)
		if err != nil || !found {
			continue
		}
		out = append(out, SearchResult{ID: mem.ID, UserID: mem.UserID, Content: mem.Content, Metadata: mem.Metadata, Score: row.Score, Source: "cache"})
	}
	return out, true
}

func (e *Engine) writeSearchCache(ctx context.Context, userID, key string, results []SearchResult) {
	rows := make([]searchCacheRow, len(results))
	for i, r := range results {
		rows[i] = searchCacheRow{ID: r.ID, Score: r.Score}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return
	}
	if err := e.kvStore.SetEx(ctx, key, data, e.cfg.SearchTTL); err != nil {
		e.logger.Warn("engine: search cache write failed", map[string]interface{}{"userId": userID, "error": err.Error()})
	}
}

func searchCacheKey(query string, limit int) string {
	sum := sha1.Sum([]byte(query))
	return fmt.Sprintf("search:%s:%d", hex.EncodeToString(sum[:]), limit)
}

// GetAllRequest is the input to GetAll.
type GetAllRequest struct {
	UserID      string
	Limit       int
	Offset      int
	PreferCache bool
}

// GetAllOutcome is GetAll's result.
type GetAllOutcome struct {
	Total    int
	Returned int
	HasMore  bool
	Memories []remotestore.Memory
}

// GetAll implements §4.11 GetAll.
func (e *Engine) GetAll(ctx context.Context, req GetAllRequest) (GetAllOutcome, error) {
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 100
	}

	if req.PreferCache {
		ids, err := e.cache.MembersByCreatedDesc(ctx, req.UserID, req.Limit, req.Offset)
		if err != nil {
			return GetAllOutcome{}, apperrors.Classify("GetAll", err)
		}
		total, _ := e.cache.Count(ctx, req.UserID)
		memories := make([]remotestore.Memory, 0, len(ids))
		for _, id := range ids {
			if mem, found, err := e.cache.Peek(ctx, req.UserID, id); err == nil && found {
				memories = append(memories, mem)
			}
		}
		return GetAllOutcome{
			Total: total, Returned: len(memories),
			HasMore:  req.Offset+len(memories) < total,
			Memories: memories,
		}, nil
	}

	list, err := e.remote.List(ctx, remotestore.ListRequest{UserID: req.UserID, Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return GetAllOutcome{}, apperrors.Classify("GetAll", err)
	}
	return GetAllOutcome{
		Total: req.Offset + len(list), Returned: len(list),
		HasMore:  len(list) == req.Limit,
		Memories: list,
	}, nil
}

// Delete implements §4.11 Delete: RemoteStore.Delete is the only path
// that removes the authoritative record; every cache and index trace is
// then proactively cleaned up.
func (e *Engine) Delete(ctx context.Context, userID, id string) error {
	if err := e.remote.Delete(ctx, userID, id); err != nil {
		return apperrors.Classify("Delete", err)
	}
	e.bus.PublishCacheInvalidate(ctx, invalidator.CacheInvalidate{Op: invalidator.OpDelete, UserID: userID, MemoryID: id})

	if err := e.cache.Remove(ctx, userID, id); err != nil {
		e.logger.Warn("engine: cache cleanup failed on delete", map[string]interface{}{"memoryId": id, "error": err.Error()})
	}
	if err := e.keywords.Remove(ctx, id); err != nil {
		e.logger.Warn("engine: keyword cleanup failed on delete", map[string]interface{}{"memoryId": id, "error": err.Error()})
	}
	e.vectors.Delete(ctx, id)
	if e.sync != nil {
		e.sync.ClearPending(userID, id)
	}
	return nil
}

// Update implements the SPEC_FULL-added Engine.Update operation.
func (e *Engine) Update(ctx context.Context, userID, id, content string, metadata map[string]interface{}) (remotestore.Memory, error) {
	mem, err := e.remote.Update(ctx, userID, id, content, metadata)
	if err != nil {
		return remotestore.Memory{}, apperrors.Classify("Update", err)
	}
	if err := e.cache.StoreHot(ctx, mem); err != nil {
		e.logger.Warn("engine: cache write failed on update", map[string]interface{}{"memoryId": id, "error": err.Error()})
	}
	if content != "" {
		if err := e.keywords.Remove(ctx, id); err != nil {
			e.logger.Warn("engine: keyword removal failed on update", map[string]interface{}{"memoryId": id, "error": err.Error()})
		}
		if err := e.keywords.IndexContent(ctx, id, mem.Content); err != nil {
			e.logger.Warn("engine: keyword reindex failed on update", map[string]interface{}{"memoryId": id, "error": err.Error()})
		}
		e.vectors.Delete(ctx, id) // pending re-embedding
	}
	e.bus.PublishCacheInvalidate(ctx, invalidator.CacheInvalidate{Op: invalidator.OpUpdate, UserID: userID, MemoryID: id})
	return mem, nil
}

// DuplicateGroup names one primary memory and the duplicates found
// alongside it by Deduplicate.
type DuplicateGroup struct {
	PrimaryID  string
	Duplicates []string
}

// DeduplicateRequest is the input to Deduplicate.
type DeduplicateRequest struct {
	UserID    string
	Threshold float64
	DryRun    bool
}

// DeduplicateOutcome is Deduplicate's result.
type DeduplicateOutcome struct {
	Groups  []DuplicateGroup
	Deleted int
}

// Deduplicate implements §4.11 Deduplicate: O(n²) pairwise token-Jaccard
// over up to DedupListLimit memories.
func (e *Engine) Deduplicate(ctx context.Context, req DeduplicateRequest) (DeduplicateOutcome, error) {
	if req.Threshold <= 0 {
		req.Threshold = e.cfg.DedupThreshold
	}
	list, err := e.remote.List(ctx, remotestore.ListRequest{UserID: req.UserID, Limit: e.cfg.DedupListLimit})
	if err != nil {
		return DeduplicateOutcome{}, apperrors.Classify("Deduplicate", err)
	}

	tokenSets := make([]map[string]struct{}, len(list))
	for i, m := range list {
		tokenSets[i] = similarity.TokenSet(m.Content)
	}

	visited := make([]bool, len(list))
	var groups []DuplicateGroup
	for i := range list {
		if visited[i] {
			continue
		}
		group := DuplicateGroup{PrimaryID: list[i].ID}
		for j := i + 1; j < len(list); j++ {
			if visited[j] {
				continue
			}
			if similarity.JaccardSets(tokenSets[i], tokenSets[j]) >= req.Threshold {
				visited[j] = true
				group.Duplicates = append(group.Duplicates, list[j].ID)
			}
		}
		if len(group.Duplicates) > 0 {
			groups = append(groups, group)
		}
		visited[i] = true
	}

	deleted := 0
	if !req.DryRun {
		for _, g := range groups {
			for _, dupID := range g.Duplicates {
				if err := e.Delete(ctx, req.UserID, dupID); err != nil {
					e.logger.Warn("engine: dedup delete failed", map[string]interface{}{"memoryId": dupID, "error": err.Error()})
					continue
				}
				deleted++
			}
		}
	}
	return DeduplicateOutcome{Groups: groups, Deleted: deleted}, nil
}

// OptimizeCacheRequest is the input to OptimizeCache.
type OptimizeCacheRequest struct {
	ForceRefresh bool
	MaxMemories  int
}

// OptimizeCacheOutcome is OptimizeCache's result.
type OptimizeCacheOutcome struct {
	Ready int
}

// OptimizeCache implements §4.11 OptimizeCache.
func (e *Engine) OptimizeCache(ctx context.Context, userID string, req OptimizeCacheRequest) (OptimizeCacheOutcome, error) {
	if req.MaxMemories <= 0 {
		req.MaxMemories = 1000
	}

	if req.ForceRefresh {
		e.dropKeysByPrefix(ctx, "memory:")
		e.dropKeysByPrefix(ctx, "kw:")
		e.dropKeysByPrefix(ctx, "mkw:")
	}

	list, err := e.remote.List(ctx, remotestore.ListRequest{UserID: userID, Limit: req.MaxMemories})
	if err != nil {
		return OptimizeCacheOutcome{}, apperrors.Classify("OptimizeCache", err)
	}

	ready := 0
	for i, mem := range list {
		access, _ := e.cache.AccessCount(ctx, mem.ID)
		ttl := e.cache.TierFor(access)
		if i < 100 {
			ttl = e.cfg.L1TTL
		}
		if err := e.cache.Store(ctx, mem, ttl); err != nil {
			e.logger.Warn("engine: optimize cache write failed", map[string]interface{}{"memoryId": mem.ID, "error": err.Error()})
			continue
		}
		if err := e.keywords.IndexContent(ctx, mem.ID, mem.Content); err != nil {
			e.logger.Warn("engine: optimize keyword index failed", map[string]interface{}{"memoryId": mem.ID, "error": err.Error()})
		}
		ready++
	}
	return OptimizeCacheOutcome{Ready: ready}, nil
}

// HandleCacheInvalidate is the §4.7 cache:invalidate consumer: on any
// create/update/delete event it drops the mutated record's cache entry
// and purges every search-result cache row, since a cached search list
// may reference content that just changed. It is idempotent, as every
// cache:invalidate consumer must be (§4.7 invariant), so it is safe to
// run for an event the publisher's own code path already handled.
func (e *Engine) HandleCacheInvalidate(ctx context.Context, ev invalidator.CacheInvalidate) {
	if err := e.cache.Remove(ctx, ev.UserID, ev.MemoryID); err != nil {
		e.logger.Warn("engine: cache invalidate consumer failed to remove memory key", map[string]interface{}{"memoryId": ev.MemoryID, "error": err.Error()})
	}
	e.dropKeysByPrefix(ctx, "search:")
}

func (e *Engine) dropKeysByPrefix(ctx context.Context, prefix string) {
	var cursor uint64
	for {
		next, keys, err := e.kvStore.Scan(ctx, cursor, prefix+"*", 100)
		if err != nil {
			e.logger.Warn("engine: scan failed during cache drop", map[string]interface{}{"prefix": prefix, "error": err.Error()})
			return
		}
		if len(keys) > 0 {
			if err := e.kvStore.Del(ctx, keys...); err != nil {
				e.logger.Warn("engine: delete failed during cache drop", map[string]interface{}{"prefix": prefix, "error": err.Error()})
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Stats is the §4.11 Stats() response, with the SPEC_FULL-added
// CacheHitRate.
type Stats struct {
	Cached       int
	Keywords     int
	AccessTotal  int64
	TopAccessed  []AccessedEntry
	MemoryUsage  int64
	CacheHitRate float64
}

// AccessedEntry names a cached memory id and its access count.
type AccessedEntry struct {
	ID     string
	Access int64
}

// Stats implements §4.11 Stats.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	memoryKeys, memoryUsage, err := e.scanWithSize(ctx, "memory:*")
	if err != nil {
		return Stats{}, apperrors.Classify("Stats", err)
	}
	keywordKeys, _, err := e.scanWithSize(ctx, "kw:*")
	if err != nil {
		return Stats{}, apperrors.Classify("Stats", err)
	}
	accessKeys, _, err := e.scanWithSize(ctx, "access:*")
	if err != nil {
		return Stats{}, apperrors.Classify("Stats", err)
	}

	var total int64
	entries := make([]AccessedEntry, 0, len(accessKeys))
	for _, key := range accessKeys {
		raw, found, err := e.kvStore.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		n := parseInt(raw)
		total += n
		entries = append(entries, AccessedEntry{ID: strings.TrimPrefix(key, "access:"), Access: n})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Access > entries[j].Access })
	if len(entries) > 10 {
		entries = entries[:10]
	}

	return Stats{
		Cached: len(memoryKeys), Keywords: len(keywordKeys), AccessTotal: total,
		TopAccessed: entries, MemoryUsage: memoryUsage, CacheHitRate: e.cache.HitRate(),
	}, nil
}

func (e *Engine) scanWithSize(ctx context.Context, pattern string) ([]string, int64, error) {
	var cursor uint64
	var keys []string
	var size int64
	for {
		next, batch, err := e.kvStore.Scan(ctx, cursor, pattern, 100)
		if err != nil {
			return nil, 0, err
		}
		keys = append(keys, batch...)
		for _, k := range batch {
			if v, found, err := e.kvStore.Get(ctx, k); err == nil && found {
				size += int64(len(v))
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, size, nil
}

// PendingOperationCount implements the sync_status reading: outstanding
// enrichment work plus in-flight jobs (SUPPLEMENTED FEATURES).
func (e *Engine) PendingOperationCount() int {
	pending := 0
	if e.sync != nil {
		pending = e.sync.PendingCount()
	}
	return pending + e.jobs.Len()
}

func cloneMeta(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func parseInt(raw []byte) int64 {
	var n int64
	neg := false
	for i, c := range raw {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

func metaStrings(meta map[string]interface{}, key string) []string {
	if meta == nil {
		return nil
	}
	raw, ok := meta[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func entityOverlapScore(queryEntities, memoryEntities []string) float64 {
	if len(queryEntities) == 0 || len(memoryEntities) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(memoryEntities))
	for _, e := range memoryEntities {
		set[strings.ToLower(e)] = struct{}{}
	}
	overlap := 0
	for _, qe := range queryEntities {
		if _, ok := set[strings.ToLower(qe)]; ok {
			overlap++
		}
	}
	score := float64(overlap) * 0.2
	if score > 1 {
		score = 1
	}
	return score
}

func recencyScore(createdAt time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	ageDays := time.Since(createdAt).Hours() / 24
	score := (7 - ageDays) / 7
	if score < 0 {
		return 0
	}
	return score
}

func frequencyScore(access int64) float64 {
	score := float64(access) / 10
	if score > 1 {
		return 1
	}
	return score
}
