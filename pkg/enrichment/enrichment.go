// Package enrichment implements C9: the post-add pipeline that fetches
// the authoritative record, extracts entities/relationships/keywords,
// embeds the content, and fills the keyword and vector indices — plus
// the Embedder and Extractor capability contracts themselves (§9
// "Dynamic dispatch over storage backends" names them alongside KV and
// RemoteStore as narrow, constructor-injected interfaces).
package enrichment

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/devmesh/memoryengine/internal/observability"
	"github.com/devmesh/memoryengine/pkg/apperrors"
	"github.com/devmesh/memoryengine/pkg/cachetier"
	"github.com/devmesh/memoryengine/pkg/invalidator"
	"github.com/devmesh/memoryengine/pkg/keywordindex"
	"github.com/devmesh/memoryengine/pkg/remotestore"
	"github.com/devmesh/memoryengine/pkg/vectorindex"
)

// Embedder turns text into a vector. Implementations may call out to a
// model service; failures degrade the record rather than aborting
// enrichment (§4.5 Failure policy).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Extraction is the NLP function's structured output.
type Extraction struct {
	Entities      []string
	Relationships []Relationship
	Keywords      []string
}

// Relationship is a directed edge between two extracted entities, used
// by the knowledge-graph traversal queries (§9).
type Relationship struct {
	From string
	To   string
	Type string
}

// Extractor pulls entities, relationships, and keywords out of text.
type Extractor interface {
	Extract(ctx context.Context, text string) (Extraction, error)
}

// Priority mirrors the memory metadata field consulted to pick a TTL
// tier (§4.9 step 2).
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) isHighOrCritical() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// Config holds the worker's tunables.
type Config struct {
	Concurrency    int64         // default 8, §5 bounded enrichment queue
	EmbedTimeout   time.Duration // default 5s, §5 per-call timeout
	ExtractTimeout time.Duration // default 5s, §5 per-call timeout
}

// DefaultConfig returns the spec's documented default concurrency.
func DefaultConfig() Config {
	return Config{Concurrency: 8, EmbedTimeout: 5 * time.Second, ExtractTimeout: 5 * time.Second}
}

// Worker runs the enrichment pipeline triggered by memory:process events.
type Worker struct {
	remote    remotestore.Store
	cache     *cachetier.Tier
	keywords  *keywordindex.Index
	vectors   *vectorindex.Index
	bus       *invalidator.Bus
	embedder  Embedder
	extractor Extractor
	logger    observability.Logger
	sem       *semaphore.Weighted
	cfg       Config
}

// New builds an enrichment Worker wired to every component it fills in.
func New(
	remote remotestore.Store,
	cache *cachetier.Tier,
	keywords *keywordindex.Index,
	vectors *vectorindex.Index,
	bus *invalidator.Bus,
	embedder Embedder,
	extractor Extractor,
	logger observability.Logger,
	cfg Config,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 5 * time.Second
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 5 * time.Second
	}
	return &Worker{
		remote:    remote,
		cache:     cache,
		keywords:  keywords,
		vectors:   vectors,
		bus:       bus,
		embedder:  embedder,
		extractor: extractor,
		logger:    observability.OrNop(logger),
		sem:       semaphore.NewWeighted(cfg.Concurrency),
		cfg:       cfg,
	}
}

// Enrich runs the §4.9 pipeline for one memory. It blocks only on the
// semaphore slot and its own suspension points; callers typically invoke
// it from a goroutine spawned off a memory:process subscription.
func (w *Worker) Enrich(ctx context.Context, ev invalidator.MemoryProcess) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer w.sem.Release(1)

	log := w.logger.With(map[string]interface{}{"userId": ev.UserID, "memoryId": ev.MemoryID})

	mem, ok := w.fetchWithBackoff(ctx, ev.UserID, ev.MemoryID, log)
	if !ok {
		return
	}

	access, err := w.cache.AccessCount(ctx, ev.MemoryID)
	if err != nil {
		log.Warn("enrichment: access count read failed", map[string]interface{}{"error": err.Error()})
	}
	priority := priorityOf(mem.Metadata)
	ttl := w.cache.TierFor(access)
	if priority.isHighOrCritical() {
		ttl = cacheL1TTL(w.cache)
	}

	if w.extractor != nil {
		exCtx, cancel := context.WithTimeout(ctx, w.cfg.ExtractTimeout)
		extraction, err := w.extractor.Extract(exCtx, mem.Content)
		cancel()
		if err != nil {
			log.Warn("enrichment: extraction failed", map[string]interface{}{"error": err.Error()})
		} else {
			applyExtraction(&mem, extraction)
		}
	}

	if w.embedder != nil {
		embCtx, cancel := context.WithTimeout(ctx, w.cfg.EmbedTimeout)
		vector, err := w.embedder.Embed(embCtx, mem.Content)
		cancel()
		if err != nil {
			log.Warn("enrichment: embedding failed", map[string]interface{}{"error": err.Error()})
		} else if err := w.vectors.Add(ctx, mem.ID, mem.UserID, vector, mem.Metadata); err != nil {
			log.Warn("enrichment: vector index add failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if err := w.cache.Store(ctx, mem, ttl); err != nil {
		log.Warn("enrichment: cache write failed", map[string]interface{}{"error": err.Error()})
	}
	if err := w.keywords.IndexContent(ctx, mem.ID, mem.Content); err != nil {
		log.Warn("enrichment: keyword index update failed", map[string]interface{}{"error": err.Error()})
	}

	w.bus.PublishCacheInvalidate(ctx, invalidator.CacheInvalidate{
		Op: invalidator.OpUpdate, UserID: mem.UserID, MemoryID: mem.ID,
	})
}

// fetchWithBackoff implements §4.9 step 1: retry RemoteStore.Get on
// unavailability at 50ms/200ms/800ms/3.2s, giving up silently after 4
// tries.
func (w *Worker) fetchWithBackoff(ctx context.Context, userID, id string, log observability.Logger) (remotestore.Memory, bool) {
	var mem remotestore.Memory
	attempts := 0
	policy := backoff.WithMaxRetries(backoffSchedule(), 3) // 4 total tries = initial + 3 retries

	op := func() error {
		attempts++
		m, err := w.remote.Get(ctx, userID, id)
		if err != nil {
			if apperrors.Is(err, apperrors.NotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		mem = m
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err != nil {
		log.Warn("enrichment: giving up fetching memory", map[string]interface{}{"attempts": attempts, "error": err.Error()})
		return remotestore.Memory{}, false
	}
	return mem, true
}

// backoffSchedule returns the exact fixed delay sequence from §4.9:
// 50ms, 200ms, 800ms, 3.2s.
func backoffSchedule() backoff.BackOff {
	return &fixedSequence{delays: []time.Duration{
		50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond, 3200 * time.Millisecond,
	}}
}

type fixedSequence struct {
	delays []time.Duration
	i      int
}

func (f *fixedSequence) NextBackOff() time.Duration {
	if f.i >= len(f.delays) {
		return backoff.Stop
	}
	d := f.delays[f.i]
	f.i++
	return d
}

func (f *fixedSequence) Reset() { f.i = 0 }

func priorityOf(meta map[string]interface{}) Priority {
	if meta == nil {
		return PriorityNormal
	}
	if p, ok := meta["priority"].(string); ok {
		return Priority(p)
	}
	return PriorityNormal
}

func applyExtraction(mem *remotestore.Memory, ex Extraction) {
	if mem.Metadata == nil {
		mem.Metadata = make(map[string]interface{})
	}
	if len(ex.Entities) > 0 {
		mem.Metadata["entities"] = ex.Entities
	}
	if len(ex.Relationships) > 0 {
		mem.Metadata["relationships"] = ex.Relationships
	}
	if len(ex.Keywords) > 0 {
		mem.Metadata["keywords"] = ex.Keywords
	}
}

func cacheL1TTL(t *cachetier.Tier) time.Duration {
	return t.TierFor(1 << 62) // any access count above the threshold selects L1
}
