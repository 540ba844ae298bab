// Package backgroundsync implements C10: a periodic worker that keeps
// hot records warm, drains the pending-memories map into enrichment, and
// GCs stale search-cache keys, all without ever overlapping a prior pass
// (§4.10).
package backgroundsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/devmesh/memoryengine/internal/observability"
	"github.com/devmesh/memoryengine/pkg/cachetier"
	"github.com/devmesh/memoryengine/pkg/invalidator"
	"github.com/devmesh/memoryengine/pkg/kv"
	"github.com/devmesh/memoryengine/pkg/remotestore"
)

// Config holds the worker's cadence and batch sizes.
type Config struct {
	Interval      time.Duration // default 5 min
	TopN          int           // default 50, most-accessed memories to refresh
	PendingMaxAge time.Duration // default 60s
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, TopN: 50, PendingMaxAge: 60 * time.Second}
}

// PendingEntry is one memory awaiting enrichment, tracked by the
// orchestrator's pending map and drained here if enrichment never ran
// (e.g. a dropped memory:process message, §4.7).
type PendingEntry struct {
	UserID   string
	MemoryID string
	Content  string
	QueuedAt time.Time
}

// AccessedMemory names a cached memory and how the worker identifies it
// for refresh (userID is needed to rebuild the cache key).
type AccessedMemory struct {
	UserID   string
	MemoryID string
	Access   int64
}

// TopAccessedFunc returns up to n memories ordered by descending access
// count, supplied by the engine (it owns the access-count bookkeeping
// needed to rank across users).
type TopAccessedFunc func(ctx context.Context, n int) ([]AccessedMemory, error)

// Worker runs the background sync pass.
type Worker struct {
	store   kv.Store
	remote  remotestore.Store
	cache   *cachetier.Tier
	bus     *invalidator.Bus
	topFn   TopAccessedFunc
	logger  observability.Logger
	cfg     Config

	mu      sync.Mutex
	pending map[string]PendingEntry // key: userID+"\x00"+memoryID
}

// New builds a background sync Worker.
func New(store kv.Store, remote remotestore.Store, cache *cachetier.Tier, bus *invalidator.Bus, topFn TopAccessedFunc, logger observability.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 50
	}
	if cfg.PendingMaxAge <= 0 {
		cfg.PendingMaxAge = 60 * time.Second
	}
	return &Worker{
		store: store, remote: remote, cache: cache, bus: bus, topFn: topFn,
		logger: observability.OrNop(logger), cfg: cfg, pending: make(map[string]PendingEntry),
	}
}

func pendingKey(userID, memoryID string) string { return userID + "\x00" + memoryID }

// PendingCount returns the number of memories currently awaiting
// enrichment, used by the sync_status tool's operations-pending count
// (§6, together with the job queue's outstanding count).
func (w *Worker) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// TrackPending records a memory as awaiting enrichment. Called by the
// orchestrator right after publishing memory:process.
func (w *Worker) TrackPending(userID, memoryID, content string, queuedAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[pendingKey(userID, memoryID)] = PendingEntry{UserID: userID, MemoryID: memoryID, Content: content, QueuedAt: queuedAt}
}

// ClearPending removes a memory from the pending map once enrichment
// actually completes, so background sync doesn't re-trigger it.
func (w *Worker) ClearPending(userID, memoryID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, pendingKey(userID, memoryID))
}

// Run loops, running one pass every cfg.Interval until ctx is canceled.
// Passes never overlap: they all run on this one goroutine, so a tick
// that arrives during a pass is handled only after that pass completes.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single pass: refresh hot records, drain stale
// pending entries, GC expired search-cache keys. Per-item errors are
// logged and never abort the pass.
func (w *Worker) RunOnce(ctx context.Context) {
	w.refreshTopAccessed(ctx)
	if ctx.Err() != nil {
		return
	}
	w.drainPending(ctx)
	if ctx.Err() != nil {
		return
	}
	w.gcSearchCache(ctx)
}

func (w *Worker) refreshTopAccessed(ctx context.Context) {
	if w.topFn == nil {
		return
	}
	top, err := w.topFn(ctx, w.cfg.TopN)
	if err != nil {
		w.logger.Warn("backgroundsync: top-accessed lookup failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, am := range top {
		if ctx.Err() != nil {
			return
		}
		mem, err := w.remote.Get(ctx, am.UserID, am.MemoryID)
		if err != nil {
			w.logger.Warn("backgroundsync: refresh fetch failed", map[string]interface{}{"memoryId": am.MemoryID, "error": err.Error()})
			continue
		}
		if err := w.cache.StoreHot(ctx, mem); err != nil {
			w.logger.Warn("backgroundsync: refresh cache write failed", map[string]interface{}{"memoryId": am.MemoryID, "error": err.Error()})
		}
	}
}

func (w *Worker) drainPending(ctx context.Context) {
	cutoff := time.Now().Add(-w.cfg.PendingMaxAge)

	w.mu.Lock()
	var stale []PendingEntry
	for key, e := range w.pending {
		if e.QueuedAt.Before(cutoff) {
			stale = append(stale, e)
			delete(w.pending, key)
		}
	}
	w.mu.Unlock()

	for _, e := range stale {
		if ctx.Err() != nil {
			return
		}
		w.bus.PublishMemoryProcess(ctx, invalidator.MemoryProcess{UserID: e.UserID, MemoryID: e.MemoryID, Content: e.Content})
	}
}

// gcSearchCache walks search:* via Scan and deletes keys with negative
// (i.e. expired-but-not-yet-evicted) TTL. Defensive: TTL normally
// suffices (§4.10 step 3).
func (w *Worker) gcSearchCache(ctx context.Context) {
	var cursor uint64
	for {
		if ctx.Err() != nil {
			return
		}
		next, keys, err := w.store.Scan(ctx, cursor, "search:*", 100)
		if err != nil {
			w.logger.Warn("backgroundsync: scan failed", map[string]interface{}{"error": err.Error()})
			return
		}
		for _, key := range keys {
			if !strings.HasPrefix(key, "search:") {
				continue
			}
			ttl, err := w.store.TTL(ctx, key)
			if err != nil {
				continue
			}
			// -1s conventionally means "exists, no expiry" and must be left
			// alone; anything below that is a key Scan still sees but that
			// has already logically expired.
			if ttl < -time.Second {
				if err := w.store.Del(ctx, key); err != nil {
					w.logger.Warn("backgroundsync: gc delete failed", map[string]interface{}{"key": key, "error": err.Error()})
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
