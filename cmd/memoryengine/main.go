// Command memoryengine wires the hybrid memory cache and search engine
// together and serves its tool surface over stdin/stdout as
// line-delimited JSON-RPC (§6). Lifecycle follows §9 Design Notes: all
// mutable state lives in values owned by main, not package globals, and
// the only process-wide concern is signal handling for graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/devmesh/memoryengine/internal/config"
	"github.com/devmesh/memoryengine/internal/observability"
	"github.com/devmesh/memoryengine/pkg/backgroundsync"
	"github.com/devmesh/memoryengine/pkg/cachetier"
	"github.com/devmesh/memoryengine/pkg/engine"
	"github.com/devmesh/memoryengine/pkg/enrichment"
	"github.com/devmesh/memoryengine/pkg/invalidator"
	"github.com/devmesh/memoryengine/pkg/jobqueue"
	"github.com/devmesh/memoryengine/pkg/keywordindex"
	"github.com/devmesh/memoryengine/pkg/kv"
	"github.com/devmesh/memoryengine/pkg/localmodel"
	"github.com/devmesh/memoryengine/pkg/remotestore"
	"github.com/devmesh/memoryengine/pkg/toolserver"
	"github.com/devmesh/memoryengine/pkg/vectorindex"
)

var configPath = flag.String("config", "", "path to a YAML configuration file (optional)")

const embeddingDim = 256

func main() {
	flag.Parse()
	logger := observability.NewStandardLogger("memoryengine")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger = logger.WithLevel(observability.ParseLogLevel(cfg.LogLevel))

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize engine", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	app.Start(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- app.tools.Serve(ctx, os.Stdin, os.Stdout) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-serveErr:
		if err != nil {
			logger.Warn("tool server stopped", map[string]interface{}{"error": err.Error()})
		}
	}

	cancel()
	app.Stop(5 * time.Second)
	logger.Info("memoryengine stopped", nil)
}

// app holds every constructed component for the process's lifetime, per
// §9's "fold all mutable state into an Engine value owned by main."
type app struct {
	kvStore    kv.Store
	remote     remotestore.Store
	enrichment *enrichment.Worker
	sync       *backgroundsync.Worker
	bus        *invalidator.Bus
	engine     *engine.Engine
	tools      *toolserver.Server
	logger     observability.Logger

	wg           sync.WaitGroup
	unsubscribes []func()
}

func newApp(cfg *config.Config, logger observability.Logger) (*app, error) {
	kvStore, err := buildKVStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("kv store: %w", err)
	}
	remote := buildRemoteStore(cfg, logger)

	cacheCfg := cachetier.Config{L1TTL: cfg.L1TTL, L2TTL: cfg.L2TTL, FrequentAccessThreshold: cfg.FrequentAccessThreshold}
	cache := cachetier.New(kvStore, cacheCfg)
	keywords := keywordindex.New(kvStore, cfg.L1TTL)
	vectors := vectorindex.New(embeddingDim)
	bus := invalidator.New(kvStore, logger)
	jobs := jobqueue.New(cfg.JobWaitTimeout)

	embedder := localmodel.NewHashEmbedder(embeddingDim)
	extractor := localmodel.NewHeuristicExtractor()

	a := &app{kvStore: kvStore, remote: remote, bus: bus, logger: logger}

	syncWorker := backgroundsync.New(kvStore, remote, cache, bus, a.topAccessed, logger, backgroundsync.Config{
		Interval: cfg.SyncInterval,
	})
	a.sync = syncWorker

	enrichmentCfg := enrichment.DefaultConfig()
	enrichmentCfg.Concurrency = cfg.EnrichmentConcurrency
	enrichmentCfg.EmbedTimeout = cfg.EmbedTimeout
	enrichmentCfg.ExtractTimeout = cfg.ExtractTimeout
	a.enrichment = enrichment.New(remote, cache, keywords, vectors, bus, embedder, extractor, logger, enrichmentCfg)

	engineCfg := engine.DefaultConfig()
	engineCfg.L1TTL, engineCfg.L2TTL = cfg.L1TTL, cfg.L2TTL
	engineCfg.SearchTTL = cfg.SearchTTL
	engineCfg.FrequentAccessThreshold = cfg.FrequentAccessThreshold
	engineCfg.MaxCacheSize = cfg.MaxCacheSize
	engineCfg.BatchSize = cfg.BatchSize
	engineCfg.KVTimeout = cfg.KVTimeout
	engineCfg.RemoteTimeout = cfg.RemoteTimeout
	engineCfg.JobWaitTimeout = cfg.JobWaitTimeout
	engineCfg.DedupListLimit = cfg.DedupMaxCandidates

	a.engine = engine.New(kvStore, remote, cache, keywords, vectors, bus, jobs, syncWorker, embedder, extractor, logger, engineCfg)
	a.tools = toolserver.New(a.engine, cfg.DefaultUserID, logger)
	return a, nil
}

func buildKVStore(cfg *config.Config, logger observability.Logger) (kv.Store, error) {
	if cfg.EmbeddedKV() {
		return kv.NewMemoryStore(), nil
	}
	return kv.NewRedisStore(kv.RedisConfig{Address: cfg.KVURL}, logger)
}

func buildRemoteStore(cfg *config.Config, logger observability.Logger) remotestore.Store {
	if cfg.LocalOnly() {
		return remotestore.NewMemoryStore()
	}
	return remotestore.NewHTTPStore(remotestore.HTTPConfig{BaseURL: cfg.RemoteURL, APIKey: cfg.RemoteAPIKey}, logger)
}

// Start subscribes the enrichment worker to memory:process and launches
// the background sync loop. Both run until ctx is canceled.
func (a *app) Start(ctx context.Context) {
	unsub, err := a.bus.OnMemoryProcess(ctx, func(ev invalidator.MemoryProcess) {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.enrichment.Enrich(ctx, ev)
			a.sync.ClearPending(ev.UserID, ev.MemoryID)
		}()
	})
	if err != nil {
		a.logger.Warn("app: failed to subscribe to memory:process", map[string]interface{}{"error": err.Error()})
	} else {
		a.unsubscribes = append(a.unsubscribes, unsub)
	}

	// §4.7's cache:invalidate consumer: deletes the mutated memory's cache
	// record and purges every search:* key so a warmed search result never
	// outlives the mutation that invalidated it.
	cacheUnsub, err := a.bus.OnCacheInvalidate(ctx, func(ev invalidator.CacheInvalidate) {
		a.engine.HandleCacheInvalidate(ctx, ev)
	})
	if err != nil {
		a.logger.Warn("app: failed to subscribe to cache:invalidate", map[string]interface{}{"error": err.Error()})
	} else {
		a.unsubscribes = append(a.unsubscribes, cacheUnsub)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sync.Run(ctx)
	}()
}

// Stop waits up to timeout for in-flight enrichment work to drain (§9:
// "drains the enrichment queue with a 5s timeout"), then returns
// unconditionally — RemoteStore is authoritative, so a slow drain never
// risks data loss.
func (a *app) Stop(timeout time.Duration) {
	for _, unsub := range a.unsubscribes {
		unsub()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		a.logger.Warn("app: shutdown drain timed out", map[string]interface{}{"timeout": timeout.String()})
	}
}

// topAccessed ranks cached memories by access count by scanning the
// memory:* keyspace for (userId, id) pairs — access:{id} alone has no
// user association, so this is the only place that can answer "which
// user owns the most-read records" (§4.10 refresh-top-accessed step).
func (a *app) topAccessed(ctx context.Context, n int) ([]backgroundsync.AccessedMemory, error) {
	type candidate struct {
		userID, id string
		access     int64
	}
	var candidates []candidate

	var cursor uint64
	for {
		next, keys, err := a.kvStore.Scan(ctx, cursor, "memory:*", 200)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			userID, id, ok := parseMemoryKey(key)
			if !ok {
				continue
			}
			raw, found, err := a.kvStore.Get(ctx, cachetier.AccessKeyFor(id))
			if err != nil || !found {
				continue
			}
			candidates = append(candidates, candidate{userID: userID, id: id, access: parseAccessCount(raw)})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].access > candidates[j].access })
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	out := make([]backgroundsync.AccessedMemory, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, backgroundsync.AccessedMemory{UserID: c.userID, MemoryID: c.id, Access: c.access})
	}
	return out, nil
}

// parseMemoryKey splits memory:{userId}:{id} into its parts. id never
// contains a colon (it is a UUID or similar opaque token), so the split
// point is the last colon in the key.
func parseMemoryKey(key string) (userID, id string, ok bool) {
	rest := strings.TrimPrefix(key, "memory:")
	if rest == key {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

func parseAccessCount(raw []byte) int64 {
	var n int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
