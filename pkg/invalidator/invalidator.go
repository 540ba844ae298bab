// Package invalidator implements C7: pub/sub fan-out of cache and job
// lifecycle events over three channels — cache:invalidate, job:complete,
// and memory:process — so the cache tier, job queue, and enrichment
// worker stay loosely coupled (§4.7).
package invalidator

import (
	"context"
	"encoding/json"

	"github.com/devmesh/memoryengine/internal/observability"
	"github.com/devmesh/memoryengine/pkg/kv"
)

const (
	// ChannelCacheInvalidate carries CacheInvalidate events.
	ChannelCacheInvalidate = "cache:invalidate"
	// ChannelJobComplete carries JobComplete events.
	ChannelJobComplete = "job:complete"
	// ChannelMemoryProcess carries MemoryProcess events, the trigger for
	// the enrichment worker.
	ChannelMemoryProcess = "memory:process"
)

// CacheInvalidateOp names the kind of cache mutation that occurred.
type CacheInvalidateOp string

const (
	OpCreate CacheInvalidateOp = "create"
	OpUpdate CacheInvalidateOp = "update"
	OpDelete CacheInvalidateOp = "delete"
)

// CacheInvalidate is published whenever a memory's cache record changes.
type CacheInvalidate struct {
	Op       CacheInvalidateOp `json:"op"`
	UserID   string            `json:"userId"`
	MemoryID string            `json:"memoryId"`
}

// JobComplete is published when an async job (§4.8) resolves.
type JobComplete struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"` // "done" or "failed"
	Error  string `json:"error,omitempty"`
}

// MemoryProcess is published to trigger enrichment of a freshly added
// memory (§4.9).
type MemoryProcess struct {
	UserID   string `json:"userId"`
	MemoryID string `json:"memoryId"`
	Content  string `json:"content"`
}

// Bus wraps a KV store's pub/sub primitives with typed publish/subscribe
// helpers. Publish is always fire-and-forget: a failure to publish is
// logged, never returned to the caller, since invalidation is advisory
// and every consumer must already be idempotent (§4.7 invariant).
type Bus struct {
	store  kv.Store
	logger observability.Logger
}

// New builds a Bus over store.
func New(store kv.Store, logger observability.Logger) *Bus {
	return &Bus{store: store, logger: observability.OrNop(logger)}
}

func (b *Bus) publish(ctx context.Context, channel string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("invalidator: marshal failed", map[string]interface{}{"channel": channel, "error": err.Error()})
		return
	}
	if err := b.store.Publish(ctx, channel, data); err != nil {
		b.logger.Warn("invalidator: publish failed", map[string]interface{}{"channel": channel, "error": err.Error()})
	}
}

// PublishCacheInvalidate announces a cache mutation.
func (b *Bus) PublishCacheInvalidate(ctx context.Context, ev CacheInvalidate) {
	b.publish(ctx, ChannelCacheInvalidate, ev)
}

// PublishJobComplete announces a job's terminal state.
func (b *Bus) PublishJobComplete(ctx context.Context, ev JobComplete) {
	b.publish(ctx, ChannelJobComplete, ev)
}

// PublishMemoryProcess triggers enrichment of a memory.
func (b *Bus) PublishMemoryProcess(ctx context.Context, ev MemoryProcess) {
	b.publish(ctx, ChannelMemoryProcess, ev)
}

// OnCacheInvalidate subscribes handler to cache:invalidate events.
// Malformed payloads are logged and dropped rather than delivered.
func (b *Bus) OnCacheInvalidate(ctx context.Context, handler func(CacheInvalidate)) (func(), error) {
	return b.store.Subscribe(ctx, ChannelCacheInvalidate, func(_ string, message []byte) {
		var ev CacheInvalidate
		if err := json.Unmarshal(message, &ev); err != nil {
			b.logger.Warn("invalidator: bad cache:invalidate payload", map[string]interface{}{"error": err.Error()})
			return
		}
		handler(ev)
	})
}

// OnJobComplete subscribes handler to job:complete events.
func (b *Bus) OnJobComplete(ctx context.Context, handler func(JobComplete)) (func(), error) {
	return b.store.Subscribe(ctx, ChannelJobComplete, func(_ string, message []byte) {
		var ev JobComplete
		if err := json.Unmarshal(message, &ev); err != nil {
			b.logger.Warn("invalidator: bad job:complete payload", map[string]interface{}{"error": err.Error()})
			return
		}
		handler(ev)
	})
}

// OnMemoryProcess subscribes handler to memory:process events, the
// enrichment worker's trigger.
func (b *Bus) OnMemoryProcess(ctx context.Context, handler func(MemoryProcess)) (func(), error) {
	return b.store.Subscribe(ctx, ChannelMemoryProcess, func(_ string, message []byte) {
		var ev MemoryProcess
		if err := json.Unmarshal(message, &ev); err != nil {
			b.logger.Warn("invalidator: bad memory:process payload", map[string]interface{}{"error": err.Error()})
			return
		}
		handler(ev)
	})
}
