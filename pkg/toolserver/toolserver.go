// Package toolserver exposes the Orchestrator over the line-delimited
// JSON-RPC tool surface described in §6: one JSON object per line in,
// one JSON object per line out, each carrying a short human-readable
// text result (never a stack trace or internal identifier).
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/devmesh/memoryengine/internal/observability"
	"github.com/devmesh/memoryengine/pkg/apperrors"
	"github.com/devmesh/memoryengine/pkg/engine"
	"github.com/devmesh/memoryengine/pkg/remotestore"
)

// Request is one line of the JSON-RPC channel, modeled on the teacher's
// MCPMessage (apps/edge-mcp/internal/mcp/handler.go): jsonrpc/id/method
// for the call, params carrying the tool's input fields.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is one line of output: either Result or Error is set.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  *ToolResult `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// ToolResult is the tool call's output: a single human-readable text
// field, per §6's "User-visible failure behavior".
type ToolResult struct {
	Text string `json:"text"`
}

// Server dispatches each JSON-RPC request to the Orchestrator and
// writes back one Response per Request, in arrival order.
type Server struct {
	engine        *engine.Engine
	defaultUserID string
	logger        observability.Logger
}

// New builds a Server over engine. defaultUserID is substituted whenever
// a caller omits user_id (§6 Configuration: DefaultUserID).
func New(eng *engine.Engine, defaultUserID string, logger observability.Logger) *Server {
	return &Server{engine: eng, defaultUserID: defaultUserID, logger: observability.OrNop(logger)}
}

// Serve reads one JSON-RPC request per line from r and writes one
// Response per line to w until r is exhausted or ctx is canceled. A
// malformed line produces a JSON-RPC parse error response and the
// connection continues; it never aborts the whole stream.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := s.handleLine(ctx, line)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) handleLine(ctx context.Context, line string) Response {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return Response{JSONRPC: "2.0", Error: &Error{Code: -32700, Message: "parse error"}}
	}

	text, err := s.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		s.logger.Warn("toolserver: tool call failed", map[string]interface{}{"method": req.Method, "error": err.Error()})
		return Response{JSONRPC: "2.0", ID: req.ID, Result: &ToolResult{Text: fmt.Sprintf("Error: %s", apperrors.Of(err))}}
	}
	return Response{JSONRPC: "2.0", ID: req.ID, Result: &ToolResult{Text: text}}
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (string, error) {
	switch method {
	case "add_memory":
		return s.addMemory(ctx, params)
	case "search_memory":
		return s.searchMemory(ctx, params)
	case "get_all_memories":
		return s.getAllMemories(ctx, params)
	case "delete_memory":
		return s.deleteMemory(ctx, params)
	case "deduplicate_memories":
		return s.deduplicateMemories(ctx, params)
	case "optimize_cache":
		return s.optimizeCache(ctx, params)
	case "cache_stats":
		return s.cacheStats(ctx)
	case "sync_status":
		return s.syncStatus(), nil
	default:
		return "", apperrors.New(apperrors.Invalid, "dispatch", "unknown tool: "+method)
	}
}

func (s *Server) userID(given string) string {
	if given != "" {
		return given
	}
	return s.defaultUserID
}

type addMemoryParams struct {
	Messages           []remotestore.ChatMessage `json:"messages,omitempty"`
	Content            string                    `json:"content,omitempty"`
	UserID             string                    `json:"user_id,omitempty"`
	Metadata           map[string]interface{}    `json:"metadata,omitempty"`
	Priority           string                    `json:"priority,omitempty"`
	Async              *bool                     `json:"async,omitempty"`
	SkipDuplicateCheck bool                      `json:"skip_duplicate_check,omitempty"`
}

func (s *Server) addMemory(ctx context.Context, raw json.RawMessage) (string, error) {
	var p addMemoryParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", apperrors.Wrap(apperrors.Invalid, "add_memory", "invalid params", err)
	}
	async := true
	if p.Async != nil {
		async = *p.Async
	}
	content := p.Content
	if content == "" && len(p.Messages) > 0 {
		content = joinMessages(p.Messages)
	}

	outcome, err := s.engine.Add(ctx, engine.AddRequest{
		UserID:    s.userID(p.UserID),
		Content:   content,
		Messages:  p.Messages,
		Metadata:  p.Metadata,
		Priority:  toEnginePriority(p.Priority),
		Async:     async,
		SkipDedup: p.SkipDuplicateCheck,
	})
	if err != nil {
		return "", err
	}
	if outcome.Status == "duplicate" {
		return "Already saved", nil
	}
	return "Saved", nil
}

// toEnginePriority maps the tool surface's priority∈{high,medium,low}
// (§6) onto the engine's internal {low,normal,high,critical} vocabulary:
// "medium" becomes "normal"; any other value, "critical" included, is
// passed through unchanged.
func toEnginePriority(p string) engine.Priority {
	if p == "medium" {
		return engine.PriorityNormal
	}
	return engine.Priority(p)
}

// joinMessages concatenates chat-style messages for the dedup probe.
// The raw Messages slice is still sent to the backend unmodified in
// AddRequest — this asymmetry matches the source and is a §9 Open
// Question the spec deliberately preserves.
func joinMessages(msgs []remotestore.ChatMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

type searchMemoryParams struct {
	Query       string `json:"query"`
	UserID      string `json:"user_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	PreferCache *bool  `json:"prefer_cache,omitempty"`
}

func (s *Server) searchMemory(ctx context.Context, raw json.RawMessage) (string, error) {
	var p searchMemoryParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", apperrors.Wrap(apperrors.Invalid, "search_memory", "invalid params", err)
	}
	if p.Query == "" {
		return "No memories found", nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}
	preferCache := true
	if p.PreferCache != nil {
		preferCache = *p.PreferCache
	}

	outcome, err := s.engine.Search(ctx, engine.SearchRequest{
		UserID: s.userID(p.UserID), Query: p.Query, Limit: limit, PreferCache: preferCache,
	})
	if err != nil {
		return "", err
	}
	if len(outcome.Results) == 0 {
		return "No memories found", nil
	}
	lines := make([]string, 0, len(outcome.Results))
	for _, r := range outcome.Results {
		lines = append(lines, r.Content)
	}
	return strings.Join(lines, "\n---\n"), nil
}

type getAllParams struct {
	UserID            string `json:"user_id,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	Offset            int    `json:"offset,omitempty"`
	IncludeCacheStats bool   `json:"include_cache_stats,omitempty"`
	PreferCache       *bool  `json:"prefer_cache,omitempty"`
}

func (s *Server) getAllMemories(ctx context.Context, raw json.RawMessage) (string, error) {
	var p getAllParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", apperrors.Wrap(apperrors.Invalid, "get_all_memories", "invalid params", err)
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	preferCache := true
	if p.PreferCache != nil {
		preferCache = *p.PreferCache
	}

	outcome, err := s.engine.GetAll(ctx, engine.GetAllRequest{
		UserID: s.userID(p.UserID), Limit: limit, Offset: p.Offset, PreferCache: preferCache,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d memories retrieved", outcome.Returned), nil
}

type deleteMemoryParams struct {
	MemoryID string `json:"memory_id"`
	UserID   string `json:"user_id,omitempty"`
}

func (s *Server) deleteMemory(ctx context.Context, raw json.RawMessage) (string, error) {
	var p deleteMemoryParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", apperrors.Wrap(apperrors.Invalid, "delete_memory", "invalid params", err)
	}
	if p.MemoryID == "" {
		return "", apperrors.New(apperrors.Invalid, "delete_memory", "memory_id is required")
	}
	if err := s.engine.Delete(ctx, s.userID(p.UserID), p.MemoryID); err != nil {
		return "", err
	}
	return "Deleted", nil
}

type deduplicateParams struct {
	UserID              string  `json:"user_id,omitempty"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
	DryRun              *bool   `json:"dry_run,omitempty"`
}

func (s *Server) deduplicateMemories(ctx context.Context, raw json.RawMessage) (string, error) {
	var p deduplicateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", apperrors.Wrap(apperrors.Invalid, "deduplicate_memories", "invalid params", err)
	}
	dryRun := true
	if p.DryRun != nil {
		dryRun = *p.DryRun
	}

	outcome, err := s.engine.Deduplicate(ctx, engine.DeduplicateRequest{
		UserID: s.userID(p.UserID), Threshold: p.SimilarityThreshold, DryRun: dryRun,
	})
	if err != nil {
		return "", err
	}
	if len(outcome.Groups) == 0 {
		return "No duplicate groups found", nil
	}
	total := 0
	for _, g := range outcome.Groups {
		total += len(g.Duplicates)
	}
	if dryRun {
		return fmt.Sprintf("%d duplicate group(s) found, %d duplicate memories", len(outcome.Groups), total), nil
	}
	return fmt.Sprintf("%d duplicate group(s) resolved, %d memories deleted", len(outcome.Groups), outcome.Deleted), nil
}

type optimizeCacheParams struct {
	ForceRefresh bool `json:"force_refresh,omitempty"`
	MaxMemories  int  `json:"max_memories,omitempty"`
}

func (s *Server) optimizeCache(ctx context.Context, raw json.RawMessage) (string, error) {
	var p optimizeCacheParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", apperrors.Wrap(apperrors.Invalid, "optimize_cache", "invalid params", err)
	}
	maxMemories := p.MaxMemories
	if maxMemories <= 0 {
		maxMemories = 1000
	}

	outcome, err := s.engine.OptimizeCache(ctx, s.defaultUserID, engine.OptimizeCacheRequest{
		ForceRefresh: p.ForceRefresh, MaxMemories: maxMemories,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Cache optimized: %d memories ready", outcome.Ready), nil
}

func (s *Server) cacheStats(ctx context.Context) (string, error) {
	stats, err := s.engine.Stats(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d memories cached", stats.Cached), nil
}

func (s *Server) syncStatus() string {
	n := s.engine.PendingOperationCount()
	if n == 0 {
		return "All operations complete"
	}
	return fmt.Sprintf("%d operations pending", n)
}
