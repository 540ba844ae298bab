// Package keywordindex maintains the inverted index of content tokens to
// memory IDs (C4): KV set kw:{token} -> member IDs, mirrored per-memory in
// mkw:{id} for O(tokens) reverse cleanup on delete.
package keywordindex

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/devmesh/memoryengine/pkg/kv"
)

const (
	minTokenLen    = 4
	maxTokensIndex = 20
)

var tokenSplitter = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Tokenize lowercases content, splits on non-alphanumeric runs, drops
// tokens shorter than minTokenLen, and returns up to maxTokensIndex
// distinct tokens preserving first-occurrence order (§4.4).
func Tokenize(content string) []string {
	lower := strings.ToLower(content)
	parts := tokenSplitter.Split(lower, -1)

	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, maxTokensIndex)
	for _, p := range parts {
		if len(p) < minTokenLen {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
		if len(out) >= maxTokensIndex {
			break
		}
	}
	return out
}

// TokenizeQuery tokenizes a search query identically to content, but
// without the 20-token cap (a query is short) and without the minimum
// length filter relaxation — it shares the same rules as content so
// matching stays consistent.
func TokenizeQuery(query string) []string {
	lower := strings.ToLower(query)
	parts := tokenSplitter.Split(lower, -1)
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) < minTokenLen {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func kwKey(token string) string { return "kw:" + token }
func mkwKey(id string) string   { return "mkw:" + id }

// Index wraps a KV store with keyword indexing operations.
type Index struct {
	store kv.Store
	ttl   time.Duration
}

// New builds a keyword Index persisting postings in store, expiring set
// entries after ttl (the L1 TTL, per §4.4).
func New(store kv.Store, ttl time.Duration) *Index {
	return &Index{store: store, ttl: ttl}
}

// IndexContent tokenizes content and records postings for id. KV
// unavailability is swallowed (best-effort, per the engine's failure
// semantics); callers rely on background sync / re-indexing to repair.
func (idx *Index) IndexContent(ctx context.Context, id, content string) error {
	tokens := Tokenize(content)
	if len(tokens) == 0 {
		return nil
	}
	for _, t := range tokens {
		if err := idx.store.SAdd(ctx, kwKey(t), id); err != nil {
			return err
		}
		if err := idx.store.Expire(ctx, kwKey(t), idx.ttl); err != nil {
			return err
		}
	}
	if err := idx.store.SAdd(ctx, mkwKey(id), tokens...); err != nil {
		return err
	}
	return idx.store.Expire(ctx, mkwKey(id), idx.ttl)
}

// Remove deletes all postings for id by reading its reverse token list
// (§4.4 Removal).
func (idx *Index) Remove(ctx context.Context, id string) error {
	tokens, err := idx.store.SMembers(ctx, mkwKey(id))
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if err := idx.store.SRem(ctx, kwKey(t), id); err != nil {
			return err
		}
	}
	return idx.store.Del(ctx, mkwKey(id))
}

// Match is a candidate memory ID with the number of distinct query tokens
// it was found under.
type Match struct {
	ID    string
	Count int
}

// Query tokenizes query identically to indexing, then ranks candidate IDs
// by how many distinct query tokens they appear under, descending. An
// empty query returns no results (§4.4 edge policy).
func (idx *Index) Query(ctx context.Context, query string) ([]Match, error) {
	tokens := TokenizeQuery(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	counts := make(map[string]int)
	for _, t := range tokens {
		ids, err := idx.store.SMembers(ctx, kwKey(t))
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			counts[id]++
		}
	}

	matches := make([]Match, 0, len(counts))
	for id, c := range counts {
		matches = append(matches, Match{ID: id, Count: c})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Count != matches[j].Count {
			return matches[i].Count > matches[j].Count
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// QueryTokenCount returns len(TokenizeQuery(query)), used by the engine's
// s_kw = keywordMatches / max(1, queryTokenCount) sub-score (§4.11).
func QueryTokenCount(query string) int {
	return len(TokenizeQuery(query))
}
