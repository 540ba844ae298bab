// Package localmodel provides deterministic, dependency-free
// Embedder/Extractor implementations for local and demo mode (§6
// Configuration Mode), modeled on the corpus's deterministic test
// doubles (pkg/embedding/providers/mock_provider.go) but made safe for
// non-test use: no randomness, same text always yields the same
// vector, and no network calls. cmd/memoryengine uses these in every
// mode; any other client can be supplied behind the same two interfaces.
package localmodel

import (
	"context"
	"crypto/sha256"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/devmesh/memoryengine/pkg/enrichment"
)

// HashEmbedder turns text into a unit vector by hashing each token into
// a fixed bucket with a +1/-1 sign, the way a feature-hashing
// bag-of-words embedder would, then L2-normalizing. It is not a
// semantic embedding; it exists so Search's vector path has something
// deterministic to exercise without a real model.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder builds a HashEmbedder producing vectors of dim
// dimensions (must match the vectorindex.Index it feeds).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{Dim: dim}
}

// Embed implements enrichment.Embedder.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.Dim)
	for _, tok := range tokenize(text) {
		sum := sha256.Sum256([]byte(tok))
		bucket := int(sum[0])<<8 | int(sum[1])
		bucket %= e.Dim
		sign := float32(1)
		if sum[2]&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}
	normalize(vec)
	return vec, nil
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}

// HeuristicExtractor pulls capitalized words as entities and the
// highest-frequency non-stopword tokens as keywords. Relationships are
// left empty: inferring them needs real NLP, out of reach for a
// dependency-free local mode, and the spec's Non-goals already exclude
// a knowledge-graph UI — only the Extraction.Keywords/Entities fields
// are consumed by enrichment and search scoring.
type HeuristicExtractor struct {
	MaxKeywords int
}

// NewHeuristicExtractor builds a HeuristicExtractor.
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{MaxKeywords: 8}
}

// Extract implements enrichment.Extractor.
func (x *HeuristicExtractor) Extract(_ context.Context, text string) (enrichment.Extraction, error) {
	entitySet := make(map[string]struct{})
	counts := make(map[string]int)

	for _, word := range strings.Fields(text) {
		clean := trimPunct(word)
		if clean == "" {
			continue
		}
		if isCapitalized(clean) && len(clean) > 1 {
			entitySet[clean] = struct{}{}
		}
		lower := strings.ToLower(clean)
		if len(lower) > 2 && !stopwords[lower] {
			counts[lower]++
		}
	}

	entities := make([]string, 0, len(entitySet))
	for e := range entitySet {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	type kv struct {
		word  string
		count int
	}
	ranked := make([]kv, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, kv{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})
	max := x.MaxKeywords
	if max <= 0 || max > len(ranked) {
		max = len(ranked)
	}
	keywords := make([]string, 0, max)
	for _, r := range ranked[:max] {
		keywords = append(keywords, r.word)
	}

	return enrichment.Extraction{Entities: entities, Keywords: keywords}, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func trimPunct(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

func isCapitalized(s string) bool {
	r := []rune(s)
	return len(r) > 0 && unicode.IsUpper(r[0])
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "with": true, "this": true, "that": true,
	"have": true, "from": true, "they": true, "will": true, "would": true,
	"about": true, "into": true, "over": true, "uses": true,
}
