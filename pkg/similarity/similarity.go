// Package similarity implements the two primitive similarity measures and
// the ranking combiner (C3): token-Jaccard overlap, cosine similarity on
// unit vectors, and the fixed-weight combiner used by Search.
package similarity

import (
	"math"
	"regexp"
	"strings"
)

// wordSplitter matches runs of non-word characters; used to tokenize for
// Jaccard overlap. Unicode-aware via \p{L}/\p{N} so non-ASCII content
// tokenizes on word boundaries rather than silently producing nothing.
var wordSplitter = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// TokenSet lowercases s and splits it into a set of non-empty tokens.
func TokenSet(s string) map[string]struct{} {
	lower := strings.ToLower(s)
	parts := wordSplitter.Split(lower, -1)
	set := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	return set
}

// Jaccard returns the token-Jaccard similarity of a and b: |A∩B| / |A∪B|,
// 0 if both are empty.
func Jaccard(a, b string) float64 {
	setA := TokenSet(a)
	setB := TokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// JaccardSets is Jaccard but over pre-tokenized sets, avoiding repeated
// tokenization when comparing one memory against many candidates.
func JaccardSets(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// CosineUnit returns the dot product of two L2-normalized vectors, clamped
// to [-1, 1]. The precondition is that both inputs are already unit
// vectors; callers normalize once at insertion time rather than per query.
func CosineUnit(a, b []float32) float64 {
	var dot float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot > 1 {
		return 1
	}
	if dot < -1 {
		return -1
	}
	return dot
}

// Normalize returns a copy of v scaled to unit length. A zero vector is
// returned unchanged (norm 0 would divide by zero).
func Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// CombinerWeights are the fixed weights from §4.3. They are configuration
// constants exposed as named fields (not magic numbers) per spec.
type CombinerWeights struct {
	Semantic  float64
	Keyword   float64
	Entity    float64
	Recency   float64
	Frequency float64
}

// DefaultWeights returns the weights mandated by §4.3:
// R = 0.50·s_sem + 0.20·s_kw + 0.15·s_ent + 0.10·s_rec + 0.05·s_freq.
func DefaultWeights() CombinerWeights {
	return CombinerWeights{
		Semantic:  0.50,
		Keyword:   0.20,
		Entity:    0.15,
		Recency:   0.10,
		Frequency: 0.05,
	}
}

// SubScores holds the five signals consumed by the ranking combiner.
type SubScores struct {
	Semantic  float64 // cosine from vector index mapped to [0,1] via (x+1)/2, 0 if absent
	Keyword   float64 // keywordMatches / max(1, queryTokenCount)
	Entity    float64 // min(1, overlap*0.2)
	Recency   float64 // max(0, (7-ageDays)/7), pre-weight
	Frequency float64 // min(1, access/10), pre-weight
}

// Combine computes R per §4.3 given a set of sub-scores and weights.
func Combine(s SubScores, w CombinerWeights) float64 {
	return w.Semantic*s.Semantic +
		w.Keyword*s.Keyword +
		w.Entity*s.Entity +
		w.Recency*s.Recency +
		w.Frequency*s.Frequency
}
