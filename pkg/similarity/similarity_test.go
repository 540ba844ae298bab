package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaccard(t *testing.T) {
	assert.Equal(t, 0.0, Jaccard("", ""))
	assert.Equal(t, 1.0, Jaccard("Dashboard uses Next.js 14", "dashboard uses next js 14"))

	score := Jaccard("Dashboard uses Next.js 14", "Dashboard is built with React")
	assert.Greater(t, score, 0.0)
	assert.Less(t, score, 0.5)
}

func TestJaccardDuplicateThreshold(t *testing.T) {
	a := "The user prefers dark mode for the dashboard"
	b := "The user prefers dark mode for the dashboard UI"
	assert.GreaterOrEqual(t, Jaccard(a, b), 0.85)
}

func TestCosineUnit(t *testing.T) {
	a := Normalize([]float32{1, 0, 0})
	b := Normalize([]float32{1, 0, 0})
	assert.InDelta(t, 1.0, CosineUnit(a, b), 1e-6)

	c := Normalize([]float32{0, 1, 0})
	assert.InDelta(t, 0.0, CosineUnit(a, c), 1e-6)

	d := Normalize([]float32{-1, 0, 0})
	assert.InDelta(t, -1.0, CosineUnit(a, d), 1e-6)
}

func TestNormalizeZeroVector(t *testing.T) {
	z := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, z)
}

func TestCombineWeights(t *testing.T) {
	w := DefaultWeights()
	r := Combine(SubScores{Semantic: 1, Keyword: 1, Entity: 1, Recency: 1, Frequency: 1}, w)
	assert.InDelta(t, 1.0, r, 1e-9)

	r2 := Combine(SubScores{Semantic: 1}, w)
	assert.InDelta(t, 0.5, r2, 1e-9)
}
