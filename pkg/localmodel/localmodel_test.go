package localmodel

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderIsDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	v1, err := e.Embed(context.Background(), "the dashboard uses Next.js 14")
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), "the dashboard uses Next.js 14")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestHashEmbedderProducesUnitVector(t *testing.T) {
	e := NewHashEmbedder(32)
	v, err := e.Embed(context.Background(), "some reasonably long piece of content to embed")
	require.NoError(t, err)

	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-4)
}

func TestHashEmbedderEmptyTextIsZeroVector(t *testing.T) {
	e := NewHashEmbedder(16)
	v, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestHeuristicExtractorFindsEntitiesAndKeywords(t *testing.T) {
	x := NewHeuristicExtractor()
	ex, err := x.Extract(context.Background(), "Next.js powers the Dashboard. Dashboard metrics refresh metrics often.")
	require.NoError(t, err)
	assert.Contains(t, ex.Entities, "Dashboard")
	assert.Contains(t, ex.Entities, "Next.js")
	assert.Contains(t, ex.Keywords, "metrics")
}

func TestHeuristicExtractorEmptyText(t *testing.T) {
	x := NewHeuristicExtractor()
	ex, err := x.Extract(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, ex.Entities)
	assert.Empty(t, ex.Keywords)
}
