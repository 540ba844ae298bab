package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndSearch(t *testing.T) {
	ctx := context.Background()
	idx := New(3)

	require.NoError(t, idx.Add(ctx, "a", "u1", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.Add(ctx, "b", "u1", []float32{0.9, 0.1, 0}, nil))
	require.NoError(t, idx.Add(ctx, "c", "u1", []float32{0, 1, 0}, nil))
	require.NoError(t, idx.Add(ctx, "other-user", "u2", []float32{1, 0, 0}, nil))

	results := idx.Search(ctx, "u1", []float32{1, 0, 0}, 2)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
}

func TestDimensionMismatchRejected(t *testing.T) {
	ctx := context.Background()
	idx := New(3)
	err := idx.Add(ctx, "a", "u1", []float32{1, 0}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMissingVectorSkippedDuringSearch(t *testing.T) {
	ctx := context.Background()
	idx := New(0)
	require.NoError(t, idx.Add(ctx, "no-vec", "u1", nil, nil))
	require.NoError(t, idx.Add(ctx, "has-vec", "u1", []float32{1, 0, 0}, nil))

	results := idx.Search(ctx, "u1", []float32{1, 0, 0}, 10)
	require.Len(t, results, 1)
	assert.Equal(t, "has-vec", results[0].ID)
}

func TestDeleteRemovesEntry(t *testing.T) {
	ctx := context.Background()
	idx := New(0)
	require.NoError(t, idx.Add(ctx, "a", "u1", []float32{1, 0, 0}, nil))
	idx.Delete(ctx, "a")
	_, ok := idx.Get("a")
	assert.False(t, ok)
}
