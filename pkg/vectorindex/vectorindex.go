// Package vectorindex implements C5: an in-process set of (id, userId,
// vector, metadata) tuples supporting top-k cosine search. Vectors are
// L2-normalized on insert; entries without a vector are tolerated and
// simply skipped during search (the embed-failure degrade path, §4.5).
package vectorindex

import (
	"context"
	"sort"
	"sync"

	"github.com/devmesh/memoryengine/pkg/similarity"
)

// Record is one entry in the index. Vector is nil when embedding failed
// or hasn't run yet.
type Record struct {
	ID       string
	UserID   string
	Vector   []float32 // L2-normalized, or nil
	Metadata map[string]interface{}
}

// Result is a single search hit.
type Result struct {
	ID       string
	Score    float64
	Metadata map[string]interface{}
}

// Index is a concurrency-safe in-process vector index. Reads (Search,
// All) take the read lock; writes (Add, Delete) take the write lock, per
// §5's "protected by a read-write lock" requirement.
type Index struct {
	mu       sync.RWMutex
	byID     map[string]Record
	dim      int // configured embedding dimension; 0 means unconstrained
}

// New builds an empty Index. dim, if non-zero, is the configured
// embedding dimension that every stored vector must match (§3 invariant).
func New(dim int) *Index {
	return &Index{byID: make(map[string]Record), dim: dim}
}

// Add stores (or replaces) the record for id, L2-normalizing vector. A
// nil or empty vector is stored as "no vector yet" rather than rejected,
// so enrichment can add the vector in a later pass.
func (idx *Index) Add(_ context.Context, id, userID string, vector []float32, meta map[string]interface{}) error {
	var normalized []float32
	if len(vector) > 0 {
		if idx.dim != 0 && len(vector) != idx.dim {
			return ErrDimensionMismatch
		}
		normalized = similarity.Normalize(vector)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byID[id] = Record{ID: id, UserID: userID, Vector: normalized, Metadata: meta}
	return nil
}

// Delete removes id from the index; a missing id is a no-op.
func (idx *Index) Delete(_ context.Context, id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.byID, id)
}

// Search returns the top-k records for userID ranked by cosine similarity
// to qVector, skipping entries that have no vector.
func (idx *Index) Search(_ context.Context, userID string, qVector []float32, k int) []Result {
	if k <= 0 || len(qVector) == 0 {
		return nil
	}
	q := similarity.Normalize(qVector)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := make([]Result, 0, len(idx.byID))
	for _, rec := range idx.byID {
		if rec.UserID != userID || rec.Vector == nil {
			continue
		}
		score := similarity.CosineUnit(q, rec.Vector)
		candidates = append(candidates, Result{ID: rec.ID, Score: score, Metadata: rec.Metadata})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// All iterates every record currently held, vector or not, for knowledge
// graph-style traversal queries.
func (idx *Index) All() []Record {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Record, 0, len(idx.byID))
	for _, r := range idx.byID {
		out = append(out, r)
	}
	return out
}

// Get returns the record for id, if present.
func (idx *Index) Get(id string) (Record, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	r, ok := idx.byID[id]
	return r, ok
}

// Len returns the number of records currently held (vector or not).
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byID)
}

// ErrDimensionMismatch is returned by Add when vector's length doesn't
// match the index's configured embedding dimension (§3 invariant).
var ErrDimensionMismatch = dimErr{}

type dimErr struct{}

func (dimErr) Error() string { return "vectorindex: vector dimensionality mismatch" }
