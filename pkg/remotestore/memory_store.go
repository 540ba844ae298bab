package remotestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devmesh/memoryengine/pkg/apperrors"
)

// MemoryStore is an in-process fake of Store used for tests and for
// "demo" mode where no external backend is configured. An Add with
// Content creates one record; an Add with only Messages creates one
// record per message. The Splitter field below overrides both.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string]Memory // userID -> id -> memory

	// Splitter, if set, lets tests exercise the "Add may return 0, 1, or
	// more records" contract (§4.2) the engine must tolerate.
	Splitter func(req AddRequest) []string

	// Unavailable simulates the backend being down for degrade-mode tests.
	Unavailable bool
}

// NewMemoryStore constructs an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]Memory)}
}

func (s *MemoryStore) checkAvail(op string) error {
	if s.Unavailable {
		return apperrors.New(apperrors.BackendUnavailable, op, "remote store unreachable")
	}
	return nil
}

func (s *MemoryStore) Add(_ context.Context, req AddRequest) ([]AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvail("Add"); err != nil {
		return nil, err
	}

	var contents []string
	if s.Splitter != nil {
		contents = s.Splitter(req)
	} else if req.Content != "" {
		contents = []string{req.Content}
	} else {
		for _, m := range req.Messages {
			contents = append(contents, m.Content)
		}
	}

	bucket, ok := s.data[req.UserID]
	if !ok {
		bucket = make(map[string]Memory)
		s.data[req.UserID] = bucket
	}

	now := time.Now()
	results := make([]AddResult, 0, len(contents))
	for _, c := range contents {
		id := uuid.NewString()
		meta := cloneMeta(req.Metadata)
		bucket[id] = Memory{
			ID: id, UserID: req.UserID, Content: c, CreatedAt: now, Metadata: meta,
		}
		results = append(results, AddResult{ID: id, Memory: c, CreatedAt: now, UserID: req.UserID})
	}
	return results, nil
}

func (s *MemoryStore) Search(_ context.Context, req SearchRequest) (SearchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvail("Search"); err != nil {
		return SearchResponse{}, err
	}
	bucket := s.data[req.UserID]
	out := make([]Memory, 0)
	for _, m := range bucket {
		out = append(out, m)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return SearchResponse{Results: out}, nil
}

func (s *MemoryStore) List(_ context.Context, req ListRequest) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvail("List"); err != nil {
		return nil, err
	}
	bucket := s.data[req.UserID]
	all := make([]Memory, 0, len(bucket))
	for _, m := range bucket {
		all = append(all, m)
	}
	start := req.Offset
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if req.Limit > 0 && start+req.Limit < end {
		end = start + req.Limit
	}
	return all[start:end], nil
}

func (s *MemoryStore) Get(_ context.Context, userID, id string) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvail("Get"); err != nil {
		return Memory{}, err
	}
	bucket := s.data[userID]
	m, ok := bucket[id]
	if !ok {
		return Memory{}, apperrors.Wrap(apperrors.NotFound, "Get", "memory not found", ErrNotFound)
	}
	return m, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvail("Delete"); err != nil {
		return err
	}
	bucket := s.data[userID]
	if _, ok := bucket[id]; !ok {
		return apperrors.Wrap(apperrors.NotFound, "Delete", "memory not found", ErrNotFound)
	}
	delete(bucket, id)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, userID, id, content string, metadata map[string]interface{}) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvail("Update"); err != nil {
		return Memory{}, err
	}
	bucket := s.data[userID]
	m, ok := bucket[id]
	if !ok {
		return Memory{}, apperrors.Wrap(apperrors.NotFound, "Update", "memory not found", ErrNotFound)
	}
	if content != "" {
		m.Content = content
	}
	now := time.Now()
	m.UpdatedAt = &now
	if metadata != nil {
		if m.Metadata == nil {
			m.Metadata = make(map[string]interface{})
		}
		for k, v := range metadata {
			m.Metadata[k] = v
		}
	}
	bucket[id] = m
	return m, nil
}

func cloneMeta(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
