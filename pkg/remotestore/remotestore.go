// Package remotestore defines the contract over the authoritative memory
// backend (C2). The engine treats it as an opaque, possibly slower and
// less reliable collaborator: Add may split one message into several
// records, Search quality is backend-defined, and every call can fail
// independently of the local cache.
package remotestore

import (
	"context"
	"time"
)

// Memory is the canonical representation of a stored memory record (§3).
type Memory struct {
	ID        string
	UserID    string
	Content   string
	CreatedAt time.Time
	UpdatedAt *time.Time
	Metadata  map[string]interface{}
}

// AddRequest describes a request to create one or more memories. Exactly
// one of Content or Messages should be set; when Messages is set the
// backend may split it into several records (§4.2).
type AddRequest struct {
	UserID   string
	Content  string
	Messages []ChatMessage
	Metadata map[string]interface{}
}

// ChatMessage is a single turn in a messages-style Add request.
type ChatMessage struct {
	Role    string
	Content string
}

// AddResult is one record produced by a single Add call.
type AddResult struct {
	ID        string
	Memory    string
	CreatedAt time.Time
	UserID    string
}

// SearchRequest is passed to the backend's own (best-effort) search.
type SearchRequest struct {
	UserID string
	Query  string
	Limit  int
}

// SearchResponse wraps the backend's search hits.
type SearchResponse struct {
	Results []Memory
}

// ListRequest pages through a user's memories.
type ListRequest struct {
	UserID string
	Limit  int
	Offset int
}

// Store is the contract the engine uses over the authoritative backend.
type Store interface {
	Add(ctx context.Context, req AddRequest) ([]AddResult, error)
	Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
	List(ctx context.Context, req ListRequest) ([]Memory, error)
	Get(ctx context.Context, userID, id string) (Memory, error)
	Delete(ctx context.Context, userID, id string) error
	// Update supports the SPEC_FULL-added Engine.Update operation. A
	// backend that has no native update path may implement this as
	// delete+Add internally; it is still required to exist so the Engine
	// doesn't need backend-capability branches.
	Update(ctx context.Context, userID, id, content string, metadata map[string]interface{}) (Memory, error)
}

// ErrNotFound is returned by Get/Delete/Update when the (userID, id) pair
// does not exist in the backend.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "remotestore: not found" }
