package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/devmesh/memoryengine/internal/observability"
	"github.com/devmesh/memoryengine/pkg/apperrors"
)

// HTTPConfig configures the HTTP-backed RemoteStore adapter.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPStore calls the remote memory backend over HTTP and wraps every
// call in a circuit breaker, so repeated failures are detected quickly
// (the "BackendUnavailable" branch of the engine's failure semantics)
// instead of re-paying the full per-call timeout on every attempt.
type HTTPStore struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

// NewHTTPStore builds an HTTPStore with a circuit breaker tuned to trip
// after three consecutive failures and probe again after 30s.
func NewHTTPStore(cfg HTTPConfig, logger observability.Logger) *HTTPStore {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger = observability.OrNop(logger)

	settings := gobreaker.Settings{
		Name:        "remotestore",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name, "from": from.String(), "to": to.String(),
			})
		},
	}

	return &HTTPStore{
		cfg:     cfg,
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	op := method + " " + path
	result, err := s.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.Invalid, op, "failed to encode request", err)
			}
			reader = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, op, "failed to build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, apperrors.Classify(op, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.BackendUnavailable, op, "failed to read response", err)
		}

		if resp.StatusCode == http.StatusNotFound {
			return nil, apperrors.Wrap(apperrors.NotFound, op, "not found", ErrNotFound)
		}
		if resp.StatusCode >= 500 {
			return nil, apperrors.New(apperrors.BackendUnavailable, op, fmt.Sprintf("backend returned %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return nil, apperrors.New(apperrors.Invalid, op, fmt.Sprintf("backend returned %d", resp.StatusCode))
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return nil, apperrors.Wrap(apperrors.Internal, op, "failed to decode response", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return apperrors.Wrap(apperrors.BackendUnavailable, op, "circuit breaker open", err)
		}
		return err
	}
	_ = result
	return nil
}

func (s *HTTPStore) Add(ctx context.Context, req AddRequest) ([]AddResult, error) {
	var out []AddResult
	if err := s.do(ctx, http.MethodPost, "/memories", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPStore) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	var out SearchResponse
	if err := s.do(ctx, http.MethodPost, "/memories/search", req, &out); err != nil {
		return SearchResponse{}, err
	}
	return out, nil
}

func (s *HTTPStore) List(ctx context.Context, req ListRequest) ([]Memory, error) {
	var out []Memory
	if err := s.do(ctx, http.MethodPost, "/memories/list", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPStore) Get(ctx context.Context, userID, id string) (Memory, error) {
	var out Memory
	path := fmt.Sprintf("/memories/%s/%s", userID, id)
	if err := s.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Memory{}, err
	}
	return out, nil
}

func (s *HTTPStore) Delete(ctx context.Context, userID, id string) error {
	path := fmt.Sprintf("/memories/%s/%s", userID, id)
	return s.do(ctx, http.MethodDelete, path, nil, nil)
}

func (s *HTTPStore) Update(ctx context.Context, userID, id, content string, metadata map[string]interface{}) (Memory, error) {
	var out Memory
	path := fmt.Sprintf("/memories/%s/%s", userID, id)
	body := map[string]interface{}{"content": content, "metadata": metadata}
	if err := s.do(ctx, http.MethodPatch, path, body, &out); err != nil {
		return Memory{}, err
	}
	return out, nil
}
