package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/toolflow/pkg/models"
)

// MemoryStore keeps calls and pipelines in memory. Records are cloned on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	calls     map[string]*models.ToolCall
	pipelines map[string]*models.ToolPipeline
}

// NewMemoryStore returns a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:     make(map[string]*models.ToolCall),
		pipelines: make(map[string]*models.ToolPipeline),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// InsertCall stores a call unless one with the same id exists.
func (s *MemoryStore) InsertCall(ctx context.Context, call *models.ToolCall) error {
	if call == nil || call.ID == "" {
		return fmt.Errorf("call is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[call.ID]; exists {
		return ErrAlreadyExists
	}
	s.calls[call.ID] = call.Clone()
	return nil
}

// GetCall returns a call by id.
func (s *MemoryStore) GetCall(ctx context.Context, id string) (*models.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return call.Clone(), nil
}

// UpdateCall writes the mutable fields of a stored call.
func (s *MemoryStore) UpdateCall(ctx context.Context, call *models.ToolCall, expected models.CallStatus) error {
	if call == nil {
		return fmt.Errorf("call is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.calls[call.ID]
	if !ok {
		return ErrNotFound
	}
	if expected != "" && stored.Status != expected {
		return ErrStatusConflict
	}
	updated := stored.Clone()
	updated.Status = call.Status
	updated.Result = append([]byte(nil), call.Result...)
	if call.Result == nil {
		updated.Result = nil
	}
	updated.Error = call.Error
	updated.RetryCount = call.RetryCount
	updated.UpdatedAt = call.UpdatedAt
	updated.ApprovedAt = call.Clone().ApprovedAt
	s.calls[call.ID] = updated
	return nil
}

// DeleteCall removes a call. Deleting an unknown id is not an error.
func (s *MemoryStore) DeleteCall(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, id)
	return nil
}

// ListCalls returns matching calls ordered by step number then creation time.
func (s *MemoryStore) ListCalls(ctx context.Context, filter CallFilter) ([]*models.ToolCall, error) {
	s.mu.RLock()
	result := make([]*models.ToolCall, 0)
	for _, call := range s.calls {
		if callMatches(call, filter) {
			result = append(result, call.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StepNumber != result[j].StepNumber {
			return result[i].StepNumber < result[j].StepNumber
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return paginate(result, filter.Limit, filter.Offset), nil
}

// DeleteStaleCalls removes calls in the given statuses last updated before cutoff.
func (s *MemoryStore) DeleteStaleCalls(ctx context.Context, statuses []models.CallStatus, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []string
	for id, call := range s.calls {
		if containsStatus(statuses, call.Status) && call.UpdatedAt.Before(cutoff) {
			delete(s.calls, id)
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

// InsertPipeline stores a pipeline unless one with the same id exists.
func (s *MemoryStore) InsertPipeline(ctx context.Context, pipeline *models.ToolPipeline) error {
	if pipeline == nil || pipeline.ID == "" {
		return fmt.Errorf("pipeline is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pipelines[pipeline.ID]; exists {
		return ErrAlreadyExists
	}
	s.pipelines[pipeline.ID] = pipeline.Clone()
	return nil
}

// GetPipeline returns a pipeline by id.
func (s *MemoryStore) GetPipeline(ctx context.Context, id string) (*models.ToolPipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pipeline, ok := s.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return pipeline.Clone(), nil
}

// UpdatePipeline replaces the mutable fields of a stored pipeline.
func (s *MemoryStore) UpdatePipeline(ctx context.Context, pipeline *models.ToolPipeline) error {
	if pipeline == nil {
		return fmt.Errorf("pipeline is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.pipelines[pipeline.ID]
	if !ok {
		return ErrNotFound
	}
	updated := pipeline.Clone()
	updated.ChatID = stored.ChatID
	updated.Name = stored.Name
	updated.CreatedAt = stored.CreatedAt
	s.pipelines[pipeline.ID] = updated
	return nil
}

// DeletePipeline removes a pipeline. Deleting an unknown id is not an error.
func (s *MemoryStore) DeletePipeline(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pipelines, id)
	return nil
}

// ListPipelines returns matching pipelines, newest first.
func (s *MemoryStore) ListPipelines(ctx context.Context, filter PipelineFilter) ([]*models.ToolPipeline, error) {
	s.mu.RLock()
	result := make([]*models.ToolPipeline, 0)
	for _, p := range s.pipelines {
		if pipelineMatches(p, filter) {
			result = append(result, p.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return paginate(result, filter.Limit, filter.Offset), nil
}

// DeleteStalePipelines removes pipelines in the given statuses last updated before cutoff.
func (s *MemoryStore) DeleteStalePipelines(ctx context.Context, statuses []models.PipelineStatus, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []string
	for id, p := range s.pipelines {
		if containsStatus(statuses, p.Status) && p.UpdatedAt.Before(cutoff) {
			delete(s.pipelines, id)
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}
