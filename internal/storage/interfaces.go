// Package storage persists tool calls and pipelines. The store is the
// source of truth; caches in front of it are never authoritative.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/toolflow/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrStatusConflict is returned by a conditional update when the stored
	// status no longer matches the expected one.
	ErrStatusConflict = errors.New("status changed concurrently")
)

// CallFilter selects tool calls. Zero-valued fields do not filter.
type CallFilter struct {
	ChatID        string
	PipelineID    string
	Statuses      []models.CallStatus
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// PipelineFilter selects pipelines. Zero-valued fields do not filter.
type PipelineFilter struct {
	ChatID        string
	Statuses      []models.PipelineStatus
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// CallStore persists tool call records.
type CallStore interface {
	// InsertCall stores a new call. It returns ErrAlreadyExists when a call
	// with the same id is already stored and leaves that record untouched.
	InsertCall(ctx context.Context, call *models.ToolCall) error
	// GetCall returns ErrNotFound for unknown ids.
	GetCall(ctx context.Context, id string) (*models.ToolCall, error)
	// UpdateCall writes the mutable fields of a call (status, result, error,
	// retry count, updated_at, approved_at). When expected is non-empty the write only
	// applies if the stored status still equals expected; otherwise
	// ErrStatusConflict is returned.
	UpdateCall(ctx context.Context, call *models.ToolCall, expected models.CallStatus) error
	DeleteCall(ctx context.Context, id string) error
	// ListCalls returns matching calls ordered by step number, then creation time.
	ListCalls(ctx context.Context, filter CallFilter) ([]*models.ToolCall, error)
	// DeleteStaleCalls removes calls in one of the statuses whose updated_at
	// is strictly before cutoff. Returns the deleted ids.
	DeleteStaleCalls(ctx context.Context, statuses []models.CallStatus, cutoff time.Time) ([]string, error)
}

// PipelineStore persists pipeline records.
type PipelineStore interface {
	InsertPipeline(ctx context.Context, pipeline *models.ToolPipeline) error
	GetPipeline(ctx context.Context, id string) (*models.ToolPipeline, error)
	UpdatePipeline(ctx context.Context, pipeline *models.ToolPipeline) error
	DeletePipeline(ctx context.Context, id string) error
	ListPipelines(ctx context.Context, filter PipelineFilter) ([]*models.ToolPipeline, error)
	DeleteStalePipelines(ctx context.Context, statuses []models.PipelineStatus, cutoff time.Time) ([]string, error)
}

// Store groups the call and pipeline stores behind one backend.
type Store interface {
	CallStore
	PipelineStore
	Close() error
}

func callMatches(call *models.ToolCall, filter CallFilter) bool {
	if filter.ChatID != "" && call.ChatID != filter.ChatID {
		return false
	}
	if filter.PipelineID != "" && call.PipelineID != filter.PipelineID {
		return false
	}
	if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, call.Status) {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !call.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	return true
}

func pipelineMatches(p *models.ToolPipeline, filter PipelineFilter) bool {
	if filter.ChatID != "" && p.ChatID != filter.ChatID {
		return false
	}
	if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, p.Status) {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !p.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	return true
}

func containsStatus[S ~string](statuses []S, status S) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
