package toolcalls

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/toolflow/internal/cache"
	"github.com/haasonsaas/toolflow/internal/observability"
	"github.com/haasonsaas/toolflow/internal/storage"
	"github.com/haasonsaas/toolflow/pkg/models"
)

// repository is the only writer of call and pipeline records. Every write
// goes to the store first and is mirrored into the cache only after the store
// accepted it, so a cached record is always a copy of some stored state.
type repository struct {
	store   storage.Store
	cache   cache.Cache
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// cachedCall reads through the cache. Cache failures degrade to a store read.
func (r *repository) cachedCall(ctx context.Context, id string) (*models.ToolCall, error) {
	if r.cache != nil {
		call, ok, err := cache.GetJSON[*models.ToolCall](ctx, r.cache, cache.CallKey(id))
		if err != nil {
			r.logger.Warn("call cache read failed", "tool_call_id", id, "error", err)
		}
		r.metrics.RecordCacheLookup("record", ok && call != nil)
		if ok && call != nil {
			return call, nil
		}
	}
	call, err := r.storedCall(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mirrorCall(ctx, call)
	return call, nil
}

// storedCall reads the canonical copy.
func (r *repository) storedCall(ctx context.Context, id string) (*models.ToolCall, error) {
	call, err := r.store.GetCall(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistenceErr("get call", err)
	}
	return call, nil
}

func (r *repository) insertCall(ctx context.Context, call *models.ToolCall) error {
	if err := r.store.InsertCall(ctx, call); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return persistenceErr("insert call", err)
	}
	r.mirrorCall(ctx, call)
	return nil
}

// updateCall applies a conditional write. storage.ErrStatusConflict is
// returned unwrapped so callers can retry.
func (r *repository) updateCall(ctx context.Context, call *models.ToolCall, expected models.CallStatus) error {
	if err := r.store.UpdateCall(ctx, call, expected); err != nil {
		switch {
		case errors.Is(err, storage.ErrStatusConflict):
			r.forget(ctx, cache.CallKey(call.ID))
			return err
		case errors.Is(err, storage.ErrNotFound):
			r.forget(ctx, cache.CallKey(call.ID))
			return ErrNotFound
		default:
			return persistenceErr("update call", err)
		}
	}
	r.mirrorCall(ctx, call)
	return nil
}

func (r *repository) cachedPipeline(ctx context.Context, id string) (*models.ToolPipeline, error) {
	if r.cache != nil {
		p, ok, err := cache.GetJSON[*models.ToolPipeline](ctx, r.cache, cache.PipelineKey(id))
		if err != nil {
			r.logger.Warn("pipeline cache read failed", "pipeline_id", id, "error", err)
		}
		r.metrics.RecordCacheLookup("record", ok && p != nil)
		if ok && p != nil {
			return p, nil
		}
	}
	p, err := r.storedPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mirrorPipeline(ctx, p)
	return p, nil
}

func (r *repository) storedPipeline(ctx context.Context, id string) (*models.ToolPipeline, error) {
	p, err := r.store.GetPipeline(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrPipelineNotFound
	}
	if err != nil {
		return nil, persistenceErr("get pipeline", err)
	}
	return p, nil
}

func (r *repository) insertPipeline(ctx context.Context, p *models.ToolPipeline) error {
	if err := r.store.InsertPipeline(ctx, p); err != nil {
		return persistenceErr("insert pipeline", err)
	}
	r.mirrorPipeline(ctx, p)
	return nil
}

func (r *repository) updatePipeline(ctx context.Context, p *models.ToolPipeline) error {
	if err := r.store.UpdatePipeline(ctx, p); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.forget(ctx, cache.PipelineKey(p.ID))
			return ErrPipelineNotFound
		}
		return persistenceErr("update pipeline", err)
	}
	r.mirrorPipeline(ctx, p)
	return nil
}

func (r *repository) listCalls(ctx context.Context, filter storage.CallFilter) ([]*models.ToolCall, error) {
	calls, err := r.store.ListCalls(ctx, filter)
	if err != nil {
		return nil, persistenceErr("list calls", err)
	}
	return calls, nil
}

func (r *repository) listPipelines(ctx context.Context, filter storage.PipelineFilter) ([]*models.ToolPipeline, error) {
	pipelines, err := r.store.ListPipelines(ctx, filter)
	if err != nil {
		return nil, persistenceErr("list pipelines", err)
	}
	return pipelines, nil
}

func (r *repository) mirrorCall(ctx context.Context, call *models.ToolCall) {
	if r.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, r.cache, cache.CallKey(call.ID), call, r.ttl); err != nil {
		r.logger.Warn("call cache write failed", "tool_call_id", call.ID, "error", err)
	}
}

func (r *repository) mirrorPipeline(ctx context.Context, p *models.ToolPipeline) {
	if r.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, r.cache, cache.PipelineKey(p.ID), p, r.ttl); err != nil {
		r.logger.Warn("pipeline cache write failed", "pipeline_id", p.ID, "error", err)
	}
}

func (r *repository) forget(ctx context.Context, key string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn("cache delete failed", "key", key, "error", err)
	}
}
