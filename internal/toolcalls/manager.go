// Package toolcalls is the state machine core for tool calls and pipelines.
//
// Every status change goes through Manager. A call moves along the legal edges
// defined in pkg/models; a pipeline's status is never set directly and is
// recomputed from all of its children after each child transition.
package toolcalls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolflow/internal/cache"
	"github.com/haasonsaas/toolflow/internal/observability"
	"github.com/haasonsaas/toolflow/internal/storage"
	"github.com/haasonsaas/toolflow/pkg/models"
)

// DefaultCallTTL bounds how long cached record copies live.
const DefaultCallTTL = 10 * time.Minute

// maxWriteAttempts bounds re-read and re-validate cycles after a lost
// compare-and-set.
const maxWriteAttempts = 5

// Options configures a Manager.
type Options struct {
	Store   storage.Store
	Cache   cache.Cache
	CallTTL time.Duration
	Metrics *observability.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
}

// CallSpec describes a call to register.
type CallSpec struct {
	ChatID           string
	MessageID        string
	ToolName         string
	CallID           string
	Args             json.RawMessage
	ParentToolCallID string
	PipelineID       string
	StepNumber       int
}

// Registration is the outcome of RegisterCall. Deduped reports that the
// call id was already known and the stored record was returned unchanged.
type Registration struct {
	Call    *models.ToolCall
	Deduped bool
}

// PipelineSpec describes a pipeline to create. ID is generated when empty.
type PipelineSpec struct {
	ID         string
	ChatID     string
	Name       string
	TotalSteps int
	Metadata   json.RawMessage
}

// Manager owns tool call and pipeline state.
type Manager struct {
	repo    *repository
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	pipelineLocks keyedMutex
}

// NewManager creates a Manager. Store is required; Cache is optional.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "toolcalls")
	}
	ttl := opts.CallTTL
	if ttl <= 0 {
		ttl = DefaultCallTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Manager{
		repo: &repository{
			store:   opts.Store,
			cache:   opts.Cache,
			ttl:     ttl,
			metrics: opts.Metrics,
			logger:  logger,
		},
		metrics: opts.Metrics,
		logger:  logger,
		now:     now,
		newID:   newID,
	}, nil
}

// RegisterCall returns the existing record for spec.CallID or creates it.
// A new call is stored PENDING and moved to PROCESSING straight away, which
// also advances its pipeline. Args of a duplicate registration are ignored.
func (m *Manager) RegisterCall(ctx context.Context, spec CallSpec) (Registration, error) {
	if strings.TrimSpace(spec.CallID) == "" || strings.TrimSpace(spec.ToolName) == "" {
		return Registration{}, fmt.Errorf("%w: call id and tool name are required", ErrInvalidCall)
	}

	existing, err := m.repo.cachedCall(ctx, spec.CallID)
	if err == nil {
		m.logger.Debug("tool call deduplicated", "tool_call_id", spec.CallID, "status", existing.Status)
		return Registration{Call: existing, Deduped: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Registration{}, err
	}

	if spec.PipelineID != "" {
		if err := m.validateStep(ctx, spec.PipelineID, spec.StepNumber); err != nil {
			return Registration{}, err
		}
	}

	now := m.now()
	call := &models.ToolCall{
		ID:               spec.CallID,
		ChatID:           spec.ChatID,
		MessageID:        spec.MessageID,
		ToolName:         spec.ToolName,
		Args:             spec.Args,
		Status:           models.CallPending,
		ParentToolCallID: spec.ParentToolCallID,
		PipelineID:       spec.PipelineID,
		StepNumber:       spec.StepNumber,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.repo.insertCall(ctx, call); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost the insert race to a concurrent registration.
			winner, getErr := m.repo.storedCall(ctx, spec.CallID)
			if getErr != nil {
				return Registration{}, getErr
			}
			m.logger.Debug("tool call deduplicated", "tool_call_id", spec.CallID, "status", winner.Status)
			return Registration{Call: winner, Deduped: true}, nil
		}
		return Registration{}, err
	}
	m.logger.Debug("tool call registered",
		"tool_call_id", call.ID,
		"tool", call.ToolName,
		"chat_id", call.ChatID,
		"pipeline_id", call.PipelineID,
		"step", call.StepNumber,
	)

	processing, err := m.Transition(ctx, call.ID, models.CallProcessing, nil, "")
	if err != nil {
		return Registration{}, err
	}
	return Registration{Call: processing}, nil
}

func (m *Manager) validateStep(ctx context.Context, pipelineID string, step int) error {
	p, err := m.repo.cachedPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if step < 1 || (p.TotalSteps > 0 && step > p.TotalSteps) {
		return fmt.Errorf("%w: step %d outside [1, %d] for pipeline %s", ErrInvalidStep, step, p.TotalSteps, pipelineID)
	}
	return nil
}

// Transition moves a call to status to along a legal edge. Result is stored
// on COMPLETED and errMsg on FAILED or REJECTED. Leaving AWAITING_APPROVAL
// for PROCESSING stamps ApprovedAt. Unknown ids return
// (nil, ErrNotFound). Illegal edges return a *TransitionError. The owning
// pipeline is recomputed after the call is written.
func (m *Manager) Transition(ctx context.Context, callID string, to models.CallStatus, result json.RawMessage, errMsg string) (*models.ToolCall, error) {
	return m.apply(ctx, callID, to, func(from models.CallStatus) bool {
		return from.CanTransition(to)
	}, func(from models.CallStatus, call *models.ToolCall) {
		switch to {
		case models.CallProcessing:
			if from == models.CallAwaitingApproval {
				approvedAt := call.UpdatedAt
				call.ApprovedAt = &approvedAt
			}
		case models.CallCompleted:
			call.Result = result
			call.Error = ""
		case models.CallFailed, models.CallRejected:
			call.Error = errMsg
		}
	})
}

// Retry moves a FAILED call back to PROCESSING and increments its retry
// count. It is the only way out of FAILED and is always caller driven. A
// previous approval does not carry over to the new attempt.
func (m *Manager) Retry(ctx context.Context, callID string) (*models.ToolCall, error) {
	return m.apply(ctx, callID, models.CallProcessing, func(from models.CallStatus) bool {
		return from == models.CallFailed
	}, func(_ models.CallStatus, call *models.ToolCall) {
		call.RetryCount++
		call.Error = ""
		call.Result = nil
		call.ApprovedAt = nil
	})
}

func (m *Manager) apply(ctx context.Context, callID string, to models.CallStatus, allowed func(models.CallStatus) bool, mutate func(models.CallStatus, *models.ToolCall)) (*models.ToolCall, error) {
	var from models.CallStatus
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := m.repo.storedCall(ctx, callID)
		if err != nil {
			return nil, err
		}
		from = current.Status
		if !allowed(from) {
			m.metrics.RecordTransition(string(from), string(to), false)
			m.logger.Warn("illegal tool call transition rejected",
				"tool_call_id", callID,
				"from", from,
				"to", to,
			)
			return nil, &TransitionError{CallID: callID, From: from, To: to}
		}

		next := current.Clone()
		next.Status = to
		next.UpdatedAt = m.now()
		mutate(from, next)

		err = m.repo.updateCall(ctx, next, from)
		if errors.Is(err, storage.ErrStatusConflict) {
			m.logger.Debug("tool call changed concurrently, re-validating", "tool_call_id", callID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}

		m.metrics.RecordTransition(string(from), string(to), true)
		m.logger.Debug("tool call transitioned", "tool_call_id", callID, "from", from, "to", to)

		if next.PipelineID != "" {
			if err := m.recomputePipeline(ctx, next.PipelineID); err != nil {
				return next, err
			}
		}
		return next, nil
	}
	return nil, &TransitionError{CallID: callID, From: from, To: to}
}

// recomputePipeline re-derives a pipeline's status from all of its calls.
// currentStep never moves backward.
func (m *Manager) recomputePipeline(ctx context.Context, pipelineID string) error {
	unlock := m.pipelineLocks.Lock(pipelineID)
	defer unlock()

	p, err := m.repo.storedPipeline(ctx, pipelineID)
	if errors.Is(err, ErrPipelineNotFound) {
		m.logger.Debug("pipeline gone before recompute", "pipeline_id", pipelineID)
		return nil
	}
	if err != nil {
		return err
	}
	calls, err := m.repo.listCalls(ctx, storage.CallFilter{PipelineID: pipelineID})
	if err != nil {
		return err
	}

	status, step := Aggregate(p.TotalSteps, calls)
	if step < p.CurrentStep {
		step = p.CurrentStep
	}
	if status == p.Status && step == p.CurrentStep {
		return nil
	}

	prev := p.Status
	p.Status = status
	p.CurrentStep = step
	p.UpdatedAt = m.now()
	if err := m.repo.updatePipeline(ctx, p); err != nil {
		if errors.Is(err, ErrPipelineNotFound) {
			return nil
		}
		return err
	}
	m.logger.Debug("pipeline recomputed",
		"pipeline_id", pipelineID,
		"from", prev,
		"to", status,
		"current_step", step,
	)
	return nil
}

// CreatePipeline creates a PENDING pipeline at step 0.
func (m *Manager) CreatePipeline(ctx context.Context, spec PipelineSpec) (*models.ToolPipeline, error) {
	if spec.TotalSteps < 0 {
		return nil, fmt.Errorf("%w: total steps must not be negative", ErrInvalidStep)
	}
	id := spec.ID
	if id == "" {
		id = m.newID()
	}
	now := m.now()
	p := &models.ToolPipeline{
		ID:         id,
		ChatID:     spec.ChatID,
		Name:       spec.Name,
		Status:     models.PipelinePending,
		TotalSteps: spec.TotalSteps,
		Metadata:   spec.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.repo.insertPipeline(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Debug("pipeline created", "pipeline_id", id, "name", spec.Name, "total_steps", spec.TotalSteps)
	return p, nil
}

// Call returns a call by id, preferring the cache.
func (m *Manager) Call(ctx context.Context, callID string) (*models.ToolCall, error) {
	return m.repo.cachedCall(ctx, callID)
}

// StoredCall returns the canonical copy of a call, bypassing the cache.
func (m *Manager) StoredCall(ctx context.Context, callID string) (*models.ToolCall, error) {
	return m.repo.storedCall(ctx, callID)
}

// Pipeline returns a pipeline by id, preferring the cache.
func (m *Manager) Pipeline(ctx context.Context, pipelineID string) (*models.ToolPipeline, error) {
	return m.repo.cachedPipeline(ctx, pipelineID)
}

// CallsByChat lists a chat's calls.
func (m *Manager) CallsByChat(ctx context.Context, chatID string) ([]*models.ToolCall, error) {
	return m.repo.listCalls(ctx, storage.CallFilter{ChatID: chatID})
}

// CallsByPipeline lists a pipeline's calls in step order.
func (m *Manager) CallsByPipeline(ctx context.Context, pipelineID string) ([]*models.ToolCall, error) {
	return m.repo.listCalls(ctx, storage.CallFilter{PipelineID: pipelineID})
}

// PipelinesByChat lists a chat's pipelines, newest first.
func (m *Manager) PipelinesByChat(ctx context.Context, chatID string) ([]*models.ToolPipeline, error) {
	return m.repo.listPipelines(ctx, storage.PipelineFilter{ChatID: chatID})
}

// ListCalls lists calls matching an arbitrary filter.
func (m *Manager) ListCalls(ctx context.Context, filter storage.CallFilter) ([]*models.ToolCall, error) {
	return m.repo.listCalls(ctx, filter)
}

// ListPipelines lists pipelines matching an arbitrary filter.
func (m *Manager) ListPipelines(ctx context.Context, filter storage.PipelineFilter) ([]*models.ToolPipeline, error) {
	return m.repo.listPipelines(ctx, filter)
}

// keyedMutex serializes work per key without a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
