// Package toolexec wraps tool functions so that every invocation is tracked by
// the tool call manager, served from cache when possible, gated on human
// approval for sensitive tools and bounded by a timeout.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/toolflow/internal/approval"
	"github.com/haasonsaas/toolflow/internal/cache"
	"github.com/haasonsaas/toolflow/internal/catalog"
	"github.com/haasonsaas/toolflow/internal/observability"
	"github.com/haasonsaas/toolflow/internal/toolcalls"
	"github.com/haasonsaas/toolflow/pkg/models"
)

const (
	// DefaultTimeout bounds a tool invocation when neither the tool nor the
	// catalog sets one.
	DefaultTimeout = 30 * time.Second

	// DefaultResultTTL is how long content and reuse cache entries live.
	DefaultResultTTL = time.Hour
)

// Func is the signature of a wrapped tool. The returned result must be JSON.
type Func func(ctx context.Context, args json.RawMessage, inv Invocation) (json.RawMessage, error)

// Observer receives runtime events. Observers run synchronously on the
// executing goroutine and must not block.
type Observer func(*models.RuntimeEvent)

// Invocation carries the identity of one tool call.
type Invocation struct {
	ChatID           string
	MessageID        string
	ToolCallID       string
	ParentToolCallID string
	PipelineID       string
	StepNumber       int

	// ForceRetry bypasses the result caches and reopens a FAILED call.
	ForceRetry bool
}

// Outcome is what Execute hands back on success or suspension.
type Outcome struct {
	Result json.RawMessage

	// AwaitingApproval is set when the call is parked for a human decision.
	// Result is empty in that case.
	AwaitingApproval bool

	// CacheHit is set when the result came from the content or reuse cache.
	CacheHit bool

	// Call is the tracked record after this execution. It is nil when the
	// content cache answered without touching the record.
	Call *models.ToolCall
}

// Options configures an Executor.
type Options struct {
	Manager *toolcalls.Manager

	// Cache holds result entries. Nil disables result caching.
	Cache cache.Cache

	// Catalog supplies per-tool timeouts, argument schemas and the approval
	// list. It may be nil.
	Catalog *catalog.Catalog

	// ApprovalTools names tools that need approval in addition to those the
	// catalog marks.
	ApprovalTools []string

	DefaultTimeout time.Duration
	ResultTTL      time.Duration

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger

	// OnComplete receives per-execution statistics.
	OnComplete func(ExecutionStats)
}

// Executor owns the shared state behind wrapped tools.
type Executor struct {
	manager        *toolcalls.Manager
	cache          cache.Cache
	catalog        *catalog.Catalog
	approvalTools  []string
	defaultTimeout time.Duration
	resultTTL      time.Duration
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	logger         *slog.Logger
	onComplete     func(ExecutionStats)

	group singleflight.Group
	stats statsCounter

	mu        sync.RWMutex
	tools     map[string]*Tool
	observers map[int]Observer
	nextObs   int
}

// NewExecutor creates an executor.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Manager == nil {
		return nil, errors.New("toolexec: manager is required")
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	approvalTools := append([]string(nil), opts.ApprovalTools...)
	approvalTools = append(approvalTools, opts.Catalog.ApprovalList()...)
	return &Executor{
		manager:        opts.Manager,
		cache:          opts.Cache,
		catalog:        opts.Catalog,
		approvalTools:  approvalTools,
		defaultTimeout: opts.DefaultTimeout,
		resultTTL:      opts.ResultTTL,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		logger:         opts.Logger.With("component", "toolexec"),
		onComplete:     opts.OnComplete,
		tools:          make(map[string]*Tool),
		observers:      make(map[int]Observer),
	}, nil
}

// Wrap returns a tracked tool. Wrapping the same name twice replaces the
// earlier registration used by Resume.
func (e *Executor) Wrap(name string, fn Func) *Tool {
	t := &Tool{exec: e, name: name, fn: fn, timeout: e.timeoutFor(name)}
	e.mu.Lock()
	e.tools[name] = t
	e.mu.Unlock()
	return t
}

// Lookup returns the wrapped tool registered under name.
func (e *Executor) Lookup(name string) (*Tool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tools[name]
	return t, ok
}

// Subscribe registers an observer and returns a function that removes it.
func (e *Executor) Subscribe(obs Observer) func() {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = obs
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// Stats returns the running totals.
func (e *Executor) Stats() ExecutionStats {
	return e.stats.snapshot()
}

// Resume executes a stored call again with its recorded arguments. It is how
// a caller continues after an approval.
func (e *Executor) Resume(ctx context.Context, callID string) (Outcome, error) {
	call, err := e.manager.StoredCall(ctx, callID)
	if err != nil {
		return Outcome{}, err
	}
	t, ok := e.Lookup(call.ToolName)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrToolNotFound, call.ToolName)
	}
	return t.Execute(ctx, call.Args, Invocation{
		ChatID:           call.ChatID,
		MessageID:        call.MessageID,
		ToolCallID:       call.ID,
		ParentToolCallID: call.ParentToolCallID,
		PipelineID:       call.PipelineID,
		StepNumber:       call.StepNumber,
	})
}

func (e *Executor) timeoutFor(name string) time.Duration {
	if e.catalog != nil {
		if _, ok := e.catalog.Lookup(name); ok {
			return e.catalog.Timeout(name)
		}
	}
	return e.defaultTimeout
}

func (e *Executor) requiresApproval(name string) bool {
	return approval.RequiresApproval(name, e.approvalTools)
}

func (e *Executor) emit(event *models.RuntimeEvent) {
	e.mu.RLock()
	observers := make([]Observer, 0, len(e.observers))
	for _, obs := range e.observers {
		observers = append(observers, obs)
	}
	e.mu.RUnlock()
	for _, obs := range observers {
		obs(event)
	}
}

func (e *Executor) cacheGet(ctx context.Context, kind, key string) (json.RawMessage, bool) {
	if e.cache == nil {
		return nil, false
	}
	raw, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("result cache read failed", "kind", kind, "error", err)
		ok = false
	}
	if ok && !json.Valid(raw) {
		e.logger.Warn("discarding malformed cached result", "kind", kind)
		ok = false
	}
	e.metrics.RecordCacheLookup(kind, ok)
	if !ok {
		return nil, false
	}
	return json.RawMessage(raw), true
}

func (e *Executor) cacheSet(ctx context.Context, kind, key string, value json.RawMessage) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, key, value, e.resultTTL); err != nil {
		e.logger.Warn("result cache write failed", "kind", kind, "error", err)
	}
}
