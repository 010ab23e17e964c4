package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/toolflow/internal/approval"
	"github.com/haasonsaas/toolflow/internal/cache"
	"github.com/haasonsaas/toolflow/internal/toolcalls"
	"github.com/haasonsaas/toolflow/pkg/models"
)

// Tool is a tool function wrapped by an Executor.
type Tool struct {
	exec    *Executor
	name    string
	fn      Func
	timeout time.Duration
}

// Name returns the tool name.
func (t *Tool) Name() string { return t.name }

// Timeout returns the per-invocation timeout.
func (t *Tool) Timeout() time.Duration { return t.timeout }

// WithTimeout returns a copy of the tool with a different timeout.
func (t *Tool) WithTimeout(d time.Duration) *Tool {
	clone := *t
	if d > 0 {
		clone.timeout = d
	}
	return &clone
}

// Execute runs the tool for one tracked call.
//
// A cached result for the same call and arguments is returned without
// touching the record. Otherwise the call is registered, an existing record
// decides the answer when it already has one, sensitive tools are parked in
// AWAITING_APPROVAL, and the function runs under the tool timeout. Results
// are cached only after the COMPLETED transition was stored. Failures are
// recorded as FAILED and returned as *ToolError.
func (t *Tool) Execute(ctx context.Context, args json.RawMessage, inv Invocation) (Outcome, error) {
	e := t.exec
	start := time.Now()

	ctx, span := e.tracer.TraceToolExecution(ctx, t.name, inv.ToolCallID)
	defer span.End()

	out, err := t.execute(ctx, args, inv)

	duration := time.Since(start)
	e.tracer.SetAttributes(span,
		"tool.cache_hit", out.CacheHit,
		"tool.awaiting_approval", out.AwaitingApproval,
	)
	if err != nil {
		e.tracer.RecordError(span, err)
	}
	e.metrics.RecordToolExecution(t.name, outcomeLabel(out, err), duration.Seconds())

	stats := e.stats.finish(ExecutionStats{
		ToolName:   t.name,
		ToolCallID: inv.ToolCallID,
		Duration:   duration,
		CacheHit:   out.CacheHit,
	}, out.AwaitingApproval && err == nil, err != nil)
	if e.onComplete != nil {
		e.onComplete(stats)
	}
	return out, err
}

func (t *Tool) execute(ctx context.Context, args json.RawMessage, inv Invocation) (Outcome, error) {
	e := t.exec
	if inv.ToolCallID == "" || inv.ChatID == "" {
		return Outcome{}, t.toolError(ToolErrorInvalidInput, inv.ToolCallID, "chat id and tool call id are required", nil)
	}
	contentKey, err := cache.ContentKey(inv.ToolCallID, args)
	if err != nil {
		return Outcome{}, t.toolError(ToolErrorInvalidInput, inv.ToolCallID, "arguments are not valid JSON", err)
	}

	if !inv.ForceRetry {
		if result, ok := e.cacheGet(ctx, "content", contentKey); ok {
			return Outcome{Result: result, CacheHit: true}, nil
		}
	}

	// Concurrent executions of one call share a single run.
	v, err, _ := e.group.Do(inv.ToolCallID, func() (any, error) {
		return t.run(ctx, args, inv, contentKey)
	})
	out, _ := v.(Outcome)
	if out.Call != nil {
		out.Call = out.Call.Clone()
	}
	return out, err
}

func (t *Tool) run(ctx context.Context, args json.RawMessage, inv Invocation, contentKey string) (Outcome, error) {
	e := t.exec
	reg, err := e.manager.RegisterCall(ctx, toolcalls.CallSpec{
		ChatID:           inv.ChatID,
		MessageID:        inv.MessageID,
		ToolName:         t.name,
		CallID:           inv.ToolCallID,
		Args:             args,
		ParentToolCallID: inv.ParentToolCallID,
		PipelineID:       inv.PipelineID,
		StepNumber:       inv.StepNumber,
	})
	if err != nil {
		return Outcome{}, err
	}
	call := reg.Call

	// A fresh or reopened call passes through the approval gate. A PROCESSING
	// duplicate skips it only when an approval was recorded; otherwise it may
	// be a registration that has not been parked yet.
	gate := !reg.Deduped
	if reg.Deduped {
		switch call.Status {
		case models.CallProcessing:
			gate = call.ApprovedAt == nil
		case models.CallCompleted:
			e.cacheSet(ctx, "content", contentKey, call.Result)
			return Outcome{Result: call.Result, Call: call}, nil
		case models.CallAwaitingApproval:
			return Outcome{AwaitingApproval: true, Call: call}, nil
		case models.CallRejected:
			msg := call.Error
			if msg == "" {
				msg = approval.RejectionReason
			}
			return Outcome{Call: call}, t.toolError(ToolErrorRejected, call.ID, msg, nil)
		case models.CallFailed:
			if !inv.ForceRetry {
				return Outcome{Call: call}, t.toolError(ToolErrorExecution, call.ID, call.Error, nil)
			}
			if call, err = e.manager.Retry(ctx, call.ID); err != nil {
				return Outcome{}, err
			}
			gate = true
		case models.CallPending:
			if call, err = e.manager.Transition(ctx, call.ID, models.CallProcessing, nil, ""); err != nil {
				return Outcome{}, err
			}
			gate = true
		}
	}

	if err := e.catalog.Validate(t.name, args); err != nil {
		return t.fail(ctx, call, t.toolError(ToolErrorInvalidInput, call.ID, err.Error(), err))
	}

	if gate && e.requiresApproval(t.name) {
		parked, err := e.manager.Transition(ctx, call.ID, models.CallAwaitingApproval, nil, "")
		var te *toolcalls.TransitionError
		if errors.As(err, &te) && te.From == models.CallAwaitingApproval {
			// Another execution parked it first.
			if parked, err = e.manager.StoredCall(ctx, call.ID); err != nil {
				return Outcome{}, err
			}
			return Outcome{AwaitingApproval: true, Call: parked}, nil
		}
		if err != nil {
			return Outcome{}, err
		}
		call = parked
		e.logger.Info("tool call awaiting approval", "tool", t.name, "tool_call_id", call.ID)
		e.emit(models.NewToolEvent(models.EventToolAwaitingApproval, call))
		return Outcome{AwaitingApproval: true, Call: call}, nil
	}

	reuseKey, err := cache.ReuseKey(inv.ChatID, t.name, args)
	if err != nil {
		return Outcome{}, t.toolError(ToolErrorInvalidInput, call.ID, "arguments are not valid JSON", err)
	}
	if !inv.ForceRetry {
		if result, ok := e.cacheGet(ctx, "reuse", reuseKey); ok {
			done, err := t.complete(ctx, call, result, contentKey, "")
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Result: result, CacheHit: true, Call: done}, nil
		}
	}

	e.emit(models.NewToolEvent(models.EventToolStarted, call))
	result, err := t.invoke(ctx, args, inv)
	if err != nil {
		return t.fail(ctx, call, err)
	}
	done, err := t.complete(ctx, call, result, contentKey, reuseKey)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: result, Call: done}, nil
}

// complete stores the result and only then warms the result caches.
func (t *Tool) complete(ctx context.Context, call *models.ToolCall, result json.RawMessage, contentKey, reuseKey string) (*models.ToolCall, error) {
	e := t.exec
	ctx = context.WithoutCancel(ctx)
	done, err := e.manager.Transition(ctx, call.ID, models.CallCompleted, result, "")
	if err != nil {
		e.metrics.RecordError("toolexec", "persist_result")
		return nil, err
	}
	e.cacheSet(ctx, "content", contentKey, result)
	if reuseKey != "" {
		e.cacheSet(ctx, "reuse", reuseKey, result)
	}

	e.emit(models.NewToolEvent(models.EventToolFinished, done))
	if done.PipelineID == "" {
		e.emit(models.NewToolEvent(models.EventCallCompleted, done))
		return done, nil
	}
	p, err := e.manager.Pipeline(ctx, done.PipelineID)
	if err != nil {
		e.logger.Warn("pipeline lookup after completion failed", "pipeline_id", done.PipelineID, "error", err)
		return done, nil
	}
	if p.Status == models.PipelineCompleted {
		e.emit(models.NewToolEvent(models.EventPipelineCompleted, done).
			WithMeta("pipeline_name", p.Name).
			WithMeta("total_steps", p.TotalSteps))
	}
	return done, nil
}

// fail records the failure and returns it as a *ToolError. A persistence
// error is joined to the tool error.
func (t *Tool) fail(ctx context.Context, call *models.ToolCall, cause error) (Outcome, error) {
	e := t.exec
	var toolErr *ToolError
	if !errors.As(cause, &toolErr) {
		toolErr = t.toolError(ToolErrorExecution, call.ID, cause.Error(), cause)
	}

	failed, err := e.manager.Transition(context.WithoutCancel(ctx), call.ID, models.CallFailed, nil, toolErr.reason())
	if err != nil {
		e.logger.Error("failed to record tool failure", "tool", t.name, "tool_call_id", call.ID, "error", err)
		e.metrics.RecordError("toolexec", "persist_failure")
		return Outcome{Call: call}, errors.Join(toolErr, err)
	}

	eventType := models.EventToolFailed
	if toolErr.Type == ToolErrorTimeout {
		eventType = models.EventToolTimeout
	}
	e.emit(models.NewToolEvent(eventType, failed).WithMessage(toolErr.reason()))
	e.logger.Warn("tool execution failed", "tool", t.name, "tool_call_id", call.ID, "type", toolErr.Type, "error", toolErr.reason())
	return Outcome{Call: failed}, toolErr
}

// invoke races the tool function against its timeout. The function keeps
// running after a timeout; its late result is logged and dropped.
func (t *Tool) invoke(ctx context.Context, args json.RawMessage, inv Invocation) (json.RawMessage, error) {
	toolCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type execResult struct {
		result json.RawMessage
		err    error
	}
	resultChan := make(chan execResult, 1)
	abandoned := make(chan struct{})

	go func() {
		var res execResult
		func() {
			defer func() {
				if r := recover(); r != nil {
					res.err = t.toolError(ToolErrorPanic, inv.ToolCallID, fmt.Sprintf("tool panicked: %v", r), ErrToolPanic)
				}
			}()
			res.result, res.err = t.fn(toolCtx, args, inv)
		}()

		select {
		case <-abandoned:
			t.exec.logger.Warn("tool execution completed after timeout, result discarded",
				"tool", t.name,
				"tool_call_id", inv.ToolCallID,
			)
		default:
			resultChan <- res
		}
	}()

	select {
	case <-toolCtx.Done():
		close(abandoned)
		if ctx.Err() != nil {
			return nil, t.toolError(ToolErrorExecution, inv.ToolCallID, "tool execution canceled", ctx.Err())
		}
		return nil, t.toolError(ToolErrorTimeout, inv.ToolCallID,
			fmt.Sprintf("tool execution timed out after %v", t.timeout), ErrToolTimeout)
	case res := <-resultChan:
		if res.err != nil {
			return nil, res.err
		}
		if len(res.result) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(res.result) {
			return nil, t.toolError(ToolErrorExecution, inv.ToolCallID, "tool returned a result that is not valid JSON", nil)
		}
		return res.result, nil
	}
}

func (t *Tool) toolError(typ ToolErrorType, callID, msg string, cause error) *ToolError {
	return &ToolError{
		Type:       typ,
		ToolName:   t.name,
		ToolCallID: callID,
		Message:    msg,
		Cause:      cause,
	}
}

func outcomeLabel(out Outcome, err error) string {
	switch {
	case IsToolError(err, ToolErrorTimeout):
		return "timeout"
	case err != nil:
		return "error"
	case out.AwaitingApproval:
		return "awaiting_approval"
	case out.CacheHit:
		return "cached"
	default:
		return "success"
	}
}
