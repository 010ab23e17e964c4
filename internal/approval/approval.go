// Package approval implements the human-in-the-loop gate for tool calls.
//
// A gated call is parked in AWAITING_APPROVAL by the executor. Approve moves
// it back to PROCESSING so a later execute can run it; Reject ends it. The
// gate never resumes execution itself, since the approving actor may live in
// a different process than the one that issued the call.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/toolflow/internal/observability"
	"github.com/haasonsaas/toolflow/internal/storage"
	"github.com/haasonsaas/toolflow/internal/toolcalls"
	"github.com/haasonsaas/toolflow/pkg/models"
)

// RejectionReason is recorded on every rejected call.
const RejectionReason = "execution rejected"

// RequiresApproval reports whether toolName is in the approval list.
// Matching is exact.
func RequiresApproval(toolName string, list []string) bool {
	for _, name := range list {
		if name == toolName {
			return true
		}
	}
	return false
}

// Gate applies approval decisions to parked calls.
type Gate struct {
	manager *toolcalls.Manager
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
	notify  func(*models.RuntimeEvent)
}

// Options configures a Gate.
type Options struct {
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger

	// OnDecision receives a tool_approved or tool_rejected event after each
	// applied decision. It runs on the deciding goroutine and must not block.
	OnDecision func(*models.RuntimeEvent)
}

// NewGate creates a gate over the given manager.
func NewGate(manager *toolcalls.Manager, opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "approval")
	}
	return &Gate{
		manager: manager,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		logger:  logger,
		notify:  opts.OnDecision,
	}
}

// Approve moves an AWAITING_APPROVAL call to PROCESSING. Any other status
// yields ErrNotApplicable and leaves the call untouched.
func (g *Gate) Approve(ctx context.Context, callID string) (*models.ToolCall, error) {
	call, err := g.decide(ctx, callID, models.CallProcessing, "")
	if err != nil {
		return nil, err
	}
	g.logger.Info("tool call approved", "tool_call_id", callID, "tool", call.ToolName)
	g.emit(models.NewToolEvent(models.EventToolApproved, call))
	return call, nil
}

// Reject moves an AWAITING_APPROVAL call to REJECTED. REJECTED is terminal
// and fails the owning pipeline.
func (g *Gate) Reject(ctx context.Context, callID string) (*models.ToolCall, error) {
	call, err := g.decide(ctx, callID, models.CallRejected, RejectionReason)
	if err != nil {
		return nil, err
	}
	g.logger.Info("tool call rejected", "tool_call_id", callID, "tool", call.ToolName)
	g.emit(models.NewToolEvent(models.EventToolRejected, call).WithMessage(RejectionReason))
	return call, nil
}

func (g *Gate) decide(ctx context.Context, callID string, to models.CallStatus, reason string) (call *models.ToolCall, err error) {
	decision := "approve"
	if to == models.CallRejected {
		decision = "reject"
	}
	ctx, span := g.tracer.TraceApproval(ctx, decision, callID)
	defer func() {
		g.tracer.RecordError(span, err)
		span.End()
	}()

	current, err := g.manager.StoredCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.CallAwaitingApproval {
		return nil, g.notApplicable(callID, current.Status)
	}

	call, err = g.manager.Transition(ctx, callID, to, nil, reason)
	var te *toolcalls.TransitionError
	if errors.As(err, &te) {
		// Another decision landed between the read and the write.
		return nil, g.notApplicable(callID, te.From)
	}
	if err != nil {
		g.metrics.RecordError("approval", "transition")
		return nil, err
	}
	return call, nil
}

func (g *Gate) emit(event *models.RuntimeEvent) {
	if g.notify != nil {
		g.notify(event)
	}
}

func (g *Gate) notApplicable(callID string, status models.CallStatus) error {
	g.logger.Debug("approval decision not applicable", "tool_call_id", callID, "status", status)
	return fmt.Errorf("%w: tool call %s is %s", toolcalls.ErrNotApplicable, callID, status)
}

// Pending lists calls awaiting a decision. An empty chatID lists all chats.
func (g *Gate) Pending(ctx context.Context, chatID string) ([]*models.ToolCall, error) {
	return g.manager.ListCalls(ctx, storage.CallFilter{
		ChatID:   chatID,
		Statuses: []models.CallStatus{models.CallAwaitingApproval},
	})
}
