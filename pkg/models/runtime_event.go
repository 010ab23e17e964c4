package models

import "time"

// RuntimeEventType names a lifecycle notification emitted by the executor
// or the approval gate.
type RuntimeEventType string

// Lifecycle notifications, in the order a successful call emits them.
const (
	EventToolAwaitingApproval RuntimeEventType = "tool_awaiting_approval"
	EventToolStarted          RuntimeEventType = "tool_started"
	EventToolFinished         RuntimeEventType = "tool_finished"
	EventCallCompleted        RuntimeEventType = "call_completed"
	EventPipelineCompleted    RuntimeEventType = "pipeline_completed"

	// Failure notifications. A timeout is reported instead of tool_failed.
	EventToolFailed  RuntimeEventType = "tool_failed"
	EventToolTimeout RuntimeEventType = "tool_timeout"

	// Human decisions on a parked call, emitted by the approval gate.
	EventToolApproved RuntimeEventType = "tool_approved"
	EventToolRejected RuntimeEventType = "tool_rejected"
)

// RuntimeEvent is a snapshot of a call at the moment a lifecycle
// notification fired. Subscribers must treat it as read-only.
type RuntimeEvent struct {
	Type       RuntimeEventType `json:"type"`
	Time       time.Time        `json:"time"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ChatID     string           `json:"chat_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	Status     CallStatus       `json:"status,omitempty"`
	PipelineID string           `json:"pipeline_id,omitempty"`
	StepNumber int              `json:"step_number,omitempty"`
	Message    string           `json:"message,omitempty"`
	Meta       map[string]any   `json:"meta,omitempty"`
}

// NewToolEvent snapshots call for an event of type typ. call may be nil.
func NewToolEvent(typ RuntimeEventType, call *ToolCall) *RuntimeEvent {
	e := &RuntimeEvent{Type: typ, Time: time.Now()}
	if call == nil {
		return e
	}
	e.ToolCallID, e.ChatID, e.ToolName = call.ID, call.ChatID, call.ToolName
	e.Status = call.Status
	e.PipelineID, e.StepNumber = call.PipelineID, call.StepNumber
	return e
}

func (e *RuntimeEvent) WithMessage(msg string) *RuntimeEvent {
	e.Message = msg
	return e
}

func (e *RuntimeEvent) WithMeta(key string, value any) *RuntimeEvent {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[key] = value
	return e
}
