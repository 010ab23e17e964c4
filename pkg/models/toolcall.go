// Package models provides domain types for tool-call tracking.
package models

import (
	"encoding/json"
	"time"
)

// CallStatus represents the lifecycle state of a tool call.
type CallStatus string

const (
	CallPending          CallStatus = "PENDING"
	CallProcessing       CallStatus = "PROCESSING"
	CallAwaitingApproval CallStatus = "AWAITING_APPROVAL"
	CallCompleted        CallStatus = "COMPLETED"
	CallFailed           CallStatus = "FAILED"
	CallRejected         CallStatus = "REJECTED"
)

// legalEdges lists every status move Transition accepts.
var legalEdges = map[CallStatus][]CallStatus{
	CallPending:          {CallProcessing},
	CallProcessing:       {CallAwaitingApproval, CallCompleted, CallFailed},
	CallAwaitingApproval: {CallProcessing, CallRejected},
}

// CanTransition reports whether moving from one status to another is a legal edge.
func (s CallStatus) CanTransition(to CallStatus) bool {
	for _, next := range legalEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave this status.
// FAILED is terminal for Transition; only an explicit retry reopens it.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known call status.
func (s CallStatus) Valid() bool {
	switch s {
	case CallPending, CallProcessing, CallAwaitingApproval, CallCompleted, CallFailed, CallRejected:
		return true
	default:
		return false
	}
}

// ToolCall is one invocation attempt of a named tool.
type ToolCall struct {
	// ID is the externally supplied call identifier and the dedup key.
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	ToolName  string `json:"tool_name"`

	Args   json.RawMessage `json:"args,omitempty"`
	Status CallStatus      `json:"status"`

	// Result is set only when Status is COMPLETED.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is set only when Status is FAILED or REJECTED.
	Error string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`

	// ApprovedAt records the human approval that moved the call out of
	// AWAITING_APPROVAL. A retry clears it.
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	ParentToolCallID string `json:"parent_tool_call_id,omitempty"`
	PipelineID       string `json:"pipeline_id,omitempty"`
	StepNumber       int    `json:"step_number,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the call.
func (c *ToolCall) Clone() *ToolCall {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Args = cloneRaw(c.Args)
	clone.Result = cloneRaw(c.Result)
	if c.ApprovedAt != nil {
		at := *c.ApprovedAt
		clone.ApprovedAt = &at
	}
	return &clone
}

// PipelineStatus represents the aggregate state of a pipeline.
// There is no REJECTED pipeline status; a rejected child fails the pipeline.
type PipelineStatus string

const (
	PipelinePending          PipelineStatus = "PENDING"
	PipelineProcessing       PipelineStatus = "PROCESSING"
	PipelineAwaitingApproval PipelineStatus = "AWAITING_APPROVAL"
	PipelineCompleted        PipelineStatus = "COMPLETED"
	PipelineFailed           PipelineStatus = "FAILED"
)

// ToolPipeline is an ordered group of calls sharing a goal.
type ToolPipeline struct {
	ID     string         `json:"id"`
	ChatID string         `json:"chat_id"`
	Name   string         `json:"name"`
	Status PipelineStatus `json:"status"`

	CurrentStep int `json:"current_step"`
	TotalSteps  int `json:"total_steps"`

	Metadata json.RawMessage `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the pipeline.
func (p *ToolPipeline) Clone() *ToolPipeline {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Metadata = cloneRaw(p.Metadata)
	return &clone
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
