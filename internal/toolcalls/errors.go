package toolcalls

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/toolflow/pkg/models"
)

var (
	// ErrNotFound is the not-found signal for operations on unknown ids.
	// Polling that races the cleanup sweep hits it routinely.
	ErrNotFound = errors.New("tool call not found")

	// ErrIllegalTransition indicates a status edge outside the legal set.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrNotApplicable is returned when approve or reject targets a call
	// that is not awaiting approval.
	ErrNotApplicable = errors.New("not applicable")

	// ErrPersistence marks durable store failures.
	ErrPersistence = errors.New("persistence failure")

	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrInvalidStep      = errors.New("invalid pipeline step")
	ErrInvalidCall      = errors.New("invalid tool call")
)

// TransitionError describes a rejected status edge.
type TransitionError struct {
	CallID string
	From   models.CallStatus
	To     models.CallStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("tool call %s: illegal transition %s -> %s", e.CallID, e.From, e.To)
}

// Is lets errors.Is match ErrIllegalTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// PersistenceError wraps a durable store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistenceErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
