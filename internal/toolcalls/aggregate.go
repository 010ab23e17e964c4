package toolcalls

import "github.com/haasonsaas/toolflow/pkg/models"

// Aggregate derives a pipeline's status and reported step from the full set
// of its child calls. The rules are applied in order:
//
//  1. any child FAILED or REJECTED: FAILED
//  2. every step in [1, totalSteps] has a child and all children are
//     COMPLETED: COMPLETED at totalSteps
//  3. any child AWAITING_APPROVAL: AWAITING_APPROVAL at that child's step
//  4. any child PROCESSING: PROCESSING at that child's step
//  5. otherwise PENDING
//
// Without a declared totalSteps, rule 2 only needs every child COMPLETED.
// When several children trigger a rule, the lowest step number is reported.
// The result does not depend on the order of calls.
func Aggregate(totalSteps int, calls []*models.ToolCall) (models.PipelineStatus, int) {
	if len(calls) == 0 {
		return models.PipelinePending, 0
	}

	if step, ok := lowestStep(calls, models.CallFailed, models.CallRejected); ok {
		return models.PipelineFailed, step
	}

	allCompleted := true
	highest := 0
	steps := make(map[int]bool, len(calls))
	for _, call := range calls {
		if call.Status != models.CallCompleted {
			allCompleted = false
		}
		if call.StepNumber > highest {
			highest = call.StepNumber
		}
		steps[call.StepNumber] = true
	}
	if allCompleted {
		if totalSteps <= 0 {
			return models.PipelineCompleted, highest
		}
		if coversSteps(steps, totalSteps) {
			return models.PipelineCompleted, totalSteps
		}
	}

	if step, ok := lowestStep(calls, models.CallAwaitingApproval); ok {
		return models.PipelineAwaitingApproval, step
	}
	if step, ok := lowestStep(calls, models.CallProcessing); ok {
		return models.PipelineProcessing, step
	}
	return models.PipelinePending, 0
}

func coversSteps(steps map[int]bool, totalSteps int) bool {
	for step := 1; step <= totalSteps; step++ {
		if !steps[step] {
			return false
		}
	}
	return true
}

func lowestStep(calls []*models.ToolCall, statuses ...models.CallStatus) (int, bool) {
	found := false
	lowest := 0
	for _, call := range calls {
		match := false
		for _, s := range statuses {
			if call.Status == s {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if !found || call.StepNumber < lowest {
			lowest = call.StepNumber
			found = true
		}
	}
	return lowest, found
}
