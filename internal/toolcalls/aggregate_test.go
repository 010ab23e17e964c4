package toolcalls

import (
	"math/rand"
	"testing"

	"github.com/haasonsaas/toolflow/pkg/models"
)

func calls(statuses ...models.CallStatus) []*models.ToolCall {
	out := make([]*models.ToolCall, len(statuses))
	for i, s := range statuses {
		out[i] = &models.ToolCall{ID: string(rune('a' + i)), Status: s, StepNumber: i + 1}
	}
	return out
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name       string
		totalSteps int
		calls      []*models.ToolCall
		wantStatus models.PipelineStatus
		wantStep   int
	}{
		{"no children", 3, nil, models.PipelinePending, 0},
		{"failed wins", 3, calls(models.CallCompleted, models.CallFailed, models.CallProcessing), models.PipelineFailed, 2},
		{"rejected fails pipeline", 2, calls(models.CallRejected, models.CallCompleted), models.PipelineFailed, 1},
		{"all completed", 3, calls(models.CallCompleted, models.CallCompleted, models.CallCompleted), models.PipelineCompleted, 3},
		{"completed but steps missing", 3, calls(models.CallCompleted, models.CallCompleted), models.PipelinePending, 0},
		{"duplicate steps leave a gap", 3, []*models.ToolCall{
			{ID: "a", Status: models.CallCompleted, StepNumber: 1},
			{ID: "b", Status: models.CallCompleted, StepNumber: 1},
			{ID: "c", Status: models.CallCompleted, StepNumber: 2},
		}, models.PipelinePending, 0},
		{"duplicate steps covering every step", 2, []*models.ToolCall{
			{ID: "a", Status: models.CallCompleted, StepNumber: 1},
			{ID: "b", Status: models.CallCompleted, StepNumber: 2},
			{ID: "c", Status: models.CallCompleted, StepNumber: 2},
		}, models.PipelineCompleted, 2},
		{"awaiting before processing", 3, calls(models.CallProcessing, models.CallAwaitingApproval, models.CallCompleted), models.PipelineAwaitingApproval, 2},
		{"processing", 3, calls(models.CallCompleted, models.CallProcessing), models.PipelineProcessing, 2},
		{"only pending", 2, calls(models.CallPending), models.PipelinePending, 0},
		{"no total steps uses highest step", 0, calls(models.CallCompleted, models.CallCompleted), models.PipelineCompleted, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, step := Aggregate(tt.totalSteps, tt.calls)
			if status != tt.wantStatus || step != tt.wantStep {
				t.Errorf("Aggregate() = (%s, %d), want (%s, %d)", status, step, tt.wantStatus, tt.wantStep)
			}
		})
	}
}

func TestAggregate_LowestStepTieBreak(t *testing.T) {
	cs := []*models.ToolCall{
		{ID: "x", Status: models.CallProcessing, StepNumber: 3},
		{ID: "y", Status: models.CallProcessing, StepNumber: 1},
		{ID: "z", Status: models.CallProcessing, StepNumber: 2},
	}
	if _, step := Aggregate(3, cs); step != 1 {
		t.Errorf("step = %d, want 1", step)
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	base := calls(models.CallCompleted, models.CallAwaitingApproval, models.CallProcessing, models.CallCompleted)
	wantStatus, wantStep := Aggregate(4, base)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]*models.ToolCall(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		status, step := Aggregate(4, shuffled)
		if status != wantStatus || step != wantStep {
			t.Fatalf("permutation %d: got (%s, %d), want (%s, %d)", i, status, step, wantStatus, wantStep)
		}
	}
}
