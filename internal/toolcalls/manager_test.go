package toolcalls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/toolflow/internal/cache"
	"github.com/haasonsaas/toolflow/internal/storage"
	"github.com/haasonsaas/toolflow/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStore, *cache.MemoryCache) {
	t.Helper()
	store := storage.NewMemoryStore()
	c := cache.NewMemoryCache(cache.MemoryCacheOptions{})
	m, err := NewManager(Options{
		Store:  store,
		Cache:  c,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, store, c
}

func register(t *testing.T, m *Manager, spec CallSpec) *models.ToolCall {
	t.Helper()
	if spec.ChatID == "" {
		spec.ChatID = "chat-1"
	}
	if spec.ToolName == "" {
		spec.ToolName = "web_search"
	}
	reg, err := m.RegisterCall(context.Background(), spec)
	if err != nil {
		t.Fatalf("RegisterCall(%s) error = %v", spec.CallID, err)
	}
	return reg.Call
}

func TestNewManager_RequiresStore(t *testing.T) {
	if _, err := NewManager(Options{}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestRegisterCall_CreatesProcessing(t *testing.T) {
	m, store, _ := newTestManager(t)
	call := register(t, m, CallSpec{CallID: "call-1", Args: json.RawMessage(`{"q":"go"}`)})

	if call.Status != models.CallProcessing {
		t.Fatalf("status = %s, want PROCESSING", call.Status)
	}
	stored, err := store.GetCall(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	if stored.Status != models.CallProcessing {
		t.Fatalf("stored status = %s, want PROCESSING", stored.Status)
	}
}

func TestRegisterCall_Dedup(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.RegisterCall(ctx, CallSpec{ChatID: "c", ToolName: "t", CallID: "dup", Args: json.RawMessage(`{"a":1}`)})
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	second, err := m.RegisterCall(ctx, CallSpec{ChatID: "c", ToolName: "t", CallID: "dup", Args: json.RawMessage(`{"a":2}`)})
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if first.Deduped || !second.Deduped {
		t.Fatalf("Deduped flags = %v, %v", first.Deduped, second.Deduped)
	}
	if string(second.Call.Args) != `{"a":1}` {
		t.Fatalf("second registration changed args: %s", second.Call.Args)
	}

	all, _ := store.ListCalls(ctx, storage.CallFilter{})
	if len(all) != 1 {
		t.Fatalf("expected one stored call, got %d", len(all))
	}
}

func TestRegisterCall_ConcurrentDuplicates(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reg, err := m.RegisterCall(ctx, CallSpec{
				ChatID:   "c",
				ToolName: "t",
				CallID:   "same",
				Args:     json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
			})
			if err != nil {
				t.Errorf("RegisterCall() error = %v", err)
				return
			}
			if !reg.Deduped {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
	all, _ := store.ListCalls(ctx, storage.CallFilter{})
	if len(all) != 1 {
		t.Fatalf("expected one stored call, got %d", len(all))
	}
}

func TestRegisterCall_Validation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	p, err := m.CreatePipeline(ctx, PipelineSpec{ChatID: "c", Name: "p", TotalSteps: 2})
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	tests := []struct {
		name string
		spec CallSpec
		want error
	}{
		{"missing id", CallSpec{ToolName: "t"}, ErrInvalidCall},
		{"missing tool", CallSpec{CallID: "x"}, ErrInvalidCall},
		{"unknown pipeline", CallSpec{CallID: "a", ToolName: "t", PipelineID: "nope", StepNumber: 1}, ErrPipelineNotFound},
		{"step zero", CallSpec{CallID: "b", ToolName: "t", PipelineID: p.ID, StepNumber: 0}, ErrInvalidStep},
		{"step beyond total", CallSpec{CallID: "c", ToolName: "t", PipelineID: p.ID, StepNumber: 3}, ErrInvalidStep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.RegisterCall(ctx, tt.spec); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestTransition_IllegalEdge(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	register(t, m, CallSpec{CallID: "c1"})

	if _, err := m.Transition(ctx, "c1", models.CallCompleted, json.RawMessage(`"ok"`), ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, err := m.Transition(ctx, "c1", models.CallFailed, nil, "late")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != models.CallCompleted || te.To != models.CallFailed {
		t.Fatalf("unexpected transition error: %#v", err)
	}

	got, _ := m.StoredCall(ctx, "c1")
	if got.Status != models.CallCompleted || string(got.Result) != `"ok"` {
		t.Fatalf("illegal transition modified call: %+v", got)
	}
}

func TestTransition_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	call, err := m.Transition(context.Background(), "ghost", models.CallCompleted, nil, "")
	if call != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("Transition() = %v, %v; want nil, ErrNotFound", call, err)
	}
}

func TestTransition_RecordsResultAndError(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	register(t, m, CallSpec{CallID: "ok"})
	register(t, m, CallSpec{CallID: "bad"})

	done, err := m.Transition(ctx, "ok", models.CallCompleted, json.RawMessage(`{"v":1}`), "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if string(done.Result) != `{"v":1}` {
		t.Fatalf("result = %s", done.Result)
	}

	failed, err := m.Transition(ctx, "bad", models.CallFailed, nil, "boom")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Error != "boom" {
		t.Fatalf("error = %q", failed.Error)
	}
}

func TestRetry(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	register(t, m, CallSpec{CallID: "r"})

	if _, err := m.Retry(ctx, "r"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("retry of PROCESSING call: expected ErrIllegalTransition, got %v", err)
	}
	if _, err := m.Transition(ctx, "r", models.CallFailed, nil, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	retried, err := m.Retry(ctx, "r")
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retried.Status != models.CallProcessing || retried.RetryCount != 1 || retried.Error != "" {
		t.Fatalf("unexpected retried call: %+v", retried)
	}
	if retried.ApprovedAt != nil {
		t.Fatalf("approved_at = %v after retry", retried.ApprovedAt)
	}
	if _, err := m.Transition(ctx, "r", models.CallProcessing, nil, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected plain transition out of PROCESSING to PROCESSING to be illegal, got %v", err)
	}
}

func TestTransition_StampsApproval(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	call := register(t, m, CallSpec{CallID: "a", ToolName: "send_email"})
	if call.ApprovedAt != nil {
		t.Fatalf("fresh call approved_at = %v", call.ApprovedAt)
	}

	if _, err := m.Transition(ctx, "a", models.CallAwaitingApproval, nil, ""); err != nil {
		t.Fatalf("park: %v", err)
	}
	approved, err := m.Transition(ctx, "a", models.CallProcessing, nil, "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.ApprovedAt == nil {
		t.Fatal("expected approved_at after leaving AWAITING_APPROVAL")
	}
	stored, _ := m.StoredCall(ctx, "a")
	if stored.ApprovedAt == nil || !stored.ApprovedAt.Equal(*approved.ApprovedAt) {
		t.Fatalf("stored approved_at = %v", stored.ApprovedAt)
	}

	// Completing keeps the approval stamp.
	done, err := m.Transition(ctx, "a", models.CallCompleted, json.RawMessage(`{}`), "")
	if err != nil || done.ApprovedAt == nil {
		t.Fatalf("complete = %+v, %v", done, err)
	}
}

func newPipeline(t *testing.T, m *Manager, steps int) *models.ToolPipeline {
	t.Helper()
	p, err := m.CreatePipeline(context.Background(), PipelineSpec{ChatID: "chat-1", Name: "research", TotalSteps: steps})
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	if p.Status != models.PipelinePending || p.CurrentStep != 0 {
		t.Fatalf("new pipeline = %+v", p)
	}
	return p
}

func pipelineState(t *testing.T, m *Manager, id string) *models.ToolPipeline {
	t.Helper()
	p, err := m.repo.storedPipeline(context.Background(), id)
	if err != nil {
		t.Fatalf("pipeline %s: %v", id, err)
	}
	return p
}

func TestPipeline_OrderIndependentCompletion(t *testing.T) {
	orders := [][]int{{1, 2, 3}, {2, 1, 3}, {3, 2, 1}}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			m, _, _ := newTestManager(t)
			ctx := context.Background()
			p := newPipeline(t, m, 3)

			for step := 1; step <= 3; step++ {
				register(t, m, CallSpec{CallID: fmt.Sprintf("s%d", step), PipelineID: p.ID, StepNumber: step})
			}
			for i, step := range order {
				if _, err := m.Transition(ctx, fmt.Sprintf("s%d", step), models.CallCompleted, json.RawMessage(`1`), ""); err != nil {
					t.Fatalf("complete step %d: %v", step, err)
				}
				got := pipelineState(t, m, p.ID)
				if i < 2 && got.Status == models.PipelineCompleted {
					t.Fatalf("pipeline completed after %d of 3 steps", i+1)
				}
			}
			got := pipelineState(t, m, p.ID)
			if got.Status != models.PipelineCompleted || got.CurrentStep != 3 {
				t.Fatalf("final pipeline = %s step %d", got.Status, got.CurrentStep)
			}
		})
	}
}

func TestPipeline_NotCompletedBeforeAllStepsExist(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	p := newPipeline(t, m, 3)

	register(t, m, CallSpec{CallID: "s2", PipelineID: p.ID, StepNumber: 2})
	register(t, m, CallSpec{CallID: "s1", PipelineID: p.ID, StepNumber: 1})
	for _, id := range []string{"s2", "s1"} {
		if _, err := m.Transition(ctx, id, models.CallCompleted, nil, ""); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
	if got := pipelineState(t, m, p.ID); got.Status == models.PipelineCompleted {
		t.Fatal("pipeline completed with a step still unregistered")
	}

	// A second call on step 1 brings the count to totalSteps but step 3 is
	// still missing.
	register(t, m, CallSpec{CallID: "s1b", PipelineID: p.ID, StepNumber: 1})
	if _, err := m.Transition(ctx, "s1b", models.CallCompleted, nil, ""); err != nil {
		t.Fatalf("complete s1b: %v", err)
	}
	if got := pipelineState(t, m, p.ID); got.Status == models.PipelineCompleted {
		t.Fatalf("pipeline completed without step 3: %+v", got)
	}

	register(t, m, CallSpec{CallID: "s3", PipelineID: p.ID, StepNumber: 3})
	if _, err := m.Transition(ctx, "s3", models.CallCompleted, nil, ""); err != nil {
		t.Fatalf("complete s3: %v", err)
	}
	if got := pipelineState(t, m, p.ID); got.Status != models.PipelineCompleted || got.CurrentStep != 3 {
		t.Fatalf("pipeline = %s at step %d, want COMPLETED at 3", got.Status, got.CurrentStep)
	}
}

func TestPipeline_FailFast(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	p := newPipeline(t, m, 3)

	for step := 1; step <= 3; step++ {
		register(t, m, CallSpec{CallID: fmt.Sprintf("s%d", step), PipelineID: p.ID, StepNumber: step})
	}
	if _, err := m.Transition(ctx, "s2", models.CallFailed, nil, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got := pipelineState(t, m, p.ID); got.Status != models.PipelineFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}

	for _, id := range []string{"s1", "s3"} {
		if _, err := m.Transition(ctx, id, models.CallCompleted, nil, ""); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
	if got := pipelineState(t, m, p.ID); got.Status != models.PipelineFailed {
		t.Fatalf("status after later completions = %s, want FAILED", got.Status)
	}
}

func TestPipeline_CurrentStepNeverRegresses(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	p := newPipeline(t, m, 3)

	register(t, m, CallSpec{CallID: "s3", PipelineID: p.ID, StepNumber: 3})
	if got := pipelineState(t, m, p.ID); got.Status != models.PipelineProcessing || got.CurrentStep != 3 {
		t.Fatalf("after step 3 start: %s step %d", got.Status, got.CurrentStep)
	}

	register(t, m, CallSpec{CallID: "s1", PipelineID: p.ID, StepNumber: 1})
	if got := pipelineState(t, m, p.ID); got.CurrentStep != 3 {
		t.Fatalf("current step regressed to %d", got.CurrentStep)
	}

	if _, err := m.Transition(ctx, "s1", models.CallAwaitingApproval, nil, ""); err != nil {
		t.Fatalf("await: %v", err)
	}
	got := pipelineState(t, m, p.ID)
	if got.Status != models.PipelineAwaitingApproval || got.CurrentStep != 3 {
		t.Fatalf("after approval wait: %s step %d", got.Status, got.CurrentStep)
	}
}

func TestPipeline_ConcurrentTransitions(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	const steps = 10
	p := newPipeline(t, m, steps)
	for step := 1; step <= steps; step++ {
		register(t, m, CallSpec{CallID: fmt.Sprintf("s%d", step), PipelineID: p.ID, StepNumber: step})
	}

	var wg sync.WaitGroup
	for step := 1; step <= steps; step++ {
		wg.Add(1)
		go func(step int) {
			defer wg.Done()
			if _, err := m.Transition(ctx, fmt.Sprintf("s%d", step), models.CallCompleted, nil, ""); err != nil {
				t.Errorf("complete %d: %v", step, err)
			}
		}(step)
	}
	wg.Wait()

	got := pipelineState(t, m, p.ID)
	if got.Status != models.PipelineCompleted || got.CurrentStep != steps {
		t.Fatalf("pipeline = %s step %d", got.Status, got.CurrentStep)
	}
}

func TestAccessors(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	p := newPipeline(t, m, 2)
	register(t, m, CallSpec{CallID: "a", PipelineID: p.ID, StepNumber: 2})
	register(t, m, CallSpec{CallID: "b", PipelineID: p.ID, StepNumber: 1})
	register(t, m, CallSpec{CallID: "other", ChatID: "chat-2"})

	byPipeline, err := m.CallsByPipeline(ctx, p.ID)
	if err != nil || len(byPipeline) != 2 || byPipeline[0].ID != "b" {
		t.Fatalf("CallsByPipeline() = %v, %v", byPipeline, err)
	}
	byChat, err := m.CallsByChat(ctx, "chat-1")
	if err != nil || len(byChat) != 2 {
		t.Fatalf("CallsByChat() = %v, %v", byChat, err)
	}
	pipelines, err := m.PipelinesByChat(ctx, "chat-1")
	if err != nil || len(pipelines) != 1 {
		t.Fatalf("PipelinesByChat() = %v, %v", pipelines, err)
	}
	if _, err := m.Pipeline(ctx, "missing"); !errors.Is(err, ErrPipelineNotFound) {
		t.Fatalf("expected ErrPipelineNotFound, got %v", err)
	}
	if _, err := m.Call(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_WritesStoreThenCache(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()
	register(t, m, CallSpec{CallID: "cached"})

	cached, ok, err := cache.GetJSON[*models.ToolCall](ctx, c, cache.CallKey("cached"))
	if err != nil || !ok {
		t.Fatalf("expected cached record, ok=%v err=%v", ok, err)
	}
	if cached.Status != models.CallProcessing {
		t.Fatalf("cached status = %s, want PROCESSING", cached.Status)
	}
}

type failingStore struct {
	storage.Store
	err error
}

func (s *failingStore) GetCall(ctx context.Context, id string) (*models.ToolCall, error) {
	return nil, s.err
}

func TestPersistenceErrors(t *testing.T) {
	store := &failingStore{Store: storage.NewMemoryStore(), err: errors.New("disk on fire")}
	m, err := NewManager(Options{Store: store, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	_, err = m.RegisterCall(context.Background(), CallSpec{CallID: "x", ToolName: "t"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "get call" {
		t.Fatalf("unexpected persistence error: %#v", err)
	}
}

func TestCreatePipeline(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.newID = func() string { return "fixed-id" }
	m.now = func() time.Time { return time.Unix(100, 0) }

	p, err := m.CreatePipeline(context.Background(), PipelineSpec{ChatID: "c", Name: "n", TotalSteps: 2, Metadata: json.RawMessage(`{"k":"v"}`)})
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	if p.ID != "fixed-id" || !p.CreatedAt.Equal(time.Unix(100, 0)) {
		t.Fatalf("unexpected pipeline: %+v", p)
	}
	if _, err := m.CreatePipeline(context.Background(), PipelineSpec{TotalSteps: -1}); !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep, got %v", err)
	}
}
