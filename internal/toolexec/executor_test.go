package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/toolflow/internal/approval"
	"github.com/haasonsaas/toolflow/internal/cache"
	"github.com/haasonsaas/toolflow/internal/catalog"
	"github.com/haasonsaas/toolflow/internal/observability"
	"github.com/haasonsaas/toolflow/internal/storage"
	"github.com/haasonsaas/toolflow/internal/toolcalls"
	"github.com/haasonsaas/toolflow/pkg/models"
)

type harness struct {
	exec    *Executor
	manager *toolcalls.Manager
	cache   *cache.MemoryCache
	metrics *observability.Metrics

	mu     sync.Mutex
	events []*models.RuntimeEvent
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := cache.NewMemoryCache(cache.MemoryCacheOptions{})
	manager, err := toolcalls.NewManager(toolcalls.Options{
		Store:  storage.NewMemoryStore(),
		Cache:  c,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	h := &harness{manager: manager, cache: c, metrics: observability.NewMetrics(prometheus.NewRegistry())}
	opts := Options{
		Manager:       manager,
		Cache:         c,
		ApprovalTools: []string{"send_email"},
		Metrics:       h.metrics,
		Logger:        logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.exec, err = NewExecutor(opts)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	h.exec.Subscribe(func(e *models.RuntimeEvent) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) eventTypes() []models.RuntimeEventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]models.RuntimeEventType, len(h.events))
	for i, e := range h.events {
		types[i] = e.Type
	}
	return types
}

func (h *harness) countEvents(typ models.RuntimeEventType) int {
	n := 0
	for _, got := range h.eventTypes() {
		if got == typ {
			n++
		}
	}
	return n
}

func countingTool(calls *atomic.Int32, result string) Func {
	return func(ctx context.Context, args json.RawMessage, inv Invocation) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(result), nil
	}
}

func inv(callID string) Invocation {
	return Invocation{ChatID: "chat-1", MessageID: "msg-1", ToolCallID: callID}
}

func TestNewExecutor_RequiresManager(t *testing.T) {
	if _, err := NewExecutor(Options{}); err == nil {
		t.Fatal("expected error without manager")
	}
}

func TestExecute_CompletesAndServesFromCache(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	tool := h.exec.Wrap("web_search", countingTool(&calls, `{"hits":3}`))
	ctx := context.Background()
	args := json.RawMessage(`{"q":"golang"}`)

	out, err := tool.Execute(ctx, args, inv("call-1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(out.Result) != `{"hits":3}` || out.CacheHit {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Call == nil || out.Call.Status != models.CallCompleted {
		t.Fatalf("call = %+v", out.Call)
	}

	key, _ := cache.ContentKey("call-1", json.RawMessage(`{ "q" : "golang" }`))
	if _, ok, _ := h.cache.Get(ctx, key); !ok {
		t.Fatal("expected content key to be populated after completion")
	}

	out, err = tool.Execute(ctx, json.RawMessage(`{ "q" : "golang" }`), inv("call-1"))
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if !out.CacheHit || out.Call != nil || string(out.Result) != `{"hits":3}` {
		t.Fatalf("second outcome = %+v", out)
	}
	if calls.Load() != 1 {
		t.Fatalf("tool invoked %d times, want 1", calls.Load())
	}

	want := []models.RuntimeEventType{models.EventToolStarted, models.EventToolFinished, models.EventCallCompleted}
	if got := h.eventTypes(); len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestExecute_ApprovalSuspendsWithoutInvoking(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	tool := h.exec.Wrap("send_email", countingTool(&calls, `{"sent":true}`))
	ctx := context.Background()

	out, err := tool.Execute(ctx, json.RawMessage(`{"to":"a@example.com"}`), inv("call-1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !out.AwaitingApproval || out.Result != nil {
		t.Fatalf("outcome = %+v, want awaiting approval", out)
	}
	if calls.Load() != 0 {
		t.Fatal("tool must not run before approval")
	}
	stored, err := h.manager.StoredCall(ctx, "call-1")
	if err != nil || stored.Status != models.CallAwaitingApproval {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
	if h.countEvents(models.EventToolAwaitingApproval) != 1 {
		t.Fatalf("events = %v", h.eventTypes())
	}

	// Executing again while parked returns the same answer.
	out, err = tool.Execute(ctx, json.RawMessage(`{"to":"a@example.com"}`), inv("call-1"))
	if err != nil || !out.AwaitingApproval {
		t.Fatalf("repeat outcome = %+v, %v", out, err)
	}

	gate := approval.NewGate(h.manager, approval.Options{})
	if _, err := gate.Approve(ctx, "call-1"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	out, err = h.exec.Resume(ctx, "call-1")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if string(out.Result) != `{"sent":true}` || out.Call.Status != models.CallCompleted {
		t.Fatalf("resumed outcome = %+v", out)
	}
	if calls.Load() != 1 {
		t.Fatalf("tool invoked %d times, want 1", calls.Load())
	}
}

func TestExecute_RejectedNeverRuns(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	tool := h.exec.Wrap("send_email", countingTool(&calls, `{}`))
	ctx := context.Background()
	args := json.RawMessage(`{"to":"b@example.com"}`)

	if _, err := tool.Execute(ctx, args, inv("call-1")); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	gate := approval.NewGate(h.manager, approval.Options{})
	if _, err := gate.Reject(ctx, "call-1"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	out, err := tool.Execute(ctx, args, inv("call-1"))
	if !IsToolError(err, ToolErrorRejected) {
		t.Fatalf("Execute() error = %v, want rejected", err)
	}
	if out.Call == nil || out.Call.Status != models.CallRejected {
		t.Fatalf("call = %+v", out.Call)
	}
	if calls.Load() != 0 {
		t.Fatal("rejected tool must never run")
	}
}

func TestExecute_TimeoutRecordsFailure(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	tool := h.exec.Wrap("slow_tool", func(ctx context.Context, args json.RawMessage, inv Invocation) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`"late"`), nil
	}).WithTimeout(50 * time.Millisecond)
	ctx := context.Background()
	args := json.RawMessage(`{"n":1}`)

	start := time.Now()
	_, err := tool.Execute(ctx, args, inv("call-1"))
	if !errors.Is(err, ErrToolTimeout) || !IsToolError(err, ToolErrorTimeout) {
		t.Fatalf("Execute() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("Execute() took %v, timeout not enforced", elapsed)
	}

	stored, err := h.manager.StoredCall(ctx, "call-1")
	if err != nil {
		t.Fatalf("StoredCall() error = %v", err)
	}
	if stored.Status != models.CallFailed || !strings.Contains(stored.Error, "timed out") {
		t.Fatalf("stored = %+v", stored)
	}
	key, _ := cache.ContentKey("call-1", args)
	if _, ok, _ := h.cache.Get(ctx, key); ok {
		t.Fatal("content key must stay empty after a timeout")
	}
	if h.countEvents(models.EventToolTimeout) != 1 {
		t.Fatalf("events = %v", h.eventTypes())
	}
	if got := testutil.ToFloat64(h.metrics.ToolExecutionCounter.WithLabelValues("slow_tool", "timeout")); got != 1 {
		t.Fatalf("timeout counter = %v", got)
	}
}

func TestExecute_ReusesResultAcrossCallIDs(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	tool := h.exec.Wrap("web_search", countingTool(&calls, `{"hits":1}`))
	ctx := context.Background()

	if _, err := tool.Execute(ctx, json.RawMessage(`{"q":"x","n":1}`), inv("call-1")); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	out, err := tool.Execute(ctx, json.RawMessage(`{"n":1,"q":"x"}`), inv("call-2"))
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if !out.CacheHit || string(out.Result) != `{"hits":1}` {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Call == nil || out.Call.ID != "call-2" || out.Call.Status != models.CallCompleted {
		t.Fatalf("call = %+v", out.Call)
	}
	if calls.Load() != 1 {
		t.Fatalf("tool invoked %d times, want 1", calls.Load())
	}

	// A different chat does not share results.
	other := inv("call-3")
	other.ChatID = "chat-2"
	if _, err := tool.Execute(ctx, json.RawMessage(`{"q":"x","n":1}`), other); err != nil {
		t.Fatalf("third Execute() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("tool invoked %d times, want 2", calls.Load())
	}
}

func TestExecute_FailureAndForcedRetry(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	tool := h.exec.Wrap("flaky", func(ctx context.Context, args json.RawMessage, inv Invocation) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("upstream unavailable")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	ctx := context.Background()
	args := json.RawMessage(`{}`)

	out, err := tool.Execute(ctx, args, inv("call-1"))
	if !IsToolError(err, ToolErrorExecution) {
		t.Fatalf("Execute() error = %v, want execution error", err)
	}
	if out.Call == nil || out.Call.Status != models.CallFailed || out.Call.Error != "upstream unavailable" {
		t.Fatalf("call = %+v", out.Call)
	}

	// Without ForceRetry the recorded failure is returned as is.
	if _, err := tool.Execute(ctx, args, inv("call-1")); !IsToolError(err, ToolErrorExecution) {
		t.Fatalf("repeat Execute() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("tool invoked %d times, want 1", calls.Load())
	}

	retry := inv("call-1")
	retry.ForceRetry = true
	out, err = tool.Execute(ctx, args, retry)
	if err != nil {
		t.Fatalf("retry Execute() error = %v", err)
	}
	if out.Call.Status != models.CallCompleted || out.Call.RetryCount != 1 {
		t.Fatalf("call after retry = %+v", out.Call)
	}
	if h.countEvents(models.EventToolFailed) != 1 {
		t.Fatalf("events = %v", h.eventTypes())
	}
}

func TestExecute_PanicRecovered(t *testing.T) {
	h := newHarness(t, nil)
	tool := h.exec.Wrap("boom", func(ctx context.Context, args json.RawMessage, inv Invocation) (json.RawMessage, error) {
		panic("nil map write")
	})

	out, err := tool.Execute(context.Background(), json.RawMessage(`{}`), inv("call-1"))
	if !IsToolError(err, ToolErrorPanic) || !errors.Is(err, ErrToolPanic) {
		t.Fatalf("Execute() error = %v, want panic error", err)
	}
	if out.Call == nil || out.Call.Status != models.CallFailed || !strings.Contains(out.Call.Error, "nil map write") {
		t.Fatalf("call = %+v", out.Call)
	}
}

func TestExecute_InvalidResultJSON(t *testing.T) {
	h := newHarness(t, nil)
	tool := h.exec.Wrap("bad", func(ctx context.Context, args json.RawMessage, inv Invocation) (json.RawMessage, error) {
		return json.RawMessage(`{not json`), nil
	})
	if _, err := tool.Execute(context.Background(), nil, inv("call-1")); !IsToolError(err, ToolErrorExecution) {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestExecute_SchemaValidation(t *testing.T) {
	cat, err := catalog.New([]catalog.Entry{{
		Name:   "web_search",
		Schema: `{"type":"object","required":["q"],"properties":{"q":{"type":"string"}}}`,
	}}, catalog.Options{})
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}
	h := newHarness(t, func(o *Options) { o.Catalog = cat })
	var calls atomic.Int32
	tool := h.exec.Wrap("web_search", countingTool(&calls, `[]`))

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"q":7}`), inv("call-1"))
	if !IsToolError(err, ToolErrorInvalidInput) || !errors.Is(err, catalog.ErrInvalidArgs) {
		t.Fatalf("Execute() error = %v, want invalid input", err)
	}
	if out.Call == nil || out.Call.Status != models.CallFailed {
		t.Fatalf("call = %+v", out.Call)
	}
	if calls.Load() != 0 {
		t.Fatal("tool must not run with invalid args")
	}
}

func TestExecute_CatalogApprovalAndTimeout(t *testing.T) {
	cat, err := catalog.New([]catalog.Entry{
		{Name: "wire_money", RequiresApproval: true},
		{Name: "web_search", Timeout: 5 * time.Second},
	}, catalog.Options{})
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}
	h := newHarness(t, func(o *Options) { o.Catalog = cat })

	if got := h.exec.Wrap("web_search", countingTool(new(atomic.Int32), `1`)).Timeout(); got != 5*time.Second {
		t.Fatalf("timeout = %v, want 5s", got)
	}
	out, err := h.exec.Wrap("wire_money", countingTool(new(atomic.Int32), `1`)).
		Execute(context.Background(), json.RawMessage(`{}`), inv("call-1"))
	if err != nil || !out.AwaitingApproval {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
}

func TestExecute_PipelineCompletedEvent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p, err := h.manager.CreatePipeline(ctx, toolcalls.PipelineSpec{ChatID: "chat-1", Name: "research", TotalSteps: 2})
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	tool := h.exec.Wrap("step", countingTool(new(atomic.Int32), `"done"`))

	for step := 1; step <= 2; step++ {
		call := inv("call-" + string(rune('0'+step)))
		call.PipelineID = p.ID
		call.StepNumber = step
		if _, err := tool.Execute(ctx, json.RawMessage(`{"step":`+string(rune('0'+step))+`}`), call); err != nil {
			t.Fatalf("Execute(step %d) error = %v", step, err)
		}
		wantEvents := 0
		if step == 2 {
			wantEvents = 1
		}
		if got := h.countEvents(models.EventPipelineCompleted); got != wantEvents {
			t.Fatalf("after step %d pipeline_completed events = %d, want %d", step, got, wantEvents)
		}
	}
	if h.countEvents(models.EventCallCompleted) != 0 {
		t.Fatal("pipeline steps must not emit call_completed")
	}
	got, err := h.manager.Pipeline(ctx, p.ID)
	if err != nil || got.Status != models.PipelineCompleted {
		t.Fatalf("pipeline = %+v, %v", got, err)
	}
}

func TestExecute_ConcurrentSameCallRunsOnce(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	tool := h.exec.Wrap("web_search", func(ctx context.Context, args json.RawMessage, inv Invocation) (json.RawMessage, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return json.RawMessage(`"ok"`), nil
	})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := tool.Execute(context.Background(), json.RawMessage(`{"q":"same"}`), inv("call-1"))
			if err == nil && string(out.Result) != `"ok"` {
				err = errors.New("unexpected result " + string(out.Result))
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("tool invoked %d times, want 1", calls.Load())
	}
}

func TestExecute_InvalidInvocation(t *testing.T) {
	h := newHarness(t, nil)
	tool := h.exec.Wrap("web_search", countingTool(new(atomic.Int32), `1`))

	if _, err := tool.Execute(context.Background(), nil, Invocation{ChatID: "chat-1"}); !IsToolError(err, ToolErrorInvalidInput) {
		t.Fatalf("missing call id error = %v", err)
	}
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{bad`), inv("call-1")); !IsToolError(err, ToolErrorInvalidInput) {
		t.Fatalf("bad args error = %v", err)
	}
}

func TestExecute_StatsCallback(t *testing.T) {
	var (
		mu    sync.Mutex
		stats []ExecutionStats
	)
	h := newHarness(t, func(o *Options) {
		o.OnComplete = func(s ExecutionStats) {
			mu.Lock()
			stats = append(stats, s)
			mu.Unlock()
		}
	})
	tool := h.exec.Wrap("web_search", countingTool(new(atomic.Int32), `1`))
	ctx := context.Background()

	_, _ = tool.Execute(ctx, json.RawMessage(`{}`), inv("call-1"))
	_, _ = tool.Execute(ctx, json.RawMessage(`{}`), inv("call-1"))

	mu.Lock()
	defer mu.Unlock()
	if len(stats) != 2 {
		t.Fatalf("got %d stats callbacks, want 2", len(stats))
	}
	last := stats[1]
	if !last.CacheHit || last.Successes != 2 || last.Failures != 0 || last.SuccessRate != 1 {
		t.Fatalf("last stats = %+v", last)
	}
	if last.Hits != 1 || last.Misses != 1 {
		t.Fatalf("hits/misses = %d/%d, want 1/1", last.Hits, last.Misses)
	}
	if h.exec.Stats().Successes != 2 {
		t.Fatalf("Stats() = %+v", h.exec.Stats())
	}
}

func TestExecute_StatsIgnoreSuspensions(t *testing.T) {
	h := newHarness(t, nil)
	tool := h.exec.Wrap("send_email", countingTool(new(atomic.Int32), `{}`))

	out, err := tool.Execute(context.Background(), json.RawMessage(`{}`), inv("call-1"))
	if err != nil || !out.AwaitingApproval {
		t.Fatalf("Execute() = %+v, %v", out, err)
	}
	got := h.exec.Stats()
	if got.Successes != 0 || got.Failures != 0 || got.SuccessRate != 0 {
		t.Fatalf("Stats() = %+v, want no outcome for a parked call", got)
	}
	if got.Misses != 1 || got.Hits != 0 {
		t.Fatalf("hits/misses = %d/%d, want 0/1", got.Hits, got.Misses)
	}
}

func TestExecute_ProcessingDuplicateNeedsRecordedApproval(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	tool := h.exec.Wrap("send_email", countingTool(&calls, `{"sent":true}`))
	ctx := context.Background()
	args := json.RawMessage(`{"to":"c@example.com"}`)

	// Registered elsewhere and left PROCESSING before it could be parked.
	reg, err := h.manager.RegisterCall(ctx, toolcalls.CallSpec{
		ChatID:   "chat-1",
		ToolName: "send_email",
		CallID:   "call-1",
		Args:     args,
	})
	if err != nil {
		t.Fatalf("RegisterCall() error = %v", err)
	}
	if reg.Call.Status != models.CallProcessing || reg.Call.ApprovedAt != nil {
		t.Fatalf("registered = %+v", reg.Call)
	}

	out, err := tool.Execute(ctx, args, inv("call-1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !out.AwaitingApproval || calls.Load() != 0 {
		t.Fatalf("outcome = %+v, invoked %d times; want parked without running", out, calls.Load())
	}
	stored, _ := h.manager.StoredCall(ctx, "call-1")
	if stored.Status != models.CallAwaitingApproval {
		t.Fatalf("status = %s, want AWAITING_APPROVAL", stored.Status)
	}

	approved, err := approval.NewGate(h.manager, approval.Options{}).Approve(ctx, "call-1")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if approved.ApprovedAt == nil {
		t.Fatal("approval was not recorded on the call")
	}

	out, err = tool.Execute(ctx, args, inv("call-1"))
	if err != nil {
		t.Fatalf("Execute() after approval error = %v", err)
	}
	if out.Call.Status != models.CallCompleted || calls.Load() != 1 {
		t.Fatalf("outcome = %+v, invoked %d times", out, calls.Load())
	}
}

func TestExecute_RetryNeedsNewApproval(t *testing.T) {
	h := newHarness(t, nil)
	var fail atomic.Bool
	fail.Store(true)
	tool := h.exec.Wrap("send_email", func(ctx context.Context, args json.RawMessage, inv Invocation) (json.RawMessage, error) {
		if fail.Load() {
			return nil, errors.New("smtp unavailable")
		}
		return json.RawMessage(`{"sent":true}`), nil
	})
	ctx := context.Background()
	args := json.RawMessage(`{"to":"d@example.com"}`)
	gate := approval.NewGate(h.manager, approval.Options{})

	if _, err := tool.Execute(ctx, args, inv("call-1")); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := gate.Approve(ctx, "call-1"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if _, err := h.exec.Resume(ctx, "call-1"); !IsToolError(err, ToolErrorExecution) {
		t.Fatalf("Resume() error = %v, want execution failure", err)
	}

	fail.Store(false)
	retry := inv("call-1")
	retry.ForceRetry = true
	out, err := tool.Execute(ctx, args, retry)
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if !out.AwaitingApproval || out.Call.ApprovedAt != nil {
		t.Fatalf("retry outcome = %+v, want parked with no approval", out)
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	h := newHarness(t, nil)
	var seen atomic.Int32
	unsubscribe := h.exec.Subscribe(func(*models.RuntimeEvent) { seen.Add(1) })
	tool := h.exec.Wrap("web_search", countingTool(new(atomic.Int32), `1`))

	_, _ = tool.Execute(context.Background(), json.RawMessage(`{"a":1}`), inv("call-1"))
	before := seen.Load()
	if before == 0 {
		t.Fatal("expected observer to receive events")
	}
	unsubscribe()
	_, _ = tool.Execute(context.Background(), json.RawMessage(`{"a":2}`), inv("call-2"))
	if seen.Load() != before {
		t.Fatal("observer called after unsubscribe")
	}
}

func TestResume_UnknownTool(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.manager.RegisterCall(ctx, toolcalls.CallSpec{ChatID: "chat-1", ToolName: "ghost", CallID: "call-1"}); err != nil {
		t.Fatalf("RegisterCall() error = %v", err)
	}
	if _, err := h.exec.Resume(ctx, "call-1"); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("Resume() error = %v, want ErrToolNotFound", err)
	}
	if _, err := h.exec.Resume(ctx, "missing"); !errors.Is(err, toolcalls.ErrNotFound) {
		t.Fatalf("Resume(missing) error = %v", err)
	}
}

func TestToolErrorType_IsRetryable(t *testing.T) {
	tests := []struct {
		typ  ToolErrorType
		want bool
	}{
		{ToolErrorTimeout, true},
		{ToolErrorExecution, true},
		{ToolErrorPanic, false},
		{ToolErrorInvalidInput, false},
		{ToolErrorRejected, false},
	}
	for _, tt := range tests {
		if got := tt.typ.IsRetryable(); got != tt.want {
			t.Errorf("%s.IsRetryable() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestToolError_Error(t *testing.T) {
	err := &ToolError{Type: ToolErrorTimeout, ToolName: "web_search", ToolCallID: "call-1", Message: "tool execution timed out after 50ms", Cause: ErrToolTimeout}
	if got := err.Error(); got != "web_search(call-1) timeout: tool execution timed out after 50ms" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(err, ErrToolTimeout) {
		t.Fatal("expected errors.Is to match the cause")
	}
	bare := &ToolError{Type: ToolErrorPanic}
	if got := bare.Error(); got != "panic: panic" {
		t.Fatalf("Error() = %q", got)
	}
}
