package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewTracerWithProvider(provider, "test-service"), recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name   string
		config TraceConfig
	}{
		{
			name: "with endpoint",
			config: TraceConfig{
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
				Endpoint:       "localhost:4317",
				EnableInsecure: true,
			},
		},
		{
			name:   "without endpoint (no-op)",
			config: TraceConfig{ServiceName: "test-service"},
		},
		{
			name: "with sampling",
			config: TraceConfig{
				ServiceName:  "test-service",
				SamplingRate: 0.5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, shutdown := NewTracer(tt.config)
			defer func() { _ = shutdown(context.Background()) }()

			if tracer == nil {
				t.Fatal("NewTracer() returned nil")
			}
			if tracer.tracer == nil {
				t.Error("tracer.tracer is nil")
			}
		})
	}
}

func TestTraceToolExecution(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.TraceToolExecution(context.Background(), "web_search", "call-1")
	tracer.SetAttributes(span, "tool.cache_hit", true)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != "tool.web_search" {
		t.Errorf("span name = %q", ended[0].Name())
	}
	if v, ok := spanAttr(ended[0], "tool.call_id"); !ok || v.AsString() != "call-1" {
		t.Errorf("tool.call_id = %v", v)
	}
	if v, ok := spanAttr(ended[0], "tool.cache_hit"); !ok || !v.AsBool() {
		t.Errorf("tool.cache_hit = %v", v)
	}
}

func TestTraceApprovalAndSweep(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.TraceApproval(context.Background(), "reject", "call-2")
	span.End()
	_, span = tracer.TraceSweep(context.Background())
	span.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	if ended[0].Name() != "approval.reject" || ended[1].Name() != "cleanup.sweep" {
		t.Errorf("span names = %q, %q", ended[0].Name(), ended[1].Name())
	}
}

func TestTracerRecordError(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "failing")
	tracer.RecordError(span, errors.New("boom"))
	tracer.RecordError(span, nil)
	span.End()

	got := recorder.Ended()[0]
	if got.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", got.Status().Code)
	}
	if len(got.Events()) != 1 {
		t.Errorf("expected 1 recorded error event, got %d", len(got.Events()))
	}
}

func TestNilTracer(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceToolExecution(context.Background(), "web_search", "call-1")
	tracer.SetAttributes(span, "k", "v")
	tracer.RecordError(span, errors.New("ignored"))
	span.End()
	if GetTraceID(ctx) != "" {
		t.Error("expected no trace id from nil tracer")
	}
}

func TestWithSpan(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	wantErr := errors.New("inner")
	var traceID, spanID string
	err := WithSpan(context.Background(), tracer, "wrapped", func(ctx context.Context, _ trace.Span) error {
		traceID = GetTraceID(ctx)
		spanID = GetSpanID(ctx)
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithSpan() error = %v, want %v", err, wantErr)
	}
	if traceID == "" || spanID == "" {
		t.Error("expected trace and span ids inside the span")
	}
	if got := recorder.Ended()[0].Status().Code; got != codes.Error {
		t.Errorf("status = %v, want error", got)
	}
}

func TestAttributeFromValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  attribute.Type
	}{
		{"string", "v", attribute.STRING},
		{"int", 42, attribute.INT64},
		{"int64", int64(7), attribute.INT64},
		{"float64", 3.14, attribute.FLOAT64},
		{"bool", true, attribute.BOOL},
		{"string slice", []string{"a"}, attribute.STRINGSLICE},
		{"other", struct{ Field string }{"x"}, attribute.STRING},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := attributeFromValue("k", tt.value).Value.Type(); got != tt.want {
				t.Errorf("type = %v, want %v", got, tt.want)
			}
		})
	}
}
