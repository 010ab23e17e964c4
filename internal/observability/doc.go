// Package observability provides metrics, structured logging and tracing for
// tool call tracking.
//
// # Metrics
//
// Metrics use the Prometheus client library and track tool executions by
// outcome, cache lookups per tier, status transitions and cleanup sweeps.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts API keys, bearer
// tokens, passwords and JWTs, and adds chat, tool call and pipeline ids found
// in the context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddToolCallID(ctx, callID)
//	logger.InfoContext(ctx, "tool call registered")
//
// # Tracing
//
// Tracing uses OpenTelemetry. Without a collector endpoint the tracer is a
// no-op, so callers never need to check whether tracing is enabled:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "toolflow",
//	    Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
// All Metrics and Tracer methods are safe to call on nil receivers.
package observability
