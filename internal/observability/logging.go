package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig selects the handler built by NewLogger. Zero values mean info
// level JSON on stdout.
type LogConfig struct {
	Level     string // debug, info, warn or error
	Format    string // json or text
	Output    io.Writer
	AddSource bool

	// RedactPatterns extend DefaultRedactPatterns.
	RedactPatterns []string
}

// ContextKey keys the ids NewLogger copies from a context onto each record.
type ContextKey string

const (
	ChatIDKey     ContextKey = "chat_id"
	ToolCallIDKey ContextKey = "tool_call_id"
	PipelineIDKey ContextKey = "pipeline_id"
)

var contextKeys = []ContextKey{ChatIDKey, ToolCallIDKey, PipelineIDKey}

const redacted = "[REDACTED]"

// DefaultRedactPatterns match secrets in log messages and string attributes.
// Tool args and results are logged as strings, so they are scrubbed too.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`sk-[a-zA-Z0-9_-]{32,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(secret|key|token)[\s:=]+["\']?([a-fA-F0-9]{32,})["\']?`,
}

// sensitiveKeys are attribute keys whose values are always replaced.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"private_key":   true,
	"auth":          true,
	"authorization": true,
}

// NewLogger builds a *slog.Logger that scrubs secrets and tags each record
// with the chat, tool call, pipeline and trace ids carried by its context.
// Patterns that fail to compile are skipped.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	slog.SetDefault(logger)
func NewLogger(config LogConfig) *slog.Logger {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: LogLevelFromString(config.Level), AddSource: config.AddSource}

	var base slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(config.Format, "text") {
		base = slog.NewTextHandler(out, opts)
	}

	patterns := append(append([]string(nil), DefaultRedactPatterns...), config.RedactPatterns...)
	h := &redactingHandler{next: base}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		h.redacts = append(h.redacts, re)
	}
	return slog.New(h)
}

// redactingHandler rewrites records before handing them to the real handler.
type redactingHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.redactString(r.Message), r.PC)
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			out.AddAttrs(slog.String(string(key), v))
		}
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		out.AddAttrs(slog.String("trace_id", traceID), slog.String("span_id", GetSpanID(ctx)))
	}
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.redactAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(scrubbed), redacts: h.redacts}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(strings.ReplaceAll(a.Key, "-", "_"))] {
		return slog.String(a.Key, redacted)
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(v.String()))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, ga := range group {
			out[i] = h.redactAttr(ga)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		switch val := v.Any().(type) {
		case error:
			return slog.String(a.Key, h.redactString(val.Error()))
		case []byte:
			return slog.String(a.Key, h.redactString(string(val)))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func (h *redactingHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllLiteralString(s, redacted)
	}
	return s
}

// AddChatID returns ctx tagged with chatID for log records.
func AddChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ChatIDKey, chatID)
}

// AddToolCallID returns ctx tagged with callID for log records.
func AddToolCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, callID)
}

// AddPipelineID returns ctx tagged with pipelineID for log records.
func AddPipelineID(ctx context.Context, pipelineID string) context.Context {
	return context.WithValue(ctx, PipelineIDKey, pipelineID)
}

// GetToolCallID returns the tool call id set by AddToolCallID, or "".
func GetToolCallID(ctx context.Context) string {
	id, _ := ctx.Value(ToolCallIDKey).(string)
	return id
}

// LogLevelFromString maps a config level to a slog.Level; unknown values
// mean info.
func LogLevelFromString(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
