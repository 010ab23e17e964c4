package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/toolflow/internal/storage"
	"github.com/haasonsaas/toolflow/internal/toolcalls"
	"github.com/haasonsaas/toolflow/pkg/models"
)

// newAPIHandler exposes read access to calls and pipelines, the approval
// decisions, the event stream and the Prometheus metrics.
func newAPIHandler(a *app) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", handleHealthz)

	mux.HandleFunc("GET /v1/calls", func(w http.ResponseWriter, r *http.Request) {
		filter, err := callFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		calls, err := a.manager.ListCalls(r.Context(), filter)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
	})
	mux.HandleFunc("GET /v1/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		call, err := a.manager.Call(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	})
	mux.HandleFunc("POST /v1/calls/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		call, err := a.gate.Approve(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	})
	mux.HandleFunc("POST /v1/calls/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		call, err := a.gate.Reject(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	})
	mux.HandleFunc("GET /v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		calls, err := a.gate.Pending(r.Context(), r.URL.Query().Get("chat_id"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
	})

	// Lifecycle notifications over a websocket. Filters: chat_id, type.
	mux.Handle("GET /v1/events", a.events)

	mux.HandleFunc("GET /v1/pipelines", func(w http.ResponseWriter, r *http.Request) {
		filter := storage.PipelineFilter{ChatID: r.URL.Query().Get("chat_id")}
		for _, s := range splitList(r.URL.Query().Get("status")) {
			filter.Statuses = append(filter.Statuses, models.PipelineStatus(s))
		}
		pipelines, err := a.manager.ListPipelines(r.Context(), filter)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pipelines": pipelines})
	})
	mux.HandleFunc("GET /v1/pipelines/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		pipeline, err := a.manager.Pipeline(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		calls, err := a.manager.CallsByPipeline(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pipeline": pipeline, "calls": calls})
	})

	return mux
}

func callFilterFromQuery(r *http.Request) (storage.CallFilter, error) {
	q := r.URL.Query()
	filter := storage.CallFilter{
		ChatID:     q.Get("chat_id"),
		PipelineID: q.Get("pipeline_id"),
	}
	for _, s := range splitList(q.Get("status")) {
		status := models.CallStatus(s)
		if !status.Valid() {
			return filter, errors.New("unknown status " + s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, toolcalls.ErrNotFound), errors.Is(err, toolcalls.ErrPipelineNotFound):
		return http.StatusNotFound
	case errors.Is(err, toolcalls.ErrNotApplicable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Best-effort: the client may have disconnected.
	_ = json.NewEncoder(w).Encode(payload)
}
