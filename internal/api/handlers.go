// Package api exposes the engine over HTTP. Handlers stay thin:
// decode, delegate to the narrow interfaces below, encode. Nothing in
// here knows how routing or stage execution works.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/diorama-ai/diorama/internal/pipeline"
	"github.com/diorama-ai/diorama/internal/scene"
	"github.com/diorama-ai/diorama/internal/worker"
)

// SceneRunner is the slice of the orchestrator the handlers need.
type SceneRunner interface {
	Run(ctx context.Context, req any) (*pipeline.RunState, error)
	Stream(ctx context.Context, req any) (<-chan pipeline.Update, <-chan pipeline.StreamResult)
}

// JobService is the slice of the worker pool the handlers need.
type JobService interface {
	Submit(ctx context.Context, req *scene.Request) (*worker.Job, error)
	Job(ctx context.Context, id string) (*worker.Job, error)
}

// HealthChecker reports per-backend reachability.
type HealthChecker interface {
	Health(ctx context.Context) map[string]bool
}

type Handler struct {
	runner SceneRunner
	jobs   JobService
	health HealthChecker
	tracer trace.Tracer
}

func NewHandler(runner SceneRunner, jobs JobService, health HealthChecker, tracer trace.Tracer) *Handler {
	return &Handler{
		runner: runner,
		jobs:   jobs,
		health: health,
		tracer: tracer,
	}
}

// Register mounts every route on the given router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Post("/v1/scenes", h.HandleCreateScene)
	r.Post("/v1/scenes/stream", h.HandleStreamScene)
	r.Post("/v1/jobs", h.HandleSubmitJob)
	r.Get("/v1/jobs/{id}", h.HandleGetJob)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	backends := h.health.Health(r.Context())
	status := "ok"
	for _, up := range backends {
		if !up {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"service":  "diorama",
		"backends": backends,
	})
}

func (h *Handler) HandleCreateScene(w http.ResponseWriter, r *http.Request) {
	var req scene.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "api.scene")
	defer span.End()

	state, err := h.runner.Run(ctx, &req)
	if state == nil {
		writeError(w, http.StatusBadGateway, "scene run produced no state")
		return
	}
	span.SetAttributes(
		attribute.String("run_id", state.RunID),
		attribute.String("status", string(state.Status)),
	)

	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"run_id":  state.RunID,
			"status":  state.Status,
			"error":   err.Error(),
			"history": state.History,
		})
		return
	}
	if state.Status == pipeline.StatusRejected {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"run_id": state.RunID,
			"status": state.Status,
			"reason": state.RejectReason,
		})
		return
	}

	sc, err := scene.Assemble(state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  state.RunID,
		"status":  state.Status,
		"scene":   sc,
		"history": state.History,
	})
}

func (h *Handler) HandleStreamScene(w http.ResponseWriter, r *http.Request) {
	var req scene.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, done := h.runner.Stream(r.Context(), &req)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for u := range updates {
		writeSSE(w, "stage", u.Result)
		flusher.Flush()
	}

	final := <-done
	if final.Err != nil {
		body := map[string]any{"error": final.Err.Error()}
		if final.State != nil {
			body["run_id"] = final.State.RunID
			body["status"] = final.State.Status
		}
		writeSSE(w, "error", body)
		flusher.Flush()
		return
	}

	body := map[string]any{
		"run_id": final.State.RunID,
		"status": final.State.Status,
	}
	if final.State.RejectReason != "" {
		body["reason"] = final.State.RejectReason
	}
	writeSSE(w, "done", body)
	flusher.Flush()
}

func (h *Handler) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req scene.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.jobs.Submit(r.Context(), &req)
	if errors.Is(err, worker.ErrQueueFull) {
		writeError(w, http.StatusServiceUnavailable, "job queue is full, retry later")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.jobs.Job(r.Context(), id)
	if errors.Is(err, worker.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
