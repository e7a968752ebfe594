package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marcospaulo/makeitrain/internal/domain"
	"github.com/marcospaulo/makeitrain/internal/domain/run"
	"github.com/marcospaulo/makeitrain/internal/domain/task"
	"github.com/marcospaulo/makeitrain/internal/pool"
)

// TaskService is the orchestrator surface the HTTP layer depends on.
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Cancel(ctx context.Context, taskID string) error
	Status(ctx context.Context, taskID string) (*task.Task, error)
	Tasks(ctx context.Context) ([]task.Task, error)
	Events(ctx context.Context, taskID string) ([]run.Event, error)
	PoolHealth() (accounts, proxies pool.Snapshot)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Tasks TaskService
}

// CreateTask handles POST /api/v1/tasks
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.SubmitRequest](w, r)
	if !ok {
		return
	}

	t, err := h.Tasks.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTask) {
			writeError(w, http.StatusConflict, "task already queued or running")
			return
		}
		// Submit only fails on validation beyond duplicates.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTasks handles GET /api/v1/tasks
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.Tasks(r.Context())
	if err != nil {
		writeDomainError(w, err, "tasks unavailable")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.Tasks.Status(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Tasks.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, "task not found or already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// ListTaskEvents handles GET /api/v1/tasks/{id}/events
func (h *Handlers) ListTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.Tasks.Events(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "events unavailable")
		return
	}
	if events == nil {
		events = []run.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// PoolHealth handles GET /api/v1/pools
func (h *Handlers) PoolHealth(w http.ResponseWriter, _ *http.Request) {
	accounts, proxies := h.Tasks.PoolHealth()
	writeJSON(w, http.StatusOK, map[string]pool.Snapshot{
		"accounts": accounts,
		"proxies":  proxies,
	})
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
