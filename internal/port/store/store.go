// Package store defines the persistence port for task state and the
// stage-transition audit trail.
package store

import (
	"context"

	"github.com/marcospaulo/makeitrain/internal/domain/run"
	"github.com/marcospaulo/makeitrain/internal/domain/task"
)

// Store persists task state and stage events.
type Store interface {
	// SaveTask upserts the current state of a task.
	SaveTask(ctx context.Context, t *task.Task) error

	// GetTask returns a task by id, or domain.ErrNotFound.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// ListTasks returns all known tasks, newest first.
	ListTasks(ctx context.Context) ([]task.Task, error)

	// AppendEvent appends one stage transition to the audit trail.
	AppendEvent(ctx context.Context, ev *run.Event) error

	// LoadEvents returns all stage events for a task in emission order.
	LoadEvents(ctx context.Context, taskID string) ([]run.Event, error)
}
