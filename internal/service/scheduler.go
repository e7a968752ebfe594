// Package service contains the application services binding pools, scheduler,
// state machine runs, and notification together.
package service

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcospaulo/makeitrain/internal/config"
	"github.com/marcospaulo/makeitrain/internal/domain"
	"github.com/marcospaulo/makeitrain/internal/domain/task"
)

// queued wraps a task with its admission ordering metadata.
type queued struct {
	t   *task.Task
	seq uint64 // FIFO tie-break within a priority level
}

// Scheduler holds pending tasks and admits them by priority under the
// configured concurrency ceiling. All queue mutation is serialized behind
// one mutex; NextEligible is safe to poll.
type Scheduler struct {
	mu      sync.Mutex
	cfg     config.Scheduler
	pending []queued
	running map[string]*task.Task
	seq     uint64
	now     func() time.Time // for testing
}

// NewScheduler creates a Scheduler with the given admission configuration.
func NewScheduler(cfg config.Scheduler) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		running: make(map[string]*task.Task),
		now:     time.Now,
	}
}

// Enqueue inserts a task for admission. A task with the same id already
// queued or running is rejected with domain.ErrDuplicateTask.
func (s *Scheduler) Enqueue(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(t.ID) >= 0 {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrDuplicateTask)
	}
	if _, ok := s.running[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrDuplicateTask)
	}

	now := s.now()
	t.Status = task.StatusQueued
	t.EnqueuedAt = now
	t.UpdatedAt = now
	s.seq++
	s.pending = append(s.pending, queued{t: t, seq: s.seq})
	return nil
}

// NextEligible returns the next task to start, marking it running, or nil
// when the ceiling is reached or nothing is ready. A nil result mutates no
// queue state. Ordering: high before normal before low, FIFO within a level;
// tasks with a pending not-before time are skipped until it passes.
func (s *Scheduler) NextEligible() *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.running) >= s.cfg.MaxConcurrent {
		return nil
	}

	now := s.now()
	best := -1
	for i, q := range s.pending {
		if q.t.NotBefore.After(now) {
			continue
		}
		if best < 0 || beats(q, s.pending[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}

	q := s.pending[best]
	s.pending = append(s.pending[:best], s.pending[best+1:]...)
	q.t.Status = task.StatusRunning
	q.t.UpdatedAt = now
	s.running[q.t.ID] = q.t
	return q.t
}

// beats reports whether a should be admitted before b.
func beats(a, b queued) bool {
	ra, rb := a.t.Priority.Rank(), b.t.Priority.Rank()
	if ra != rb {
		return ra < rb
	}
	return a.seq < b.seq
}

// Requeue re-inserts a previously-dequeued task after incrementing its
// attempt counter, scheduled not before now+delay. Returns false when the
// task has exhausted its attempts; the caller routes it to the terminal
// failed store in that case.
func (s *Scheduler) Requeue(t *task.Task, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, t.ID)

	t.Attempts++
	now := s.now()
	t.UpdatedAt = now
	if t.Attempts >= s.cfg.MaxAttempts {
		t.Status = task.StatusFailed
		slog.Info("task attempts exhausted", "task_id", t.ID, "attempts", t.Attempts)
		return false
	}

	t.Status = task.StatusQueued
	t.NotBefore = now.Add(delay)
	t.EnqueuedAt = now
	s.seq++
	s.pending = append(s.pending, queued{t: t, seq: s.seq})
	return true
}

// Complete removes a running task from the admission bookkeeping.
// Called by the orchestrator when a run reaches a terminal outcome.
func (s *Scheduler) Complete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, taskID)
}

// CancelQueued removes a queued task and marks it cancelled. Returns the
// task, or nil if it was not queued (it may be running; cancelling a running
// task is the orchestrator's job).
func (s *Scheduler) CancelQueued(taskID string) *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(taskID)
	if i < 0 {
		return nil
	}
	t := s.pending[i].t
	s.pending = append(s.pending[:i], s.pending[i+1:]...)
	t.Status = task.StatusCancelled
	t.UpdatedAt = s.now()
	return t
}

// Running reports whether the task is currently executing.
func (s *Scheduler) Running(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// Depth returns the number of queued and running tasks.
func (s *Scheduler) Depth() (pending, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.running)
}

// indexOf must be called with s.mu held.
func (s *Scheduler) indexOf(taskID string) int {
	for i, q := range s.pending {
		if q.t.ID == taskID {
			return i
		}
	}
	return -1
}
