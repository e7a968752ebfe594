package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcospaulo/makeitrain/internal/domain/task"
	"github.com/marcospaulo/makeitrain/internal/port/notifier"
)

// NotificationService fans task lifecycle notifications out to every
// configured provider. Delivery failures are logged, never propagated: a
// dead webhook must not affect checkout.
type NotificationService struct {
	notifiers []notifier.Notifier
	verbose   bool
	log       *slog.Logger
}

// NewNotificationService creates the dispatcher. With verbose set, retry
// notifications are sent as well; otherwise only terminal outcomes are.
func NewNotificationService(notifiers []notifier.Notifier, verbose bool, log *slog.Logger) *NotificationService {
	return &NotificationService{notifiers: notifiers, verbose: verbose, log: log}
}

// TaskSucceeded announces a completed purchase.
func (s *NotificationService) TaskSucceeded(ctx context.Context, t *task.Task) {
	s.dispatch(ctx, notifier.Notification{
		TaskID:  t.ID,
		Kind:    "task.succeeded",
		Message: fmt.Sprintf("checked out %s at %s (order %s)", t.ItemRef, t.Retailer, t.OrderRef),
		Level:   "success",
	})
}

// TaskFailed announces a terminal failure. Urgent failures (payment declined,
// attempts exhausted) are flagged so providers that support escalation can
// mention the operator.
func (s *NotificationService) TaskFailed(ctx context.Context, t *task.Task, urgent bool) {
	s.dispatch(ctx, notifier.Notification{
		TaskID:  t.ID,
		Kind:    "task.failed",
		Message: fmt.Sprintf("task for %s at %s failed: %s", t.ItemRef, t.Retailer, t.LastError),
		Urgent:  urgent,
		Level:   "error",
	})
}

// TaskCancelled announces an operator cancellation.
func (s *NotificationService) TaskCancelled(ctx context.Context, t *task.Task) {
	s.dispatch(ctx, notifier.Notification{
		TaskID:  t.ID,
		Kind:    "task.cancelled",
		Message: fmt.Sprintf("task for %s at %s cancelled", t.ItemRef, t.Retailer),
		Level:   "info",
	})
}

// TaskRetrying announces a requeue. Sent only in verbose mode.
func (s *NotificationService) TaskRetrying(ctx context.Context, t *task.Task, delay time.Duration) {
	if !s.verbose {
		return
	}
	s.dispatch(ctx, notifier.Notification{
		TaskID:  t.ID,
		Kind:    "task.retrying",
		Message: fmt.Sprintf("task for %s at %s retrying in %s (attempt %d): %s", t.ItemRef, t.Retailer, delay, t.Attempts+1, t.LastError),
		Level:   "warning",
	})
}

func (s *NotificationService) dispatch(ctx context.Context, n notifier.Notification) {
	for _, nt := range s.notifiers {
		if err := nt.Send(ctx, n); err != nil {
			s.log.Warn("notification delivery failed",
				"provider", nt.Name(),
				"kind", n.Kind,
				"task_id", n.TaskID,
				"error", err)
		}
	}
}
