// Package task defines the purchase Task domain entity.
package task

import (
	"errors"
	"time"

	"github.com/marcospaulo/makeitrain/internal/domain/fail"
)

// Status represents the current state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Priority orders tasks for admission. High before normal before low;
// FIFO within a level.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric ordering for a priority; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Mode controls stock-check behavior.
type Mode string

const (
	// ModeInstant fails immediately when the item is out of stock.
	ModeInstant Mode = "instant"
	// ModeMonitor polls for stock until it appears or the monitor window expires.
	ModeMonitor Mode = "monitor"
)

// Task is one configured attempt to purchase a specific item under specific
// constraints. Identity fields are immutable after submission; run state is
// mutated by the scheduler and orchestrator only.
type Task struct {
	ID       string   `json:"id"`
	Retailer string   `json:"retailer"`
	ItemRef  string   `json:"item_ref"`
	Quantity int      `json:"quantity"`
	MaxPrice float64  `json:"max_price,omitempty"`
	Mode     Mode     `json:"mode"`
	Priority Priority `json:"priority"`

	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	FailKind  fail.Kind `json:"fail_kind,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	OrderRef  string    `json:"order_ref,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	ProxyID   string    `json:"proxy_id,omitempty"`

	NotBefore   time.Time  `json:"not_before,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SubmitRequest holds the fields needed to submit a new task.
type SubmitRequest struct {
	ID       string   `json:"id,omitempty"` // optional caller-chosen id
	Retailer string   `json:"retailer"`
	ItemRef  string   `json:"item_ref"`
	Quantity int      `json:"quantity"`
	MaxPrice float64  `json:"max_price,omitempty"`
	Mode     Mode     `json:"mode,omitempty"`
	Priority Priority `json:"priority,omitempty"`
}

// Validate checks the request and normalizes empty mode/priority.
func (r *SubmitRequest) Validate() error {
	if r.Retailer == "" {
		return errors.New("retailer is required")
	}
	if r.ItemRef == "" {
		return errors.New("item_ref is required")
	}
	if r.Quantity < 1 {
		return errors.New("quantity must be >= 1")
	}
	if r.MaxPrice < 0 {
		return errors.New("max_price must be >= 0")
	}
	switch r.Mode {
	case "", ModeInstant, ModeMonitor:
	default:
		return errors.New("mode must be instant or monitor")
	}
	switch r.Priority {
	case "", PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return errors.New("priority must be high, normal, or low")
	}
	if r.Mode == "" {
		r.Mode = ModeInstant
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	return nil
}
