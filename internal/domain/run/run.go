// Package run defines the state machine Run entity and its stage graph.
package run

import (
	"time"

	"github.com/marcospaulo/makeitrain/internal/domain/fail"
)

// Stage is a node in the checkout pipeline.
type Stage string

const (
	StageIdle            Stage = "idle"
	StageAuthenticating  Stage = "authenticating"
	StageCheckingStock   Stage = "checking_stock"
	StageWaitingForStock Stage = "waiting_for_stock"
	StageAddingToCart    Stage = "adding_to_cart"
	StageCheckingOut     Stage = "checking_out"
	StageSucceeded       Stage = "succeeded"
	StageFailed          Stage = "failed"
)

// Terminal reports whether the stage ends the run.
func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// Run is one execution of the state machine for a task attempt. It references
// the task and its resource binding and is destroyed at the terminal stage.
type Run struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Attempt   int        `json:"attempt"`
	Retailer  string     `json:"retailer"`
	AccountID string     `json:"account_id"`
	ProxyID   string     `json:"proxy_id"`
	Stage     Stage      `json:"stage"`
	OrderRef  string     `json:"order_ref,omitempty"`
	FailKind  fail.Kind  `json:"fail_kind,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Event is a structured stage transition record, emitted once per edge.
type Event struct {
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id"`
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	Kind      fail.Kind `json:"kind,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome summarizes a finished run for the orchestrator.
type Outcome struct {
	RunID     string
	TaskID    string
	Stage     Stage // StageSucceeded or StageFailed
	Kind      fail.Kind
	OrderRef  string
	Cancelled bool
	Err       error
}

// Succeeded reports whether the run reached checkout success.
func (o Outcome) Succeeded() bool { return o.Stage == StageSucceeded }
