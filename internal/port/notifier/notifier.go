// Package notifier defines the notification port (interface) and capabilities.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Notification is the payload sent through a Notifier.
type Notification struct {
	TaskID  string `json:"task_id"`
	Kind    string `json:"kind"`    // e.g. "task.succeeded", "task.failed", "task.retrying"
	Message string `json:"message"`
	Urgent  bool   `json:"urgent"` // fatal outcomes; providers may escalate (mention, SMS)
	Level   string `json:"level"`  // "info", "success", "warning", "error"
}

// Capabilities declares which features a notifier supports.
type Capabilities struct {
	RichFormatting bool `json:"rich_formatting"`
	Mentions       bool `json:"mentions"`
}

// Notifier is the port interface for sending notifications.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "discord", "slack").
	Name() string

	// Capabilities returns what this notifier supports.
	Capabilities() Capabilities

	// Send delivers a notification.
	Send(ctx context.Context, notification Notification) error
}
