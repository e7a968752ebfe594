// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateTask indicates a task with the same id is already queued or running.
var ErrDuplicateTask = errors.New("duplicate task")

// ErrNoResourceAvailable indicates the pool has no eligible resource for the request.
var ErrNoResourceAvailable = errors.New("no resource available")

// ErrNotLeased indicates a release was attempted on a resource that is not checked out.
var ErrNotLeased = errors.New("resource not leased")
