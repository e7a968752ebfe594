// Package stream defines the event publishing port for stage transitions.
package stream

import "context"

// Publisher sends serialized events to an external stream.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}
