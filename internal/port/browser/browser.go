// Package browser defines the remote browser capability port consumed by
// retailer adapters. The rendering engine behind it is an external system;
// the core only issues high-level interactions.
package browser

import (
	"context"
	"time"
)

// Browser is the DOM interaction capability contract.
type Browser interface {
	// Navigate loads the given URL and waits for the page to settle.
	Navigate(ctx context.Context, url string) error

	// Click dispatches a click on the element matching the selector.
	Click(ctx context.Context, selector string) error

	// Type focuses the element matching the selector and types text into it.
	Type(ctx context.Context, selector, text string) error

	// Text returns the text content of the element matching the selector.
	// A selector matching nothing is an error.
	Text(ctx context.Context, selector string) (string, error)

	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
}

// Humanizer produces pacing delays between browser actions. Implementations
// are black boxes; the only contract is that Delay returns the duration to
// wait before the next action.
type Humanizer interface {
	Delay() time.Duration
}
