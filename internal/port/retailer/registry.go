package retailer

import (
	"fmt"
	"sync"

	"github.com/marcospaulo/makeitrain/internal/port/browser"
)

// Factory is a constructor function that creates an Adapter bound to a browser.
type Factory func(b browser.Browser, opts map[string]string) (Adapter, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a retailer adapter factory available by name.
// It is typically called from an init() function in the adapter package.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("retailer: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates an Adapter by name using the registered factory.
func New(name string, b browser.Browser, opts map[string]string) (Adapter, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("retailer: unknown adapter %q", name)
	}
	return factory(b, opts)
}

// Available returns the names of all registered adapters.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
