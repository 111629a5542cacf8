package fieldproc

import (
	"fmt"
	"sync"
)

// procFunc converts one raw source value into its sink representation.
// Implementations register themselves under their schema tag in init().
type procFunc func(pc *procContext, raw any, m mapping) (any, error)

var (
	registry   = make(map[string]procFunc)
	registryMu sync.RWMutex
)

// register adds a processor implementation for a schema tag.
// Registering the same tag twice is a programming error and panics.
func register(tag string, fn procFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if fn == nil {
		panic(fmt.Sprintf("fieldproc: register called with nil func for %s", tag))
	}
	if _, exists := registry[tag]; exists {
		panic(fmt.Sprintf("fieldproc: register called twice for %s", tag))
	}
	registry[tag] = fn
}

// lookup retrieves the processor for a tag, nil when unknown.
func lookup(tag string) procFunc {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[tag]
}

// RegisteredTags returns the known processor tags, for diagnostics.
func RegisteredTags() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	return tags
}
