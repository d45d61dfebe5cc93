package sink

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Factory creates a sink instance from configuration.
type Factory func(config map[string]any) (Sink, error)

// Registry holds sink factories indexed by sink ID.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty sink registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory for the given sink ID.
// Panics if the sink ID is already registered.
func (r *Registry) Register(sinkID string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[sinkID]; exists {
		panic(fmt.Sprintf("sink factory already registered: %s", sinkID))
	}
	r.factories[sinkID] = factory
}

// Get returns the factory for the given sink ID.
func (r *Registry) Get(sinkID string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[sinkID]
	return factory, ok
}

// List returns all registered sink IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}

// Create instantiates a sink from the given sink ID and config.
func (r *Registry) Create(sinkID string, config map[string]any) (Sink, error) {
	factory, ok := r.Get(sinkID)
	if !ok {
		return nil, fmt.Errorf("unknown sink: %s", sinkID)
	}
	return factory(config)
}

// --- Default Global Registry ---

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the global sink registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a factory to the default registry.
func Register(sinkID string, factory Factory) {
	defaultRegistry.Register(sinkID, factory)
}

// Create instantiates a sink from the default registry.
func Create(sinkID string, config map[string]any) (Sink, error) {
	return defaultRegistry.Create(sinkID, config)
}

// --- Config helpers ---

func getString(input map[string]any, key, def string) string {
	if v, ok := input[key]; ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return def
}

func getBool(input map[string]any, key string, def bool) bool {
	if v, ok := input[key]; ok {
		switch val := v.(type) {
		case bool:
			return val
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
				return parsed
			}
		}
	}
	return def
}
