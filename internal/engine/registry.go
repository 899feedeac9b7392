package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/adverant/nexus/ocr-server/internal/processor"
)

// Registry resolves engines by name
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Register adds an engine, replacing any engine with the same name
func (r *Registry) Register(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the concrete engine for name
func (r *Registry) Get(name string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[strings.ToLower(strings.TrimSpace(name))]
	return e, ok
}

// Resolve implements processor.EngineResolver
func (r *Registry) Resolve(name string) (processor.EngineAdapter, error) {
	e, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("engine %q is not registered", name)
	}
	return e, nil
}

// Names lists registered engines in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Warmup eagerly loads one engine; failures are returned to the caller to log
func (r *Registry) Warmup(ctx context.Context, name, lang string) error {
	e, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("engine %q is not registered", name)
	}
	return e.Warmup(ctx, lang)
}

// Close unloads every engine
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for name, e := range r.engines {
		if err := e.Close(); err != nil {
			logger.Warn("Failed to close engine", "engine", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
