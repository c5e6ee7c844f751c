package tts

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/book-expert/narrator-service/internal/core"
)

var (
	// ErrUnknownEngine indicates a lookup of an engine that was never registered.
	ErrUnknownEngine = errors.New("unknown engine")
	// ErrDuplicateEngine indicates two engines registered under one name.
	ErrDuplicateEngine = errors.New("engine already registered")
)

// Registry holds the engines a task may select by name.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]core.Synthesizer
}

// NewRegistry creates a registry holding the given engines.
func NewRegistry(engines ...core.Synthesizer) (*Registry, error) {
	registry := &Registry{engines: make(map[string]core.Synthesizer, len(engines))}

	for _, engine := range engines {
		err := registry.Register(engine)
		if err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// Register adds an engine under its Name.
func (r *Registry) Register(engine core.Synthesizer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[engine.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEngine, engine.Name())
	}

	r.engines[engine.Name()] = engine

	return nil
}

// Get returns the named engine or an InvalidVoiceParams error.
func (r *Registry) Get(name string) (core.Synthesizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engine, ok := r.engines[name]
	if !ok {
		return nil, core.NewError(core.KindInvalidVoiceParams, fmt.Errorf("%w: %q", ErrUnknownEngine, name))
	}

	return engine, nil
}

// Names lists the registered engines in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}
