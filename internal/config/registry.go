package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to constructors for each side of the relay.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	generation map[string]func(ProviderEntry) (llm.Provider, error)
	synthesis  map[string]func(ProviderEntry) (tts.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		generation: make(map[string]func(ProviderEntry) (llm.Provider, error)),
		synthesis:  make(map[string]func(ProviderEntry) (tts.Provider, error)),
	}
}

// RegisterGeneration registers a text-generation provider factory under
// name. A later registration under the same name replaces the earlier one.
func (r *Registry) RegisterGeneration(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation[name] = factory
}

// RegisterSynthesis registers a speech-synthesis provider factory under name.
func (r *Registry) RegisterSynthesis(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesis[name] = factory
}

// CreateGeneration instantiates the generation provider registered under
// entry.Name.
func (r *Registry) CreateGeneration(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.generation[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: generation/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSynthesis instantiates the synthesis provider registered under
// entry.Name.
func (r *Registry) CreateSynthesis(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.synthesis[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesis/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted registered names for kind ("generation" or
// "synthesis").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "generation":
		for n := range r.generation {
			names = append(names, n)
		}
	case "synthesis":
		for n := range r.synthesis {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
