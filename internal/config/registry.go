package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/neuralmic/pkg/audio"
	"github.com/MrWong99/neuralmic/pkg/filter"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// Registry maps backend and transform names to their constructors. It is
// safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	backends   map[string]func(AudioConfig) (audio.Backend, error)
	transforms map[string]func(FilterConfig) (filter.Transform, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends:   make(map[string]func(AudioConfig) (audio.Backend, error)),
		transforms: make(map[string]func(FilterConfig) (filter.Transform, error)),
	}
}

// RegisterBackend registers an audio backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory func(AudioConfig) (audio.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// RegisterTransform registers a transform factory under name.
func (r *Registry) RegisterTransform(name string, factory func(FilterConfig) (filter.Transform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = factory
}

// CreateBackend instantiates the backend named by cfg.Backend.
// Returns [ErrNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateBackend(cfg AudioConfig) (audio.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend %q", ErrNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateTransform instantiates the transform named by cfg.Name.
func (r *Registry) CreateTransform(cfg FilterConfig) (filter.Transform, error) {
	r.mu.RLock()
	factory, ok := r.transforms[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transform %q", ErrNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.backends))
}

// Transforms returns the registered transform names in sorted order.
func (r *Registry) Transforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.transforms))
}
