package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when no factory exists for a name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// S2SFactory builds a link provider from its configuration entry.
type S2SFactory func(ProviderEntry) (s2s.Provider, error)

// VADFactory builds a speech detector engine.
type VADFactory func(VADConfig) (vad.Engine, error)

// factories is a named set of constructors of one kind.
type factories[C, T any] struct {
	kind string
	m    map[string]func(C) (T, error)
}

func (f *factories[C, T]) create(name string, cfg C) (T, error) {
	build, ok := f.m[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %q (have %v)", ErrProviderNotRegistered, f.kind, name, f.names())
	}
	v, err := build(cfg)
	if err != nil {
		return v, fmt.Errorf("config: build %s %q: %w", f.kind, name, err)
	}
	return v, nil
}

func (f *factories[C, T]) names() []string {
	return slices.Sorted(maps.Keys(f.m))
}

// Registry maps provider names to constructors. cmd/livevoice fills it with
// the built-in providers; tests register mocks. It is safe for concurrent
// use.
type Registry struct {
	mu  sync.RWMutex
	s2s factories[ProviderEntry, s2s.Provider]
	vad factories[VADConfig, vad.Engine]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		s2s: factories[ProviderEntry, s2s.Provider]{kind: "s2s", m: map[string]func(ProviderEntry) (s2s.Provider, error){}},
		vad: factories[VADConfig, vad.Engine]{kind: "vad", m: map[string]func(VADConfig) (vad.Engine, error){}},
	}
}

// RegisterS2S registers a link provider under name, replacing any previous
// one.
func (r *Registry) RegisterS2S(name string, f S2SFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s.m[name] = f
}

// RegisterVAD registers a detector engine under name.
func (r *Registry) RegisterVAD(name string, f VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad.m[name] = f
}

// CreateS2S builds the provider named by entry.Name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.s2s.create(entry.Name, entry)
}

// CreateVAD builds the detector engine registered under name.
func (r *Registry) CreateVAD(name string, cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vad.create(name, cfg)
}

// S2SNames returns the registered link provider names, sorted.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.s2s.names()
}

// VADNames returns the registered detector engine names, sorted.
func (r *Registry) VADNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vad.names()
}
