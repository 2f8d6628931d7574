package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/shotsense/pkg/audio"
)

// ErrSourceNotRegistered is returned by [Registry.CreateSource] when no
// factory has been registered for the requested kind.
var ErrSourceNotRegistered = errors.New("config: source kind not registered")

// SourceFactory builds an unopened [audio.Source] from its config block.
type SourceFactory func(SourceConfig) (audio.Source, error)

// Registry maps source kinds to their constructors. Backends register
// themselves from main so that this package does not depend on cgo-backed
// capture code. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[SourceKind]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{sources: make(map[SourceKind]SourceFactory)}
}

// RegisterSource registers factory under kind. Subsequent calls with the
// same kind overwrite the previous registration.
func (r *Registry) RegisterSource(kind SourceKind, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[kind] = factory
}

// CreateSource builds the source selected by cfg.Kind.
func (r *Registry) CreateSource(cfg SourceConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrSourceNotRegistered, cfg.Kind, r.Kinds())
	}
	src, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create %s source: %w", cfg.Kind, err)
	}
	return src, nil
}

// Kinds returns the registered source kinds in sorted order.
func (r *Registry) Kinds() []SourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]SourceKind, 0, len(r.sources))
	for k := range r.sources {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
