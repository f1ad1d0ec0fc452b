// Package registry maps backend kinds to connector factories. Connector
// packages register themselves from init, so importing a source package is
// enough to make its kind available.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/logger"
)

// Registry manages connector registration and instantiation
type Registry struct {
	factories map[string]core.Factory
	metadata  map[string]core.ConnectorMetadata
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]core.Factory),
		metadata:  make(map[string]core.ConnectorMetadata),
		logger:    logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register registers a connector factory for a backend kind
func (r *Registry) Register(meta core.ConnectorMetadata, factory core.Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[meta.Kind]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector %s already registered", meta.Kind))
	}

	r.factories[meta.Kind] = factory
	r.metadata[meta.Kind] = meta
	r.logger.Debug("connector registered", zap.String("kind", meta.Kind))
	return nil
}

// Create creates a connector instance for the descriptor's kind
func (r *Registry) Create(ctx context.Context, desc *core.Descriptor, deps core.Dependencies) (core.Connector, error) {
	r.mu.RLock()
	factory, exists := r.factories[desc.Kind]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector %s not found", desc.Kind))
	}

	c, err := factory(ctx, desc, deps)
	if err != nil {
		var typed *errors.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create connector %s", desc.Kind))
	}
	return c, nil
}

// Kinds returns the registered kinds, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Has checks if a kind is registered
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[kind]
	return exists
}

// Metadata returns the metadata of every registered kind, sorted by kind
func (r *Registry) Metadata() []core.ConnectorMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.ConnectorMetadata, 0, len(r.metadata))
	for _, m := range r.metadata {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Global registry functions

// Register registers a connector in the global registry. It panics on
// duplicate registration, which only happens on a programming error in an
// init function.
func Register(meta core.ConnectorMetadata, factory core.Factory) {
	if err := globalRegistry.Register(meta, factory); err != nil {
		panic(err)
	}
}

// Create creates a connector from the global registry
func Create(ctx context.Context, desc *core.Descriptor, deps core.Dependencies) (core.Connector, error) {
	return globalRegistry.Create(ctx, desc, deps)
}

// Kinds returns the kinds registered in the global registry
func Kinds() []string {
	return globalRegistry.Kinds()
}

// Has checks if a kind is registered in the global registry
func Has(kind string) bool {
	return globalRegistry.Has(kind)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
