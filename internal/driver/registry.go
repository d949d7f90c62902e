package driver

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/metrics"
	"github.com/devrev/replstore/internal/storagekey"
)

// Registry resolves storage keys to providers. Providers are consulted in
// registration order and the first that supports a key wins.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	names     map[string]struct{}
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		names:   make(map[string]struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Register adds p unless a provider with the same name is already
// registered. It reports whether p was added.
func (r *Registry) Register(p Provider) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.names[p.Name()]; ok {
		return false
	}
	r.names[p.Name()] = struct{}{}
	r.providers = append(r.providers, p)
	r.logger.Info("Registered driver provider", zap.String("provider", p.Name()))
	return true
}

// Providers returns the registered providers in resolution order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.providers...)
}

// Resolve returns the first provider that supports key.
func (r *Registry) Resolve(key storagekey.StorageKey) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		if p.WillSupport(key) {
			return p, nil
		}
	}
	r.metrics.RecordUnsupportedKey()
	return nil, errors.UnsupportedStorageKey(key.String())
}

// Driver resolves key and creates a driver for it.
func (r *Registry) Driver(ctx context.Context, key storagekey.StorageKey, exists Exists) (Driver, error) {
	p, err := r.Resolve(key)
	if err != nil {
		return nil, err
	}
	d, err := p.Driver(ctx, key, exists)
	if err != nil {
		r.logger.Debug("Driver construction failed",
			zap.String("provider", p.Name()),
			zap.String("storage_key", key.String()),
			zap.Stringer("exists", exists),
			zap.Error(err))
		return nil, err
	}
	if r.metrics == nil {
		return d, nil
	}
	return instrument(d, r.metrics), nil
}

func preconditionFailed(key storagekey.StorageKey, exists Exists, reason string) error {
	return errors.PreconditionFailed(key.String(), exists.String(), reason)
}
