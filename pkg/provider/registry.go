package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/germanamz/batchman/pkg/configstore"
)

// Loader yields one backend to register. A loader that errors or panics is
// logged and skipped by Discover.
type Loader func() (name string, factory Factory, err error)

// Registry maps provider names to factories and resolves stored configs.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	store     *configstore.Store
	log       *slog.Logger
}

// NewRegistry creates an empty Registry backed by store.
func NewRegistry(store *configstore.Store, log *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		store:     store,
		log:       Logger(log),
	}
}

// Store returns the config store the registry resolves hashes against.
func (r *Registry) Store() *configstore.Store { return r.store }

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = factory
}

// Discover runs every loader and registers what they yield. Failures are
// logged and never abort discovery. It returns the names registered.
func (r *Registry) Discover(loaders ...Loader) []string {
	var names []string

	for i, load := range loaders {
		name, factory, err := r.runLoader(load)
		if err != nil {
			r.log.Warn("provider discovery failed", "loader", i, "provider", name, "error", err)
			continue
		}

		r.Register(name, factory)
		names = append(names, name)
	}

	return names
}

func (r *Registry) runLoader(load Loader) (name string, factory Factory, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	name, factory, err = load()
	if err != nil {
		return name, nil, err
	}

	if name == "" || factory == nil {
		return name, nil, errors.New("loader returned no provider")
	}

	return name, factory, nil
}

// IsRegistered reports whether name has a factory.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[name]
	return ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.factories))
}

// New builds the provider registered under name. A nil cfg selects the
// backend defaults.
func (r *Registry) New(name string, cfg *configstore.Config) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	p, err := factory(cfg, r.log.With("provider", name))
	if err != nil {
		return nil, fmt.Errorf("provider: build %s: %w", name, err)
	}

	return p, nil
}

// DefaultConfigHash builds name with its default config, stores the
// effective config and returns its hash.
func (r *Registry) DefaultConfigHash(name string) (string, error) {
	return r.ConfigHash(name, nil)
}

// ConfigHash stores the effective config of provider name built from cfg
// and returns its hash. A nil cfg selects the backend defaults.
func (r *Registry) ConfigHash(name string, cfg *configstore.Config) (string, error) {
	p, err := r.New(name, cfg)
	if err != nil {
		return "", err
	}

	hash, err := r.store.Store(p.Config())
	if err != nil {
		return "", fmt.Errorf("provider: store %s config: %w", name, err)
	}

	return hash, nil
}

// Resolve builds provider name from the config stored under hash. A hash
// missing from the store yields ErrStoreIntegrity.
func (r *Registry) Resolve(name, hash string) (Provider, error) {
	if !r.IsRegistered(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	cfg, ok, err := r.store.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("provider: resolve %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s (provider %s)", ErrStoreIntegrity, hash, name)
	}

	return r.New(name, &cfg)
}
