// Package factory creates store backends from configuration.
package factory

import (
	"fmt"
	"sync"

	"github.com/loykin/recfleet/internal/store"
	"github.com/loykin/recfleet/internal/store/postgres"
	"github.com/loykin/recfleet/internal/store/sqlite"
)

// Builder creates a store from config.
type Builder func(cfg store.Config) (store.Store, error)

var (
	mu       sync.RWMutex
	builders = map[string]Builder{
		"memory": func(store.Config) (store.Store, error) { return store.NewMemory(), nil },
		"sqlite": func(cfg store.Config) (store.Store, error) { return sqlite.New(cfg.Path) },
		"postgres": func(cfg store.Config) (store.Store, error) {
			return postgres.New(cfg)
		},
		"postgresql": func(cfg store.Config) (store.Store, error) {
			return postgres.New(cfg)
		},
	}
)

// Register adds a backend type. Embedders can plug additional stores.
func Register(storeType string, b Builder) {
	mu.Lock()
	defer mu.Unlock()
	builders[storeType] = b
}

// New creates a store for cfg.Type. An empty type yields the in-memory
// store.
func New(cfg store.Config) (store.Store, error) {
	t := cfg.Type
	if t == "" {
		t = "memory"
	}
	mu.RLock()
	b, ok := builders[t]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported store type: %s (supported: %v)", t, SupportedTypes())
	}
	return b(cfg)
}

// SupportedTypes lists registered backend types.
func SupportedTypes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(builders))
	for t := range builders {
		out = append(out, t)
	}
	return out
}
