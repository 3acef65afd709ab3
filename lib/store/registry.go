package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

var (
	registry map[string]Factory = map[string]Factory{}
	regLock  sync.RWMutex
)

// Factory validates backend configuration and builds store instances.
type Factory interface {
	Build(ctx context.Context, config json.RawMessage) (Interface, error)
	Valid(config json.RawMessage) error
}

// Register makes a backend available under name. Backends call this from
// their init functions.
func Register(name string, impl Factory) {
	regLock.Lock()
	defer regLock.Unlock()

	registry[name] = impl
}

func Get(name string) (Factory, bool) {
	regLock.RLock()
	defer regLock.RUnlock()
	result, ok := registry[name]
	return result, ok
}

// Methods returns the sorted names of every registered backend.
func Methods() []string {
	regLock.RLock()
	defer regLock.RUnlock()
	var result []string
	for method := range registry {
		result = append(result, method)
	}
	sort.Strings(result)
	return result
}

// Open looks up the backend called name, validates config against it and
// builds an instance.
func Open(ctx context.Context, name string, config json.RawMessage) (Interface, error) {
	f, ok := Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q, known backends: %v", ErrBadConfig, name, Methods())
	}

	if err := f.Valid(config); err != nil {
		return nil, err
	}

	s, err := f.Build(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("can't build %s store: %w", name, err)
	}

	return s, nil
}
