package ledger

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildStoreFromDSN picks a Store implementation from the DSN scheme. An
// empty DSN yields an in-memory store.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
