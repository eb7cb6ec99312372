package coordcache

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Registry is the process-wide shared-instance map keyed by
// "endpoints:timeout" (spec.md §4.F: "Shared-instance registry"). The
// first request for a given key constructs a Cache; subsequent requests
// return the extant instance. Instances are never evicted
// (SPEC_FULL.md §5, item 5).
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Cache
	clients   map[string]*EtcdClient
}

// NewRegistry constructs an empty shared-instance registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]*Cache),
		clients:   make(map[string]*EtcdClient),
	}
}

// Get returns the Cache for the given endpoints and session timeout,
// constructing one (and its backing EtcdClient) on first request.
func (r *Registry) Get(endpoints []string, sessionTimeout time.Duration, external Watcher, logger *slog.Logger) (*Cache, error) {
	key := instanceKey(endpoints, sessionTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.instances[key]; ok {
		return c, nil
	}

	client, err := NewEtcdClient(endpoints, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("coordcache: constructing instance for %s: %w", key, err)
	}
	cache := NewCache(client, external, logger)
	r.instances[key] = cache
	r.clients[key] = client
	return cache, nil
}

// instanceKey mirrors ZooCache.getInstance's "zooKeepers + \":\" +
// sessionTimeout" key composition (SPEC_FULL.md §5, item 5).
func instanceKey(endpoints []string, sessionTimeout time.Duration) string {
	return strings.Join(endpoints, ",") + ":" + sessionTimeout.String()
}
