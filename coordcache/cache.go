package coordcache

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// errConcurrentModification is the internal sentinel for "the node
// changed between the exists probe and the data read that followed"
// (spec.md §4.F). It never escapes the retry loop.
var errConcurrentModification = errors.New("coordcache: concurrent modification")

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// slotState is a path's cached state for one of the three slot kinds:
// unknown (never queried), present (value holds meaning), or negative
// (confirmed absent, cached until invalidated).
type slotState int

const (
	slotUnknown slotState = iota
	slotPresent
	slotAbsent
)

// Cache is the triple-keyed, watch-coherent cache of spec.md §4.F: for
// each path, a data slot, a stat slot, and a children slot, each
// independently present/absent/unknown. Cache itself implements Watcher
// so the Client can deliver both path-scoped and session-scoped events
// to it directly.
type Cache struct {
	mu sync.Mutex

	dataState     map[string]slotState
	data          map[string][]byte
	stat          map[string]Stat
	childrenState map[string]slotState
	children      map[string][]string

	client   Client
	external Watcher
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewCache constructs a Cache backed by client. external, if non-nil,
// receives every event after Cache's own invalidation handling has run
// (spec.md §4.F: "An optional external watcher may be chained").
func NewCache(client Client, external Watcher, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		dataState:     make(map[string]slotState),
		data:          make(map[string][]byte),
		stat:          make(map[string]Stat),
		childrenState: make(map[string]slotState),
		children:      make(map[string][]string),
		client:        client,
		external:      external,
		logger:        logger.With("component", "coordcache.Cache"),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	client.AddSessionWatcher(c)
	return c
}

// GetData returns the cached bytes for path, populating on miss. absent
// is true iff the path was negatively cached or confirmed not to exist;
// it is distinct from "not yet queried" (spec.md §4.F).
func (c *Cache) GetData(ctx context.Context, path string) (data []byte, absent bool, err error) {
	if v, state := c.peekData(path); state != slotUnknown {
		return v, state == slotAbsent, nil
	}

	if err := c.retry(ctx, func() error { return c.populateData(ctx, path) }); err != nil {
		return nil, false, err
	}

	v, state := c.peekData(path)
	return v, state == slotAbsent, nil
}

// GetDataWithStat is GetData plus a value copy of the stat block,
// mirroring ZooCache.get's defensive-copy-via-out-param in a way that
// fits Go's return-value idiom instead (SPEC_FULL.md §5, "read-side stat
// copy semantics").
func (c *Cache) GetDataWithStat(ctx context.Context, path string) (data []byte, absent bool, stat Stat, err error) {
	data, absent, err = c.GetData(ctx, path)
	if err != nil || absent {
		return data, absent, Stat{}, err
	}
	c.mu.Lock()
	stat = c.stat[path]
	c.mu.Unlock()
	return data, absent, stat, nil
}

// GetChildren returns the cached, ordered child-name list for path.
func (c *Cache) GetChildren(ctx context.Context, path string) (children []string, absent bool, err error) {
	if v, state := c.peekChildren(path); state != slotUnknown {
		return v, state == slotAbsent, nil
	}

	if err := c.retry(ctx, func() error { return c.populateChildren(ctx, path) }); err != nil {
		return nil, false, err
	}

	v, state := c.peekChildren(path)
	return v, state == slotAbsent, nil
}

func (c *Cache) peekData(path string) ([]byte, slotState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[path], c.dataState[path]
}

func (c *Cache) peekChildren(path string) ([]string, slotState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.children[path], c.childrenState[path]
}

// retry wraps op in the bounded-jitter backoff loop of spec.md §4.F:
// starting sleep 100ms, multiplied each iteration by a factor in [1,2),
// capped at 10s. Only transient errors (connection lost, interrupted,
// concurrent modification) are retried; any other error is returned at
// once. Otherwise it terminates on success or ctx cancellation.
func (c *Cache) retry(ctx context.Context, op func() error) error {
	sleep := initialBackoff
	for {
		err := op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		c.logger.Debug("retrying after transient error", "error", err, "sleep", sleep)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		sleep = c.nextBackoff(sleep)
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrOperationInterrupted) ||
		errors.Is(err, errConcurrentModification)
}

func (c *Cache) nextBackoff(sleep time.Duration) time.Duration {
	c.rngMu.Lock()
	factor := 1 + c.rng.Float64()
	c.rngMu.Unlock()
	next := time.Duration(float64(sleep) * factor)
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// populateData implements the exists-then-getData two-step of spec.md
// §4.F: only the exists probe's result determines whether absence is
// cached; a NoNode/BadVersion surfacing from the subsequent getData call
// means the node raced us and must re-enter the retry loop uncached.
func (c *Cache) populateData(ctx context.Context, path string) error {
	st, err := c.client.Exists(ctx, path, c)
	if err != nil {
		return err
	}
	if st == nil {
		c.mu.Lock()
		c.dataState[path] = slotAbsent
		delete(c.data, path)
		delete(c.stat, path)
		c.mu.Unlock()
		return nil
	}

	data, gotStat, err := c.client.GetData(ctx, path, c)
	if err != nil {
		if errors.Is(err, ErrNoNode) || errors.Is(err, ErrBadVersion) {
			return errConcurrentModification
		}
		return err
	}

	c.mu.Lock()
	c.dataState[path] = slotPresent
	c.data[path] = data
	c.stat[path] = *gotStat
	c.mu.Unlock()
	return nil
}

func (c *Cache) populateChildren(ctx context.Context, path string) error {
	children, err := c.client.GetChildren(ctx, path, c)
	if err != nil {
		if errors.Is(err, ErrNoNode) {
			c.mu.Lock()
			c.childrenState[path] = slotAbsent
			delete(c.children, path)
			c.mu.Unlock()
			return nil
		}
		return err
	}
	c.mu.Lock()
	c.childrenState[path] = slotPresent
	c.children[path] = children
	c.mu.Unlock()
	return nil
}

// Process implements Watcher. Cache is registered both as the per-path
// watcher on every populating read and as the session watcher, so all
// coherence-protocol transitions of spec.md §4.F funnel through here.
func (c *Cache) Process(e Event) {
	switch e.Kind {
	case EventDataChanged, EventChildrenChanged, EventCreated, EventDeleted:
		c.evict(e.Path)
	case EventSessionDisconnected, EventSessionExpired:
		c.Clear()
	case EventSessionConnected:
		// re-arming happens implicitly on the next populating read.
	}
	if c.external != nil {
		c.external.Process(e)
	}
}

func (c *Cache) evict(path string) {
	c.mu.Lock()
	delete(c.data, path)
	delete(c.dataState, path)
	delete(c.stat, path)
	delete(c.children, path)
	delete(c.childrenState, path)
	c.mu.Unlock()
}

// Clear drops all cached slots (spec.md §4.F).
func (c *Cache) Clear() {
	c.mu.Lock()
	c.dataState = make(map[string]slotState)
	c.data = make(map[string][]byte)
	c.stat = make(map[string]Stat)
	c.childrenState = make(map[string]slotState)
	c.children = make(map[string][]string)
	c.mu.Unlock()
}

// ClearPrefix drops all slots whose path begins with prefix.
func (c *Cache) ClearPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.dataState {
		if strings.HasPrefix(k, prefix) {
			delete(c.dataState, k)
			delete(c.data, k)
			delete(c.stat, k)
		}
	}
	for k := range c.childrenState {
		if strings.HasPrefix(k, prefix) {
			delete(c.childrenState, k)
			delete(c.children, k)
		}
	}
}
