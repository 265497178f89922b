package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
	// NegativeTTL caches loader errors; zero disables negative caching.
	NegativeTTL time.Duration
	MaxEntries  int
}

// MetricsHooks receive a result label ("hit", "miss", "stale", "store", "error").
type MetricsHooks struct {
	OnResult func(result string)
}

func (h MetricsHooks) emit(result string) {
	if h.OnResult != nil {
		h.OnResult(result)
	}
}

type entry[V any] struct {
	value     V
	err       error
	expiresAt time.Time
	staleAt   time.Time
	negative  bool
}

// Cache is an in-process read-through cache with stale-while-revalidate and
// single-flight loading per key.
type Cache[V any] struct {
	mu      sync.RWMutex
	items   map[string]*entry[V]
	order   []string
	opts    Options
	metrics MetricsHooks
	sf      singleflight.Group
}

func New[V any](opts Options, hooks MetricsHooks) *Cache[V] {
	return &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   make([]string, 0, 128),
		opts:    opts,
		metrics: hooks,
	}
}

// Loader fetches the value for key. ok=false with a nil error means "absent".
type Loader[V any] func(ctx context.Context, key string) (V, bool, error)

type loadResult[V any] struct {
	val V
	ok  bool
	err error
}

func (c *Cache[V]) Get(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	var zero V
	now := time.Now()

	c.mu.RLock()
	e, found := c.items[key]
	c.mu.RUnlock()

	if found {
		switch {
		case now.Before(e.expiresAt):
			c.metrics.emit("hit")
			if e.negative {
				return zero, false, e.err
			}
			return e.value, true, nil
		case now.Before(e.staleAt):
			c.metrics.emit("stale")
			// refresh detached from the caller so a finished request does not cancel it
			refreshCtx := context.WithoutCancel(ctx)
			go func() {
				_, _, _ = c.sf.Do("refresh:"+key, func() (interface{}, error) {
					val, ok, err := loader(refreshCtx, key)
					c.store(key, val, ok, err)
					return nil, nil
				})
			}()
			if e.negative {
				return zero, false, e.err
			}
			return e.value, true, nil
		default:
			c.Delete(key)
		}
	}

	c.metrics.emit("miss")
	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err)
		return loadResult[V]{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult[V])
	if !res.ok {
		return zero, false, res.err
	}
	return res.val, true, nil
}

func (c *Cache[V]) store(key string, val V, ok bool, err error) {
	now := time.Now()
	e := &entry[V]{}
	if ok {
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
		e.staleAt = e.expiresAt.Add(c.opts.StaleWhileRevalidate)
	} else {
		if c.opts.NegativeTTL <= 0 {
			c.metrics.emit("error")
			return
		}
		e.err = err
		e.negative = true
		e.expiresAt = now.Add(c.opts.NegativeTTL)
		e.staleAt = e.expiresAt
	}

	c.mu.Lock()
	c.put(key, e)
	c.mu.Unlock()
	c.metrics.emit("store")
}

// put must be called with mu held.
func (c *Cache[V]) put(key string, e *entry[V]) {
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	if c.opts.MaxEntries <= 0 {
		return
	}
	// FIFO eviction
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
	}
}

func (c *Cache[V]) Set(key string, val V, ttl time.Duration) {
	now := time.Now()
	e := &entry[V]{value: val, expiresAt: now.Add(ttl), staleAt: now.Add(ttl).Add(c.opts.StaleWhileRevalidate)}
	c.mu.Lock()
	c.put(key, e)
	c.mu.Unlock()
}

// Peek returns a cached value without triggering a load. Stale entries are allowed.
func (c *Cache[V]) Peek(key string) (V, bool) {
	var zero V
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || e.negative || time.Now().After(e.staleAt) {
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
