// Package cache memoizes name resolutions and content fetches.
//
// A Cache is a bounded LRU with optional TTL. Concurrent loads for the same
// key are coalesced: at most one load per key runs at a time, and every
// caller that arrives while it runs gets its result or its error. The shared
// load runs detached from any single caller's cancellation and completes on
// its own; a caller whose context ends stops waiting and returns ctx.Err(),
// and the result is still cached if the load succeeds. Values are inserted
// only after a load succeeds.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"xdao.co/llmindex/clock"
)

// Entry is a cached value with its insertion time.
type Entry[V any] struct {
	Key        string
	Value      V
	InsertedAt time.Time
}

type Options struct {
	// MaxEntries bounds the cache. Required.
	MaxEntries int
	// TTL expires entries this long after insertion. Zero disables expiry.
	TTL time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Stats counts cache traffic since creation.
type Stats struct {
	Hits   uint64
	Misses uint64
	Loads  uint64
}

type Cache[V any] struct {
	entries *lru.Cache[string, Entry[V]]
	group   singleflight.Group
	opts    Options

	hits, misses, loads atomic.Uint64

	// mu orders entry writes against Invalidate and Clear. flights holds the
	// load running for each key.
	mu      sync.Mutex
	flights map[string]*flight
}

// flight is one running load. A stale flight still answers its waiters but
// does not cache its value.
type flight struct {
	stale bool
}

func New[V any](opts Options) (*Cache[V], error) {
	if opts.MaxEntries <= 0 {
		return nil, fmt.Errorf("cache: MaxEntries must be positive, got %d", opts.MaxEntries)
	}
	opts = opts.withDefaults()
	c := &Cache[V]{opts: opts, flights: make(map[string]*flight)}
	entries, err := lru.NewWithEvict(opts.MaxEntries, func(key string, _ Entry[V]) {
		opts.Logger.Debug("cache entry evicted", "key", key)
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Get returns the cached value for key and refreshes its recency.
func (c *Cache[V]) Get(key string) (V, bool) {
	e, ok := c.entries.Get(key)
	if ok && c.expired(e) {
		c.dropExpired(key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.Value, true
}

// dropExpired removes key if the entry under it is still expired. A load
// may have stored a fresh value since the caller's read.
func (c *Cache[V]) dropExpired(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Peek(key); ok && c.expired(e) {
		c.entries.Remove(key)
	}
}

// Add inserts or replaces key.
func (c *Cache[V]) Add(key string, v V) {
	c.put(Entry[V]{Key: key, Value: v, InsertedAt: c.opts.Clock.Now()})
}

func (c *Cache[V]) put(e Entry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(e.Key, e)
}

// GetOrLoad returns the cached value for key, or runs load once for all
// concurrent callers and caches its result on success.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		// A flight that finished between our miss and this call has
		// already filled the entry.
		if e, ok := c.entries.Peek(key); ok && !c.expired(e) {
			c.mu.Unlock()
			return e.Value, nil
		}
		f := &flight{}
		c.flights[key] = f
		c.mu.Unlock()

		c.loads.Add(1)
		v, err := load(detached)

		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.flights, key)
		if err != nil {
			return nil, err
		}
		if !f.stale {
			c.entries.Add(key, Entry[V]{Key: key, Value: v, InsertedAt: c.opts.Clock.Now()})
		}
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		return r.Val.(V), nil
	}
}

// Invalidate drops key. A load already in flight for key still completes
// for its waiters, including callers that join it after Invalidate, but its
// value is not cached. Loads for other keys are unaffected.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[key]; ok {
		f.stale = true
	}
	c.entries.Remove(key)
}

// Clear drops every entry and marks every running load stale.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.flights {
		f.stale = true
	}
	c.entries.Purge()
}

func (c *Cache[V]) Len() int { return c.entries.Len() }

// Entries returns live entries from least to most recently used without
// touching recency.
func (c *Cache[V]) Entries() []Entry[V] {
	keys := c.entries.Keys()
	out := make([]Entry[V], 0, len(keys))
	for _, k := range keys {
		if e, ok := c.entries.Peek(k); ok && !c.expired(e) {
			out = append(out, e)
		}
	}
	return out
}

func (c *Cache[V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Loads: c.loads.Load()}
}

func (c *Cache[V]) expired(e Entry[V]) bool {
	return c.opts.TTL > 0 && !c.opts.Clock.Now().Before(e.InsertedAt.Add(c.opts.TTL))
}
