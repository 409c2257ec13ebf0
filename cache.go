package clenzy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// ErrQueryCancelled is returned to callers waiting on a fetch that was
// cancelled with CancelInFlight.
var ErrQueryCancelled = errors.New("clenzy: query cancelled")

// ============================================================================
// Keys
// ============================================================================

// Key is an ordered tuple (domain, filters...) identifying one cached query.
// Two keys are equal when their JSON encodings are equal.
type Key []any

func (k Key) String() string {
	b, err := json.Marshal([]any(k))
	if err != nil {
		return fmt.Sprint([]any(k))
	}
	return string(b)
}

// HasPrefix reports whether k starts with every element of prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if keyPart(k[i]) != keyPart(prefix[i]) {
			return false
		}
	}
	return true
}

func keyPart(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func cloneKey(k Key) Key {
	return append(Key(nil), k...)
}

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind tells what happened to a cache entry.
type ChangeKind string

const (
	ChangeWritten     ChangeKind = "written"
	ChangeUpdated     ChangeKind = "updated"
	ChangeInvalidated ChangeKind = "invalidated"
	ChangeRemoved     ChangeKind = "removed"
	ChangeRestored    ChangeKind = "restored"
)

// ChangeEvent describes one cache mutation.
type ChangeEvent struct {
	Kind  ChangeKind
	Key   Key
	Value any
}

// ============================================================================
// Cache
// ============================================================================

// FetchFunc loads the authoritative value for a key.
type FetchFunc func(ctx context.Context) (any, error)

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithStaleTime sets how long a written value stays fresh. Zero or negative
// means values only go stale through invalidation.
func WithStaleTime(d time.Duration) CacheOption {
	return func(c *Cache) { c.staleTime = d }
}

// WithGCTime sets how long an entry survives without being written.
func WithGCTime(d time.Duration) CacheOption {
	return func(c *Cache) { c.gcTime = d }
}

// WithMaxEntries bounds the number of entries; the least recently used entry
// is dropped first. Zero means unbounded.
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) { c.maxEntries = n }
}

// WithCacheLogger sets the logger used for cache diagnostics.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// WithCacheMetrics sets the instruments used to count mutation outcomes.
func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

type entry struct {
	key         Key
	value       any
	hasValue    bool
	updatedAt   time.Time
	invalidated bool
	fetch       *inflight
}

type inflight struct {
	cancel context.CancelFunc
}

// Cache is a keyed, query-addressable store shared by queries, realtime
// event reducers and optimistic mutations. One logical value exists per key;
// concurrent writers are last-writer-wins.
//
// Cached values must be treated as immutable: updaters return a new value
// instead of modifying the one they receive, so snapshots stay intact.
type Cache struct {
	mu         sync.Mutex
	entries    *expirable.LRU[string, *entry]
	flight     singleflight.Group
	staleTime  time.Duration
	gcTime     time.Duration
	maxEntries int
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time

	listenersMu sync.RWMutex
	listeners   map[int]func(ChangeEvent)
	nextID      int
}

// NewCache creates an empty cache. Defaults: 30s stale time, 30m GC time,
// unbounded size.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		staleTime: 30 * time.Second,
		gcTime:    30 * time.Minute,
		logger:    slog.Default(),
		now:       time.Now,
		listeners: make(map[int]func(ChangeEvent)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = defaultMetrics()
	}
	c.entries = expirable.NewLRU[string, *entry](c.maxEntries, nil, c.gcTime)
	return c
}

// OnChange registers h to be called synchronously after each change. h must
// not block; it may call back into the cache.
func (c *Cache) OnChange(h func(ChangeEvent)) (cancel func()) {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = h
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Cache) notify(events ...ChangeEvent) {
	if len(events) == 0 {
		return
	}
	c.listenersMu.RLock()
	handlers := make([]func(ChangeEvent), 0, len(c.listeners))
	for _, h := range c.listeners {
		handlers = append(handlers, h)
	}
	c.listenersMu.RUnlock()
	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

// lookup must be called with c.mu held.
func (c *Cache) lookup(s string) (*entry, bool) {
	return c.entries.Peek(s)
}

// touch stores e and refreshes its GC deadline. Must be called with c.mu held.
func (c *Cache) touch(s string, e *entry) {
	c.entries.Add(s, e)
}

// ── Read / write ─────────────────────────────────────────

// Read returns the cached value for key.
func (c *Cache) Read(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key.String())
	if !ok || !e.hasValue {
		return nil, false
	}
	return e.value, true
}

// Has reports whether a value is cached for key.
func (c *Cache) Has(key Key) bool {
	_, ok := c.Read(key)
	return ok
}

// Write stores value under key, creating the entry if needed, and marks it fresh.
func (c *Cache) Write(key Key, value any) {
	s := key.String()
	c.mu.Lock()
	e, ok := c.lookup(s)
	if !ok {
		e = &entry{key: cloneKey(key)}
	}
	e.value = value
	e.hasValue = true
	e.updatedAt = c.now()
	e.invalidated = false
	c.touch(s, e)
	c.mu.Unlock()

	c.notify(ChangeEvent{Kind: ChangeWritten, Key: key, Value: value})
}

// Update patches the cached value for key with fn. Nothing happens when no
// value is cached or fn returns false. fn runs under the cache lock and must
// not call back into the cache.
func (c *Cache) Update(key Key, fn func(current any) (next any, ok bool)) bool {
	s := key.String()
	c.mu.Lock()
	e, found := c.lookup(s)
	if !found || !e.hasValue {
		c.mu.Unlock()
		return false
	}
	next, ok := fn(e.value)
	if !ok {
		c.mu.Unlock()
		return false
	}
	e.value = next
	e.updatedAt = c.now()
	e.invalidated = false
	c.touch(s, e)
	c.mu.Unlock()

	c.notify(ChangeEvent{Kind: ChangeUpdated, Key: key, Value: next})
	return true
}

// Invalidate marks the value under key stale so the next query refetches it.
func (c *Cache) Invalidate(key Key) bool {
	c.mu.Lock()
	e, ok := c.lookup(key.String())
	if !ok || !e.hasValue {
		c.mu.Unlock()
		return false
	}
	e.invalidated = true
	value := e.value
	c.mu.Unlock()

	c.notify(ChangeEvent{Kind: ChangeInvalidated, Key: key, Value: value})
	return true
}

// InvalidatePrefix marks every cached key starting with prefix stale and
// returns how many were affected.
func (c *Cache) InvalidatePrefix(prefix Key) int {
	var events []ChangeEvent
	c.mu.Lock()
	for _, e := range c.entries.Values() {
		if e.hasValue && e.key.HasPrefix(prefix) {
			e.invalidated = true
			events = append(events, ChangeEvent{Kind: ChangeInvalidated, Key: e.key, Value: e.value})
		}
	}
	c.mu.Unlock()

	c.notify(events...)
	return len(events)
}

// IsStale reports whether key has no value, was invalidated, or is older
// than the stale time.
func (c *Cache) IsStale(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key.String())
	if !ok || !e.hasValue || e.invalidated {
		return true
	}
	return c.staleTime > 0 && c.now().Sub(e.updatedAt) > c.staleTime
}

// IsFetching reports whether a fetch is in flight for key.
func (c *Cache) IsFetching(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key.String())
	return ok && e.fetch != nil
}

// Remove drops key from the cache, cancelling any fetch in flight for it.
func (c *Cache) Remove(key Key) {
	s := key.String()
	c.mu.Lock()
	e, ok := c.lookup(s)
	if ok && e.fetch != nil {
		e.fetch.cancel()
		e.fetch = nil
	}
	c.entries.Remove(s)
	c.mu.Unlock()
	c.flight.Forget(s)

	if ok && e.hasValue {
		c.notify(ChangeEvent{Kind: ChangeRemoved, Key: key})
	}
}

// Clear drops every entry and cancels all fetches in flight.
func (c *Cache) Clear() {
	c.mu.Lock()
	all := c.entries.Values()
	for _, e := range all {
		if e.fetch != nil {
			e.fetch.cancel()
			e.fetch = nil
		}
	}
	c.entries.Purge()
	c.mu.Unlock()
	for _, e := range all {
		c.flight.Forget(e.key.String())
	}
}

// Len returns the number of keys holding a value.
func (c *Cache) Len() int {
	return len(c.Keys())
}

// Keys returns every key currently holding a value.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []Key
	for _, e := range c.entries.Values() {
		if e.hasValue {
			keys = append(keys, cloneKey(e.key))
		}
	}
	return keys
}

// ── Fetching ──────────────────────────────────────────────

// Fetch runs fn and stores its result under key. Concurrent fetches for one
// key share a single call. The fetch runs detached from ctx's cancellation;
// ctx only bounds how long this caller waits. The result is discarded if the
// fetch was cancelled with CancelInFlight, even when fn ignores cancellation.
func (c *Cache) Fetch(ctx context.Context, key Key, fn FetchFunc) (any, error) {
	s := key.String()
	ch := c.flight.DoChan(s, func() (any, error) {
		return c.runFetch(ctx, key, s, fn)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) runFetch(ctx context.Context, key Key, s string, fn FetchFunc) (any, error) {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	f := &inflight{cancel: cancel}

	c.mu.Lock()
	e, ok := c.lookup(s)
	if !ok {
		e = &entry{key: cloneKey(key)}
		c.touch(s, e)
	}
	e.fetch = f
	c.mu.Unlock()

	v, err := fn(fctx)

	c.mu.Lock()
	e, ok = c.lookup(s)
	if !ok || e.fetch != f {
		c.mu.Unlock()
		c.logger.Debug("discarded cancelled fetch", "key", s)
		return nil, ErrQueryCancelled
	}
	e.fetch = nil
	if err != nil {
		if !e.hasValue {
			c.entries.Remove(s)
		}
		c.mu.Unlock()
		return nil, err
	}
	e.value = v
	e.hasValue = true
	e.updatedAt = c.now()
	e.invalidated = false
	c.touch(s, e)
	c.mu.Unlock()

	c.notify(ChangeEvent{Kind: ChangeWritten, Key: key, Value: v})
	return v, nil
}

// CancelInFlight cancels the fetch in flight for key, if any. Its result,
// whenever it arrives, is not written to the cache.
func (c *Cache) CancelInFlight(key Key) bool {
	s := key.String()
	c.mu.Lock()
	e, ok := c.lookup(s)
	if !ok || e.fetch == nil {
		c.mu.Unlock()
		return false
	}
	e.fetch.cancel()
	e.fetch = nil
	if !e.hasValue {
		c.entries.Remove(s)
	}
	c.mu.Unlock()
	c.flight.Forget(s)
	return true
}

// Query returns the cached value for key when it is fresh and fetches it
// otherwise.
func (c *Cache) Query(ctx context.Context, key Key, fn FetchFunc) (any, error) {
	if v, ok := c.Read(key); ok && !c.IsStale(key) {
		return v, nil
	}
	return c.Fetch(ctx, key, fn)
}

// ── Snapshots ─────────────────────────────────────────────

// Snapshot is the state of one key captured at a point in time.
type Snapshot struct {
	key         Key
	value       any
	exists      bool
	updatedAt   time.Time
	invalidated bool
}

// Key returns the snapshotted key.
func (s Snapshot) Key() Key { return s.key }

// Value returns the snapshotted value and whether one existed.
func (s Snapshot) Value() (any, bool) { return s.value, s.exists }

// Snapshot captures the current state of key.
func (c *Cache) Snapshot(key Key) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{key: cloneKey(key)}
	if e, ok := c.lookup(key.String()); ok && e.hasValue {
		snap.value = e.value
		snap.exists = true
		snap.updatedAt = e.updatedAt
		snap.invalidated = e.invalidated
	}
	return snap
}

// Restore puts key back exactly as it was when snap was taken.
func (c *Cache) Restore(snap Snapshot) {
	s := snap.key.String()
	c.mu.Lock()
	e, ok := c.lookup(s)
	if !snap.exists {
		if ok {
			e.value = nil
			e.hasValue = false
			if e.fetch == nil {
				c.entries.Remove(s)
			}
		}
		c.mu.Unlock()
		if ok {
			c.notify(ChangeEvent{Kind: ChangeRemoved, Key: snap.key})
		}
		return
	}
	if !ok {
		e = &entry{key: cloneKey(snap.key)}
	}
	e.value = snap.value
	e.hasValue = true
	e.updatedAt = snap.updatedAt
	e.invalidated = snap.invalidated
	c.touch(s, e)
	c.mu.Unlock()

	c.notify(ChangeEvent{Kind: ChangeRestored, Key: snap.key, Value: snap.value})
}

// ============================================================================
// Typed helpers
// ============================================================================

// ReadAs returns the value under key if it is cached with type T.
func ReadAs[T any](c *Cache, key Key) (T, bool) {
	v, ok := c.Read(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// UpdateAs patches the value under key when it is cached with type T.
func UpdateAs[T any](c *Cache, key Key, fn func(T) T) bool {
	return c.Update(key, func(current any) (any, bool) {
		t, ok := current.(T)
		if !ok {
			return nil, false
		}
		return fn(t), true
	})
}

// QueryAs is Query with a typed fetcher and result.
func QueryAs[T any](ctx context.Context, c *Cache, key Key, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.Query(ctx, key, func(ctx context.Context) (any, error) {
		t, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("clenzy: cached value for %s is %T, not %T", key, v, zero)
	}
	return t, nil
}

// entity is a list item carrying an id for deduplication.
type entity interface {
	EntityID() int64
}

// appendUnique returns a copy of list with item appended, or list itself and
// false when an item with the same id is already present.
func appendUnique[T entity](list []T, item T) ([]T, bool) {
	for _, existing := range list {
		if existing.EntityID() == item.EntityID() {
			return list, false
		}
	}
	out := make([]T, 0, len(list)+1)
	out = append(out, list...)
	return append(out, item), true
}
