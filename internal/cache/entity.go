package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/campusops/entitycache/internal/metrics"
)

// FetchFunc loads an entity from the remote collaborator. It must be
// idempotent; the cache may drop its result if the key was invalidated while
// the fetch was outstanding.
type FetchFunc func(ctx context.Context) (any, error)

// EventKind classifies a change notification.
type EventKind string

const (
	// EventUpdated fires after a fetched value is written to the store.
	EventUpdated EventKind = "updated"
	// EventInvalidated fires when a key or prefix is purged by a mutation.
	EventInvalidated EventKind = "invalidated"
	// EventCleared fires when the whole family is wiped, e.g. at a session boundary.
	EventCleared EventKind = "cleared"
)

// Event notifies a subscriber that a key's cached value changed or vanished.
type Event struct {
	Key  string
	Kind EventKind
}

// flight tracks one outstanding fetch. refs counts the waiters plus the
// executing callback; the map entry lives exactly as long as someone holds a
// reference, so an invalidation can always find and bar the flight.
type flight struct {
	refs   int
	barred bool
}

// EntityCache wraps the store with read-through semantics for one entity
// family: freshness evaluation, in-flight request coalescing, suppression of
// writes that resolve after their key was invalidated, and per-key change
// subscriptions.
type EntityCache struct {
	entity  EntityType
	prefix  string
	ttl     time.Duration
	store   Store
	logger  *slog.Logger
	metrics *metrics.Recorder

	group singleflight.Group

	mu        sync.Mutex
	flights   map[string]*flight
	subs      map[string]map[int]func(Event)
	nextSubID int
}

// NewEntity builds the cache for one family. The builder supplies the family
// prefix so ClearFamily and the session monitor purge exactly this family's
// keys.
func NewEntity(entity EntityType, builder *Builder, store Store, ttl time.Duration, logger *slog.Logger, rec *metrics.Recorder) *EntityCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityCache{
		entity:  entity,
		prefix:  builder.FamilyPrefix(entity),
		ttl:     ttl,
		store:   store,
		logger:  logger.With(slog.String("agent", "entity_cache"), slog.String("entity", string(entity))),
		metrics: rec,
		flights: make(map[string]*flight),
		subs:    make(map[string]map[int]func(Event)),
	}
}

// Entity returns the family this cache serves.
func (c *EntityCache) Entity() EntityType { return c.entity }

// TTL returns the family's configured time-to-live.
func (c *EntityCache) TTL() time.Duration { return c.ttl }

// GetOrFetch returns the cached value for key when fresh, otherwise runs the
// fetcher through the in-flight registry so concurrent callers for the same
// key share exactly one remote call. A fetch failure is propagated to every
// waiter and never disturbs a previously cached value. A caller whose context
// ends detaches without affecting the fetch or the other waiters.
func (c *EntityCache) GetOrFetch(ctx context.Context, key string, fetcher FetchFunc) (json.RawMessage, error) {
	entry, state, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("store lookup failed", slog.String("key", key), slog.Any("error", err))
	}
	switch state {
	case Fresh:
		c.metrics.ObserveLookup(string(c.entity), metrics.LookupHit)
		return entry.Data, nil
	case Stale:
		// The prior value stays in the store while the refresh runs; a failed
		// refresh leaves it for Peek and the next attempt.
		c.metrics.ObserveLookup(string(c.entity), metrics.LookupStale)
	default:
		c.metrics.ObserveLookup(string(c.entity), metrics.LookupMiss)
	}

	st, coalesced := c.acquireFlight(key)
	defer c.releaseFlight(key, st)
	if coalesced {
		c.metrics.ObserveFetch(string(c.entity), metrics.FetchCoalesced, 0)
	}

	// The fetch must not die with the first caller, so it runs detached from
	// this caller's cancellation.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(fetchCtx, key, st, fetcher)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	}
}

// fetch executes the remote call on behalf of every coalesced waiter and
// decides whether the result may be written back. A result that resolved
// after its key was invalidated is returned to the waiters but never stored.
func (c *EntityCache) fetch(ctx context.Context, key string, st *flight, fetcher FetchFunc) (any, error) {
	c.beginFlight(st)
	defer c.releaseFlight(key, st)

	start := time.Now()
	value, err := fetcher(ctx)
	if err != nil {
		c.metrics.ObserveFetch(string(c.entity), metrics.FetchError, time.Since(start))
		return nil, err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		c.metrics.ObserveFetch(string(c.entity), metrics.FetchError, time.Since(start))
		return nil, fmt.Errorf("cache: encode %s: %w", key, err)
	}

	if c.flightBarred(st) {
		c.metrics.ObserveFetch(string(c.entity), metrics.FetchDiscarded, time.Since(start))
		return json.RawMessage(payload), nil
	}
	if err := c.store.Set(ctx, key, payload, c.ttl); err != nil {
		c.logger.Warn("store write failed", slog.String("key", key), slog.Any("error", err))
		c.metrics.ObserveFetch(string(c.entity), metrics.FetchFetched, time.Since(start))
		return json.RawMessage(payload), nil
	}
	// An invalidation that raced the write above already deleted the key; if
	// it barred us after the check, take the write back out.
	if c.flightBarred(st) {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("late write cleanup failed", slog.String("key", key), slog.Any("error", err))
		}
		c.metrics.ObserveFetch(string(c.entity), metrics.FetchDiscarded, time.Since(start))
		return json.RawMessage(payload), nil
	}
	c.notify(key, EventUpdated)
	c.metrics.ObserveFetch(string(c.entity), metrics.FetchFetched, time.Since(start))
	return json.RawMessage(payload), nil
}

// Peek returns the cached value for key without ever triggering a fetch. A
// stale value is still served; only an absent or invalidated key misses.
func (c *EntityCache) Peek(ctx context.Context, key string) (json.RawMessage, bool) {
	entry, state, err := c.store.Get(ctx, key)
	if err != nil || state == Absent {
		return nil, false
	}
	return entry.Data, true
}

// Invalidate removes the key from both tiers. Any fetch outstanding for the
// key is barred so its eventual result is discarded instead of written back.
func (c *EntityCache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	if st := c.flights[key]; st != nil {
		st.barred = true
	}
	c.mu.Unlock()
	if err := c.store.Delete(ctx, key); err != nil {
		return err
	}
	c.notify(key, EventInvalidated)
	return nil
}

// InvalidatePrefix removes every key under the prefix, barring outstanding
// fetches for any of them.
func (c *EntityCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.barFlights(prefix)
	if err := c.store.DeleteByPrefix(ctx, prefix); err != nil {
		return err
	}
	c.notifyPrefix(prefix, EventInvalidated)
	return nil
}

// ClearFamily wipes this family's keys. The session monitor calls this on
// every registered cache before clearing the shared store outright.
func (c *EntityCache) ClearFamily(ctx context.Context) error {
	c.barFlights(c.prefix)
	if err := c.store.DeleteByPrefix(ctx, c.prefix); err != nil {
		return err
	}
	c.notifyPrefix(c.prefix, EventCleared)
	return nil
}

// Subscribe registers a per-key change listener and returns its cancel
// function. Listeners run synchronously on the goroutine that changed the
// entry, so they must be quick and must not call back into the cache.
func (c *EntityCache) Subscribe(key string, fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	listeners := c.subs[key]
	if listeners == nil {
		listeners = make(map[int]func(Event))
		c.subs[key] = listeners
	}
	listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if listeners := c.subs[key]; listeners != nil {
			delete(listeners, id)
			if len(listeners) == 0 {
				delete(c.subs, key)
			}
		}
	}
}

func (c *EntityCache) acquireFlight(key string) (*flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.flights[key]
	coalesced := st != nil
	if st == nil {
		st = &flight{}
		c.flights[key] = st
	}
	st.refs++
	return st, coalesced
}

// beginFlight marks the start of one remote call. A bar left over from an
// invalidation that completed before this call began is cleared: suppression
// only applies to results whose remote read overlapped the invalidation.
func (c *EntityCache) beginFlight(st *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.refs++
	st.barred = false
}

func (c *EntityCache) releaseFlight(key string, st *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.refs--
	if st.refs == 0 && c.flights[key] == st {
		delete(c.flights, key)
	}
}

func (c *EntityCache) flightBarred(st *flight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.barred
}

func (c *EntityCache) barFlights(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, st := range c.flights {
		if strings.HasPrefix(key, prefix) {
			st.barred = true
		}
	}
}

func (c *EntityCache) notify(key string, kind EventKind) {
	c.mu.Lock()
	listeners := make([]func(Event), 0, len(c.subs[key]))
	for _, fn := range c.subs[key] {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(Event{Key: key, Kind: kind})
	}
}

func (c *EntityCache) notifyPrefix(prefix string, kind EventKind) {
	type pending struct {
		key string
		fn  func(Event)
	}
	c.mu.Lock()
	var listeners []pending
	for key, subs := range c.subs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, fn := range subs {
			listeners = append(listeners, pending{key: key, fn: fn})
		}
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l.fn(Event{Key: l.key, Kind: kind})
	}
}
