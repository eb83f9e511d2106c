package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Freshness classifies a store lookup result.
type Freshness int

const (
	// Absent means no entry is physically present for the key.
	Absent Freshness = iota
	// Stale means an entry is present but its TTL has elapsed. Stale entries
	// stay in both tiers until overwritten, invalidated, or cleared, so a
	// failed refresh can still fall back to the prior value.
	Stale
	// Fresh means the entry is inside its TTL and may be served directly.
	Fresh
)

// Tier is one storage layer of the cache. Tiers report physical presence only;
// freshness is judged by the store. Unreadable records are deleted and
// reported as misses; surfacing errors is reserved for transport failures.
type Tier interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Store is the write-through composition consumed by the entity caches.
type Store interface {
	Get(ctx context.Context, key string) (Entry, Freshness, error)
	Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
	Close(ctx context.Context) error
}

// Tiered layers a fast in-process tier over an optional durable tier. Writes
// go to both tiers; reads prefer the in-process tier and hydrate it from the
// durable tier on a hit, so a restarted process warms itself from whatever
// the durable tier still holds.
type Tiered struct {
	memory  Tier
	durable Tier
	logger  *slog.Logger
	now     func() time.Time
}

// TieredOption adjusts a Tiered store during construction.
type TieredOption func(*Tiered)

// WithDurable attaches a durable tier. Without one the store is memory-only.
func WithDurable(d Tier) TieredOption {
	return func(t *Tiered) { t.durable = d }
}

// WithClock overrides the store's time source, used by tests to simulate TTL
// expiry without sleeping.
func WithClock(now func() time.Time) TieredOption {
	return func(t *Tiered) { t.now = now }
}

// NewTiered builds the store around the given in-process tier.
func NewTiered(memory Tier, logger *slog.Logger, opts ...TieredOption) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tiered{
		memory: memory,
		logger: logger.With(slog.String("agent", "cache_store")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get checks the in-process tier first and falls back to the durable tier,
// hydrating the in-process tier on a durable hit. An entry past its TTL is
// reported Stale with its value intact rather than evicted; only overwrites,
// invalidations, and clears remove entries. Durable-tier failures are logged
// and reported as misses so a flaky backing store degrades to extra fetches
// instead of surfacing errors.
func (t *Tiered) Get(ctx context.Context, key string) (Entry, Freshness, error) {
	entry, ok, err := t.memory.Get(ctx, key)
	if err != nil {
		return Entry{}, Absent, err
	}
	if ok {
		return entry, t.freshness(entry), nil
	}
	if t.durable == nil {
		return Entry{}, Absent, nil
	}
	entry, ok, err = t.durable.Get(ctx, key)
	if err != nil {
		t.logger.Warn("durable tier lookup failed", slog.String("key", key), slog.Any("error", err))
		return Entry{}, Absent, nil
	}
	if !ok {
		return Entry{}, Absent, nil
	}
	if err := t.memory.Put(ctx, key, entry); err != nil {
		t.logger.Warn("hydrate failed", slog.String("key", key), slog.Any("error", err))
	}
	return entry, t.freshness(entry), nil
}

func (t *Tiered) freshness(entry Entry) Freshness {
	if entry.Fresh(t.now()) {
		return Fresh
	}
	return Stale
}

// Set stamps and writes the entry through both tiers. A durable-tier write
// failure is logged but not returned; the in-process tier stays authoritative
// for the current process.
func (t *Tiered) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	entry := NewEntry(data, t.now(), ttl)
	if err := t.memory.Put(ctx, key, entry); err != nil {
		return err
	}
	if t.durable != nil {
		if err := t.durable.Put(ctx, key, entry); err != nil {
			t.logger.Warn("durable tier store failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return nil
}

// Delete removes the key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	if err := t.memory.Delete(ctx, key); err != nil {
		return err
	}
	if t.durable != nil {
		if err := t.durable.Delete(ctx, key); err != nil {
			t.logger.Warn("durable tier delete failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return nil
}

// DeleteByPrefix purges a whole key family from both tiers.
func (t *Tiered) DeleteByPrefix(ctx context.Context, prefix string) error {
	if err := t.memory.DeleteByPrefix(ctx, prefix); err != nil {
		return err
	}
	if t.durable != nil {
		if err := t.durable.DeleteByPrefix(ctx, prefix); err != nil {
			t.logger.Warn("durable tier prefix delete failed", slog.String("prefix", prefix), slog.Any("error", err))
		}
	}
	return nil
}

// Clear empties both tiers. Clearing an already-empty store is a no-op.
func (t *Tiered) Clear(ctx context.Context) error {
	if err := t.memory.Clear(ctx); err != nil {
		return err
	}
	if t.durable != nil {
		if err := t.durable.Clear(ctx); err != nil {
			t.logger.Warn("durable tier clear failed", slog.Any("error", err))
		}
	}
	return nil
}

// Sizes reports the entry count per tier. A missing durable tier reports -1
// so callers can tell "empty" from "not configured".
func (t *Tiered) Sizes(ctx context.Context) (memory, durable int64, err error) {
	memory, err = t.memory.Size(ctx)
	if err != nil {
		return 0, 0, err
	}
	if t.durable == nil {
		return memory, -1, nil
	}
	durable, err = t.durable.Size(ctx)
	if err != nil {
		t.logger.Warn("durable tier size failed", slog.Any("error", err))
		return memory, -1, nil
	}
	return memory, durable, nil
}

// Close releases both tiers.
func (t *Tiered) Close(ctx context.Context) error {
	if err := t.memory.Close(ctx); err != nil {
		return err
	}
	if t.durable != nil {
		return t.durable.Close(ctx)
	}
	return nil
}
