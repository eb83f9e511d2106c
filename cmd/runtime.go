package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/campusops/entitycache/internal/cache"
	"github.com/campusops/entitycache/internal/catalog"
	"github.com/campusops/entitycache/internal/server"
)

// adminRuntime adapts the cache layer to the admin HTTP surface.
type adminRuntime struct {
	builder *cache.Builder
	store   *cache.Tiered
	catalog *catalog.Catalog
	monitor *cache.SessionMonitor
}

func (a *adminRuntime) Stats(ctx context.Context) (server.Stats, error) {
	memory, durable, err := a.store.Sizes(ctx)
	if err != nil {
		return server.Stats{}, err
	}
	stats := server.Stats{
		Namespace:      a.builder.Namespace(),
		MemoryEntries:  memory,
		DurableEntries: durable,
	}
	for _, ec := range a.catalog.Caches() {
		stats.Entities = append(stats.Entities, server.EntityStats{
			Entity: string(ec.Entity()),
			TTL:    ec.TTL().String(),
		})
	}
	return stats, nil
}

// InvalidateKey routes the purge through the owning entity cache so in-flight
// fetches for the key are barred, not just the stored entry removed.
func (a *adminRuntime) InvalidateKey(ctx context.Context, key string) error {
	for _, ec := range a.catalog.Caches() {
		if strings.HasPrefix(key, a.builder.FamilyPrefix(ec.Entity())) {
			return ec.Invalidate(ctx, key)
		}
	}
	return fmt.Errorf("key %q matches no entity family", key)
}

func (a *adminRuntime) InvalidatePrefix(ctx context.Context, prefix string) error {
	matched := false
	for _, ec := range a.catalog.Caches() {
		family := a.builder.FamilyPrefix(ec.Entity())
		// The request prefix may be broader than one family (the bare
		// namespace) or narrower (one family scoped to a parent id).
		switch {
		case strings.HasPrefix(family, prefix):
			if err := ec.ClearFamily(ctx); err != nil {
				return err
			}
			matched = true
		case strings.HasPrefix(prefix, family):
			if err := ec.InvalidatePrefix(ctx, prefix); err != nil {
				return err
			}
			matched = true
		}
	}
	if !matched {
		return fmt.Errorf("prefix %q matches no entity family", prefix)
	}
	return nil
}

func (a *adminRuntime) EndSession(ctx context.Context) error {
	return a.monitor.PublishSessionEnded(ctx)
}
