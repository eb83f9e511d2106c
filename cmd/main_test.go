package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/campusops/entitycache/internal/cache"
	"github.com/campusops/entitycache/internal/catalog"
	"github.com/campusops/entitycache/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildStore(t *testing.T) {
	tests := []struct {
		name        string
		cfg         func(t *testing.T) config.CacheConfig
		wantDurable bool
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Namespace: "campus"}
			},
		},
		{
			name: "constructs valkey tier",
			cfg: func(t *testing.T) config.CacheConfig {
				srv := miniredis.RunT(t)
				return config.CacheConfig{
					Namespace: "campus",
					Backend:   "valkey",
					Valkey:    config.ValkeyConfig{Address: srv.Addr()},
				}
			},
			wantDurable: true,
		},
		{
			name: "falls back to memory when valkey is unreachable",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Namespace: "campus",
					Backend:   "valkey",
					Valkey:    config.ValkeyConfig{Address: "127.0.0.1:1"},
				}
			},
		},
		{
			name: "unsupported backend degrades to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Namespace: "campus", Backend: "memcached"}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, durable := buildStore(newTestLogger(), tc.cfg(t))
			require.NotNil(t, store)
			t.Cleanup(func() { _ = store.Close(context.Background()) })

			_, durableCount, err := store.Sizes(context.Background())
			require.NoError(t, err)
			if tc.wantDurable {
				require.NotNil(t, durable)
				require.EqualValues(t, 0, durableCount)
			} else {
				require.Nil(t, durable)
				require.EqualValues(t, -1, durableCount, "memory-only store reports no durable tier")
			}
		})
	}
}

// newRuntimeFixture wires an adminRuntime over a memory store and a canned
// remote API.
func newRuntimeFixture(t *testing.T) (*adminRuntime, *catalog.Catalog) {
	t.Helper()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/dashboard":
			_, _ = w.Write([]byte(`{"schools":1,"books":2}`))
		case r.URL.Path == "/schools" || r.URL.Path == "/books" ||
			strings.HasSuffix(r.URL.Path, "/classes"):
			_, _ = w.Write([]byte(`[]`))
		default:
			_, _ = w.Write([]byte(`{"id":"5"}`))
		}
	}))
	t.Cleanup(api.Close)

	client, err := catalog.NewHTTPClient(api.URL, "", time.Second)
	require.NoError(t, err)

	builder := cache.NewBuilder("campus")
	store := cache.NewTiered(cache.NewMemory(), newTestLogger())
	ttls, err := config.DefaultConfig().Cache.TTL.Durations()
	require.NoError(t, err)

	cat, err := catalog.New(client, builder, store, ttls, nil, newTestLogger(), nil)
	require.NoError(t, err)

	monitor := cache.NewSessionMonitor(cat.Caches(), store, nil, "", newTestLogger(), nil)
	rt := &adminRuntime{builder: builder, store: store, catalog: cat, monitor: monitor}
	return rt, cat
}

func TestAdminRuntimeStats(t *testing.T) {
	rt, cat := newRuntimeFixture(t)
	ctx := context.Background()

	stats, err := rt.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, "campus", stats.Namespace)
	require.EqualValues(t, 0, stats.MemoryEntries)
	require.EqualValues(t, -1, stats.DurableEntries)
	require.Len(t, stats.Entities, len(cache.EntityTypes()))

	_, err = cat.Books(ctx)
	require.NoError(t, err)

	stats, err = rt.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.MemoryEntries)
}

func TestAdminRuntimeInvalidateKeyRoutesToFamily(t *testing.T) {
	rt, cat := newRuntimeFixture(t)
	ctx := context.Background()

	_, err := cat.Book(ctx, "5")
	require.NoError(t, err)

	detail := cat.Cache(cache.EntityBookDetail)
	key, err := rt.builder.Build(cache.EntityBookDetail, cache.Params{"bookId": "5"})
	require.NoError(t, err)
	_, ok := detail.Peek(ctx, key)
	require.True(t, ok)

	require.NoError(t, rt.InvalidateKey(ctx, key))
	_, ok = detail.Peek(ctx, key)
	require.False(t, ok)

	require.ErrorContains(t, rt.InvalidateKey(ctx, "otherapp:BookDetail:bookId=5"),
		"matches no entity family")
}

func TestAdminRuntimeInvalidatePrefix(t *testing.T) {
	rt, cat := newRuntimeFixture(t)
	ctx := context.Background()

	_, err := cat.Topic(ctx, "5", "9")
	require.NoError(t, err)
	_, err = cat.Topic(ctx, "55", "9")
	require.NoError(t, err)
	_, err = cat.Book(ctx, "5")
	require.NoError(t, err)

	// A prefix narrower than the family purges only matching keys.
	scoped, err := rt.builder.ScopedPrefix(cache.EntityTopicDetail, cache.Params{"bookId": "5"})
	require.NoError(t, err)
	require.NoError(t, rt.InvalidatePrefix(ctx, scoped))

	topics := cat.Cache(cache.EntityTopicDetail)
	keep, err := rt.builder.Build(cache.EntityTopicDetail, cache.Params{"bookId": "55", "topicId": "9"})
	require.NoError(t, err)
	gone, err := rt.builder.Build(cache.EntityTopicDetail, cache.Params{"bookId": "5", "topicId": "9"})
	require.NoError(t, err)
	_, ok := topics.Peek(ctx, keep)
	require.True(t, ok)
	_, ok = topics.Peek(ctx, gone)
	require.False(t, ok)

	// The bare namespace is broader than every family and clears them all.
	require.NoError(t, rt.InvalidatePrefix(ctx, "campus:"))
	memory, _, err := rt.store.Sizes(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, memory)

	require.ErrorContains(t, rt.InvalidatePrefix(ctx, "otherapp:"), "matches no entity family")
}

func TestAdminRuntimeEndSessionClearsEverything(t *testing.T) {
	rt, cat := newRuntimeFixture(t)
	ctx := context.Background()

	_, err := cat.Books(ctx)
	require.NoError(t, err)
	_, err = cat.Dashboard(ctx)
	require.NoError(t, err)

	require.NoError(t, rt.EndSession(ctx))

	memory, _, err := rt.store.Sizes(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, memory)
}
