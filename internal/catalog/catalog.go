package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/campusops/entitycache/internal/cache"
	"github.com/campusops/entitycache/internal/metrics"
)

// Catalog owns one EntityCache per entity family and routes every read
// through it. Mutations call the remote API first and apply the invalidation
// cascade only after the remote write succeeded.
type Catalog struct {
	client      Client
	builder     *cache.Builder
	coordinator *cache.Coordinator
	caches      map[cache.EntityType]*cache.EntityCache
	logger      *slog.Logger
}

// New wires the caches for every entity family over the shared store. The ttls
// table must name every family; rules may be nil to run the built-in cascade
// table.
func New(client Client, builder *cache.Builder, store cache.Store, ttls map[cache.EntityType]time.Duration, rules []cache.RuleConfig, logger *slog.Logger, rec *metrics.Recorder) (*Catalog, error) {
	if client == nil {
		return nil, fmt.Errorf("catalog: remote client required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	caches := make(map[cache.EntityType]*cache.EntityCache, len(cache.EntityTypes()))
	ordered := make([]*cache.EntityCache, 0, len(cache.EntityTypes()))
	for _, entity := range cache.EntityTypes() {
		ttl, ok := ttls[entity]
		if !ok || ttl <= 0 {
			return nil, fmt.Errorf("catalog: no ttl configured for %s", entity)
		}
		ec := cache.NewEntity(entity, builder, store, ttl, logger, rec)
		caches[entity] = ec
		ordered = append(ordered, ec)
	}

	coordinator, err := cache.NewCoordinator(builder, ordered, rules, logger, rec)
	if err != nil {
		return nil, err
	}

	return &Catalog{
		client:      client,
		builder:     builder,
		coordinator: coordinator,
		caches:      caches,
		logger:      logger.With(slog.String("agent", "catalog")),
	}, nil
}

// Coordinator exposes the invalidation coordinator for rule hot reload.
func (c *Catalog) Coordinator() *cache.Coordinator { return c.coordinator }

// Caches returns every entity cache, for the session monitor and the admin
// surface.
func (c *Catalog) Caches() []*cache.EntityCache {
	out := make([]*cache.EntityCache, 0, len(c.caches))
	for _, entity := range cache.EntityTypes() {
		out = append(out, c.caches[entity])
	}
	return out
}

// Cache returns the cache for one family, or nil for an unknown family.
func (c *Catalog) Cache(entity cache.EntityType) *cache.EntityCache {
	return c.caches[entity]
}

// Schools returns the cached school list, fetching on miss.
func (c *Catalog) Schools(ctx context.Context) ([]School, error) {
	return readThrough[[]School](ctx, c, cache.EntitySchoolList, nil, func(ctx context.Context) (any, error) {
		return c.client.FetchSchools(ctx)
	})
}

// ClassesBySchool returns the cached roster for one school.
func (c *Catalog) ClassesBySchool(ctx context.Context, schoolID string) ([]Class, error) {
	params := cache.Params{"schoolId": schoolID}
	return readThrough[[]Class](ctx, c, cache.EntityClassesBySchool, params, func(ctx context.Context) (any, error) {
		return c.client.FetchClasses(ctx, schoolID)
	})
}

// Books returns the cached book list.
func (c *Catalog) Books(ctx context.Context) ([]Book, error) {
	return readThrough[[]Book](ctx, c, cache.EntityBookList, nil, func(ctx context.Context) (any, error) {
		return c.client.FetchBooks(ctx)
	})
}

// Book returns the cached detail view of one book.
func (c *Catalog) Book(ctx context.Context, bookID string) (BookDetail, error) {
	params := cache.Params{"bookId": bookID}
	return readThrough[BookDetail](ctx, c, cache.EntityBookDetail, params, func(ctx context.Context) (any, error) {
		return c.client.FetchBook(ctx, bookID)
	})
}

// Topic returns the cached detail view of one topic. Keys carry the owning
// book so deleting a book purges its topics by prefix.
func (c *Catalog) Topic(ctx context.Context, bookID, topicID string) (Topic, error) {
	params := cache.Params{"bookId": bookID, "topicId": topicID}
	return readThrough[Topic](ctx, c, cache.EntityTopicDetail, params, func(ctx context.Context) (any, error) {
		return c.client.FetchTopic(ctx, bookID, topicID)
	})
}

// Dashboard returns the cached landing-page aggregate.
func (c *Catalog) Dashboard(ctx context.Context) (Dashboard, error) {
	return readThrough[Dashboard](ctx, c, cache.EntityDashboardAggregate, nil, func(ctx context.Context) (any, error) {
		return c.client.FetchDashboard(ctx)
	})
}

// CreateBook creates a book remotely and purges the affected caches.
func (c *Catalog) CreateBook(ctx context.Context, draft BookDraft) (Book, error) {
	book, err := c.client.CreateBook(ctx, draft)
	if err != nil {
		return Book{}, err
	}
	return book, c.apply(ctx, cache.MutationBookCreated, cache.MutationContext{"bookId": book.ID})
}

// UpdateBook updates a book remotely and purges the affected caches.
func (c *Catalog) UpdateBook(ctx context.Context, bookID string, draft BookDraft) (Book, error) {
	book, err := c.client.UpdateBook(ctx, bookID, draft)
	if err != nil {
		return Book{}, err
	}
	return book, c.apply(ctx, cache.MutationBookUpdated, cache.MutationContext{"bookId": bookID})
}

// SetBookPublished toggles a book's published flag remotely and purges the
// affected caches.
func (c *Catalog) SetBookPublished(ctx context.Context, bookID string, published bool) error {
	if err := c.client.SetBookPublished(ctx, bookID, published); err != nil {
		return err
	}
	mctx := cache.MutationContext{"bookId": bookID, "published": published}
	return c.apply(ctx, cache.MutationBookPublishToggled, mctx)
}

// DeleteBook deletes a book remotely and purges its detail entry, the book
// list, and every topic cached under it.
func (c *Catalog) DeleteBook(ctx context.Context, bookID string) error {
	if err := c.client.DeleteBook(ctx, bookID); err != nil {
		return err
	}
	return c.apply(ctx, cache.MutationBookDeleted, cache.MutationContext{"bookId": bookID})
}

// CreateTopic creates a topic remotely and purges the affected caches.
func (c *Catalog) CreateTopic(ctx context.Context, bookID string, draft TopicDraft) (Topic, error) {
	topic, err := c.client.CreateTopic(ctx, bookID, draft)
	if err != nil {
		return Topic{}, err
	}
	mctx := cache.MutationContext{"bookId": bookID, "topicId": topic.ID}
	return topic, c.apply(ctx, cache.MutationTopicCreated, mctx)
}

// UpdateTopic updates a topic remotely and purges the affected caches.
func (c *Catalog) UpdateTopic(ctx context.Context, bookID, topicID string, draft TopicDraft) (Topic, error) {
	topic, err := c.client.UpdateTopic(ctx, bookID, topicID, draft)
	if err != nil {
		return Topic{}, err
	}
	mctx := cache.MutationContext{"bookId": bookID, "topicId": topicID}
	return topic, c.apply(ctx, cache.MutationTopicUpdated, mctx)
}

// DeleteTopic deletes a topic remotely and purges the affected caches.
func (c *Catalog) DeleteTopic(ctx context.Context, bookID, topicID string) error {
	if err := c.client.DeleteTopic(ctx, bookID, topicID); err != nil {
		return err
	}
	mctx := cache.MutationContext{"bookId": bookID, "topicId": topicID}
	return c.apply(ctx, cache.MutationTopicDeleted, mctx)
}

// ReplaceRoster replaces a school's class roster remotely and purges its
// cached class list.
func (c *Catalog) ReplaceRoster(ctx context.Context, schoolID string, classIDs []string) error {
	if err := c.client.ReplaceRoster(ctx, schoolID, classIDs); err != nil {
		return err
	}
	return c.apply(ctx, cache.MutationRosterChanged, cache.MutationContext{"schoolId": schoolID})
}

func (c *Catalog) apply(ctx context.Context, kind cache.MutationKind, mctx cache.MutationContext) error {
	if err := c.coordinator.Apply(ctx, kind, mctx); err != nil {
		return fmt.Errorf("catalog: %s committed but cache purge failed: %w", kind, err)
	}
	return nil
}

// readThrough builds the canonical key and decodes the cached payload into the
// caller's type.
func readThrough[T any](ctx context.Context, c *Catalog, entity cache.EntityType, params cache.Params, fetch cache.FetchFunc) (T, error) {
	var out T
	key, err := c.builder.Build(entity, params)
	if err != nil {
		return out, err
	}
	raw, err := c.caches[entity].GetOrFetch(ctx, key, fetch)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("catalog: decode %s: %w", key, err)
	}
	return out, nil
}
