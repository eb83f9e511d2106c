package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/campusops/entitycache/internal/metrics"
)

// Coordinator maps mutations to the cache keys they poison. Apply is called
// synchronously right after a mutation's remote call succeeds. Never before,
// so a failed write cannot purge correct data, and never deferred, so a read
// cannot repopulate a key the purge was about to remove.
type Coordinator struct {
	builder  *Builder
	compiler *ruleCompiler
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu     sync.RWMutex
	caches map[EntityType]*EntityCache
	rules  []compiledRule
}

// NewCoordinator wires the coordinator to the caches it may purge and loads
// the given rules (DefaultRules when nil).
func NewCoordinator(builder *Builder, caches []*EntityCache, rules []RuleConfig, logger *slog.Logger, rec *metrics.Recorder) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiler, err := newRuleCompiler()
	if err != nil {
		return nil, err
	}
	byEntity := make(map[EntityType]*EntityCache, len(caches))
	for _, c := range caches {
		byEntity[c.Entity()] = c
	}
	co := &Coordinator{
		builder:  builder,
		compiler: compiler,
		logger:   logger.With(slog.String("agent", "invalidation")),
		metrics:  rec,
		caches:   byEntity,
	}
	if rules == nil {
		rules = DefaultRules()
	}
	if err := co.Load(rules); err != nil {
		return nil, err
	}
	return co, nil
}

// Load compiles and atomically swaps the rule table. Used at startup and by
// the rules-file watcher on hot reload.
func (co *Coordinator) Load(configs []RuleConfig) error {
	known := make(map[EntityType]struct{}, len(co.caches))
	for entity := range co.caches {
		known[entity] = struct{}{}
	}
	rules, err := co.compiler.compile(known, configs)
	if err != nil {
		return err
	}
	co.mu.Lock()
	co.rules = rules
	co.mu.Unlock()
	co.logger.Info("invalidation rules loaded", slog.Int("rules", len(rules)))
	return nil
}

// Apply purges every key affected by the mutation. Rules whose guard rejects
// the context are skipped; a guard or rendering failure aborts the cascade
// with an error so the caller knows the caches may still hold stale data.
func (co *Coordinator) Apply(ctx context.Context, kind MutationKind, mctx MutationContext) error {
	co.mu.RLock()
	rules := co.rules
	co.mu.RUnlock()

	applied := false
	for _, rule := range rules {
		if rule.trigger != kind {
			continue
		}
		match, err := rule.evalGuard(mctx)
		if err != nil {
			return err
		}
		if !match {
			continue
		}
		for _, purge := range rule.purges {
			if err := co.applyPurge(ctx, purge, mctx); err != nil {
				return err
			}
		}
		applied = true
	}
	if applied {
		co.metrics.ObserveInvalidation(string(kind))
	} else {
		co.logger.Debug("no invalidation rule matched", slog.String("trigger", string(kind)))
	}
	return nil
}

func (co *Coordinator) applyPurge(ctx context.Context, purge compiledPurge, mctx MutationContext) error {
	cache, ok := co.caches[purge.entity]
	if !ok {
		return fmt.Errorf("cache: no cache registered for entity %q", purge.entity)
	}
	params, err := purge.renderParams(mctx)
	if err != nil {
		return err
	}
	if purge.prefix {
		prefix, err := co.builder.ScopedPrefix(purge.entity, params)
		if err != nil {
			return err
		}
		co.logger.Debug("purging prefix", slog.String("prefix", prefix))
		return cache.InvalidatePrefix(ctx, prefix)
	}
	key, err := co.builder.Build(purge.entity, params)
	if err != nil {
		return err
	}
	co.logger.Debug("purging key", slog.String("key", key))
	return cache.Invalidate(ctx, key)
}
