package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/campusops/entitycache/internal/cache"
	"github.com/campusops/entitycache/internal/catalog"
	"github.com/campusops/entitycache/internal/config"
	"github.com/campusops/entitycache/internal/logging"
	"github.com/campusops/entitycache/internal/metrics"
	"github.com/campusops/entitycache/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file")
		envPrefix  = flag.String("env-prefix", "ENTITYCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	ttls, err := cfg.Cache.TTL.Durations()
	if err != nil {
		logger.Error("invalid ttl table", slog.Any("error", err))
		os.Exit(1)
	}
	builder := cache.NewBuilder(cfg.Cache.Namespace)

	store, durable := buildStore(logger, cfg.Cache)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	remote, err := catalog.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.Token,
		time.Duration(cfg.Remote.TimeoutSeconds)*time.Second)
	if err != nil {
		logger.Error("remote client setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	rules, err := config.LoadRules(cfg.Invalidation.RulesFile)
	if err != nil {
		logger.Error("invalidation rules load failed", slog.Any("error", err))
		os.Exit(1)
	}

	cat, err := catalog.New(remote, builder, store, ttls, rules, logger, recorder)
	if err != nil {
		logger.Error("catalog setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.Invalidation.RulesFile != "" {
		watcher, err := config.WatchRules(ctx, cfg.Invalidation.RulesFile, func(rules []cache.RuleConfig) {
			if err := cat.Coordinator().Load(rules); err != nil {
				logger.Error("invalidation rules reload failed", slog.Any("error", err))
				return
			}
			// A reload must not leave entries the new rules would have purged.
			for _, ec := range cat.Caches() {
				if err := ec.ClearFamily(ctx); err != nil {
					logger.Warn("post-reload purge failed",
						slog.String("entity", string(ec.Entity())), slog.Any("error", err))
				}
			}
			logger.Info("invalidation rules reloaded", slog.Int("rules", len(rules)))
		}, func(err error) {
			logger.Error("rules watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("rules watcher setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer watcher.Stop()
	}

	var sessionClient valkey.Client
	if durable != nil {
		sessionClient = durable.Client()
	}
	monitor := cache.NewSessionMonitor(cat.Caches(), store, sessionClient, cfg.Session.Channel, logger, recorder)
	go func() {
		if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session monitor stopped", slog.Any("error", err))
		}
	}()

	rt := &adminRuntime{
		builder: builder,
		store:   store,
		catalog: cat,
		monitor: monitor,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", server.NewHandler(rt, logger))

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildStore assembles the tiered store per configuration. The durable tier is
// optional; without it the signal channel degrades to local-only clearing.
func buildStore(logger *slog.Logger, cfg config.CacheConfig) (*cache.Tiered, *cache.ValkeyTier) {
	memory := cache.NewMemory()
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory-only cache store")
		return cache.NewTiered(memory, logger), nil
	case "valkey":
		durable, err := cache.NewValkey(cache.ValkeyConfig{
			Address:   cfg.Valkey.Address,
			Username:  cfg.Valkey.Username,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			Namespace: cfg.Namespace,
			TLS: cache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey tier initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory-only store")
			return cache.NewTiered(memory, logger), nil
		}
		logger.Info("using valkey durable tier", slog.String("address", cfg.Valkey.Address))
		return cache.NewTiered(memory, logger, cache.WithDurable(durable)), durable
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewTiered(memory, logger), nil
	}
}
