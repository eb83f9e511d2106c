package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.ttl.schoollist":         "cache.ttl.schoolList",
			"cache.ttl.classesbyschool":    "cache.ttl.classesBySchool",
			"cache.ttl.booklist":           "cache.ttl.bookList",
			"cache.ttl.bookdetail":         "cache.ttl.bookDetail",
			"cache.ttl.topicdetail":        "cache.ttl.topicDetail",
			"cache.ttl.dashboardaggregate": "cache.ttl.dashboardAggregate",
			"cache.valkey.tls.cafile":      "cache.valkey.tls.caFile",
			"remote.baseurl":               "remote.baseURL",
			"remote.timeoutseconds":        "remote.timeoutSeconds",
			"invalidation.rulesfile":       "invalidation.rulesFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__TTL__BOOKLIST -> cache.ttl.booklist).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"listen": map[string]any{
			"address": cfg.Listen.Address,
			"port":    cfg.Listen.Port,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"cache": map[string]any{
			"namespace": cfg.Cache.Namespace,
			"backend":   cfg.Cache.Backend,
			"ttl": map[string]any{
				"schoolList":         cfg.Cache.TTL.SchoolList,
				"classesBySchool":    cfg.Cache.TTL.ClassesBySchool,
				"bookList":           cfg.Cache.TTL.BookList,
				"bookDetail":         cfg.Cache.TTL.BookDetail,
				"topicDetail":        cfg.Cache.TTL.TopicDetail,
				"dashboardAggregate": cfg.Cache.TTL.DashboardAggregate,
			},
			"valkey": map[string]any{
				"address":  cfg.Cache.Valkey.Address,
				"username": cfg.Cache.Valkey.Username,
				"password": cfg.Cache.Valkey.Password,
				"db":       cfg.Cache.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Valkey.TLS.Enabled,
					"caFile":  cfg.Cache.Valkey.TLS.CAFile,
				},
			},
		},
		"remote": map[string]any{
			"baseURL":        cfg.Remote.BaseURL,
			"token":          cfg.Remote.Token,
			"timeoutSeconds": cfg.Remote.TimeoutSeconds,
		},
		"session": map[string]any{
			"channel": cfg.Session.Channel,
		},
		"invalidation": map[string]any{
			"rulesFile": cfg.Invalidation.RulesFile,
		},
	}
}
