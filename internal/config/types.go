package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/campusops/entitycache/internal/cache"
)

// Config holds every option the sidecar and the embedded cache layer need.
type Config struct {
	Listen       ListenConfig       `koanf:"listen"`
	Logging      LoggingConfig      `koanf:"logging"`
	Cache        CacheConfig        `koanf:"cache"`
	Remote       RemoteConfig       `koanf:"remote"`
	Session      SessionConfig      `koanf:"session"`
	Invalidation InvalidationConfig `koanf:"invalidation"`
}

// ListenConfig instructs the admin HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig selects the store backend, the key namespace, and the TTL table.
type CacheConfig struct {
	Namespace string       `koanf:"namespace"`
	Backend   string       `koanf:"backend"`
	TTL       TTLConfig    `koanf:"ttl"`
	Valkey    ValkeyConfig `koanf:"valkey"`
}

// TTLConfig carries one duration string per entity family. The observed
// per-screen constants land here so no screen carries its own copy.
type TTLConfig struct {
	SchoolList         string `koanf:"schoolList"`
	ClassesBySchool    string `koanf:"classesBySchool"`
	BookList           string `koanf:"bookList"`
	BookDetail         string `koanf:"bookDetail"`
	TopicDetail        string `koanf:"topicDetail"`
	DashboardAggregate string `koanf:"dashboardAggregate"`
}

// Durations parses the TTL table. Every family must be present and positive.
func (t TTLConfig) Durations() (map[cache.EntityType]time.Duration, error) {
	raw := map[cache.EntityType]string{
		cache.EntitySchoolList:         t.SchoolList,
		cache.EntityClassesBySchool:    t.ClassesBySchool,
		cache.EntityBookList:           t.BookList,
		cache.EntityBookDetail:         t.BookDetail,
		cache.EntityTopicDetail:        t.TopicDetail,
		cache.EntityDashboardAggregate: t.DashboardAggregate,
	}
	out := make(map[cache.EntityType]time.Duration, len(raw))
	for entity, text := range raw {
		d, err := time.ParseDuration(strings.TrimSpace(text))
		if err != nil {
			return nil, fmt.Errorf("config: ttl for %s: %w", entity, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("config: ttl for %s must be positive", entity)
		}
		out[entity] = d
	}
	return out, nil
}

// ValkeyConfig describes the durable tier connection.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

// ValkeyTLSConfig controls TLS for the durable tier connection.
type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// RemoteConfig points at the administrative API the caches read through.
type RemoteConfig struct {
	BaseURL        string `koanf:"baseURL"`
	Token          string `koanf:"token"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// SessionConfig names the pub/sub channel carrying session-boundary signals.
type SessionConfig struct {
	Channel string `koanf:"channel"`
}

// InvalidationConfig points at an optional rules file extending the built-in
// cascade table.
type InvalidationConfig struct {
	RulesFile string `koanf:"rulesFile"`
}

// DefaultConfig returns the documented defaults. The TTL values mirror what
// the admin screens historically used per family.
func DefaultConfig() Config {
	return Config{
		Listen:  ListenConfig{Address: "127.0.0.1", Port: 8790},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Cache: CacheConfig{
			Namespace: "campus",
			Backend:   "memory",
			TTL: TTLConfig{
				SchoolList:         "30m",
				ClassesBySchool:    "30m",
				BookList:           "10m",
				BookDetail:         "10m",
				TopicDetail:        "5m",
				DashboardAggregate: "2m",
			},
		},
		Remote:  RemoteConfig{TimeoutSeconds: 10},
		Session: SessionConfig{Channel: "campus:session"},
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Listen.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.Cache.Backend)) {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(c.Cache.Valkey.Address) == "" {
			return errors.New("config: valkey backend requires an address")
		}
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Cache.Backend)
	}
	if strings.TrimSpace(c.Cache.Namespace) == "" {
		return errors.New("config: cache namespace required")
	}
	if _, err := c.Cache.TTL.Durations(); err != nil {
		return err
	}
	if c.Remote.TimeoutSeconds < 0 {
		return errors.New("config: remote timeout must not be negative")
	}
	return nil
}
