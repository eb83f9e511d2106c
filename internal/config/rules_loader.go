package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/campusops/entitycache/internal/cache"
)

type rulesDocument struct {
	Replace bool               `koanf:"replace"`
	Rules   []cache.RuleConfig `koanf:"rules"`
}

// LoadRules reads an invalidation-rules file (yaml, json, or toml by
// extension) and merges it over the built-in cascade table. A document with
// `replace: true` discards the built-ins instead. An empty path yields the
// defaults unchanged.
func LoadRules(path string) ([]cache.RuleConfig, error) {
	if strings.TrimSpace(path) == "" {
		return cache.DefaultRules(), nil
	}
	if err := ensureFileExists(path); err != nil {
		return nil, err
	}
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load rules from %s: %w", path, err)
	}
	var doc rulesDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: decode rules from %s: %w", path, err)
	}
	if doc.Replace {
		return doc.Rules, nil
	}
	return append(cache.DefaultRules(), doc.Rules...), nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: rules file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: rules file %s: expected a file, found directory", path)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported rules file extension %s", ext)
	}
}
