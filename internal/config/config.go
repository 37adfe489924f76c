// Package config loads truthlayer configuration.
//
// Precedence, highest first:
//  1. Environment variables with the TRUTH_ prefix
//  2. The YAML config file, when one is given
//  3. Built-in defaults
//
// Environment names map to keys by dropping the prefix, lower-casing and
// splitting the first underscore: TRUTH_ENGINE_LOCK_TIMEOUT sets
// engine.lock_timeout.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRUTH_"

// Config is the full configuration.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Caller   CallerConfig   `koanf:"caller"`
	Engine   EngineConfig   `koanf:"engine"`
	Priority PriorityConfig `koanf:"priority"`
	Schemas  SchemasConfig  `koanf:"schemas"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

type CallerConfig struct {
	ID string `koanf:"id"`
}

// EngineConfig tunes request processing.
type EngineConfig struct {
	LockTimeout      time.Duration `koanf:"lock_timeout"`
	InterpretTimeout time.Duration `koanf:"interpret_timeout"`
	ReplayWorkers    int           `koanf:"replay_workers"`
}

// PriorityConfig sets default source priorities per observation kind.
type PriorityConfig struct {
	Structured  int64 `koanf:"structured"`
	Interpreted int64 `koanf:"interpreted"`
	Correction  int64 `koanf:"correction"`
}

// SchemasConfig lists directories of .cue schema files loaded at startup.
type SchemasConfig struct {
	Dirs []string `koanf:"dirs"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Defaults returns the built-in configuration as a flat key map.
func Defaults() map[string]any {
	return map[string]any{
		"database.path":            "truth.db",
		"caller.id":                "local",
		"engine.lock_timeout":      "5s",
		"engine.interpret_timeout": "30s",
		"engine.replay_workers":    4,
		"priority.structured":      100,
		"priority.interpreted":     50,
		"priority.correction":      1000,
		"schemas.dirs":             []string{},
		"log.level":                "info",
		"log.format":               "text",
		"metrics.enabled":          false,
	}
}

// Load reads defaults, then path (if non-empty), then the environment.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// load is Load with extra overrides applied last, used by the CLI for
// explicit flags.
func load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadWithOverrides is Load followed by key overrides such as command-line
// flags. Empty string values are ignored.
func LoadWithOverrides(path string, overrides map[string]any) (*Config, error) {
	clean := make(map[string]any, len(overrides))
	for key, v := range overrides {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		clean[key] = v
	}
	return load(path, clean)
}

// envKey maps TRUTH_ENGINE_LOCK_TIMEOUT to engine.lock_timeout.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Caller.ID == "" {
		errs = append(errs, errors.New("caller.id is required"))
	}
	if c.Engine.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("engine.lock_timeout must be positive, got %s", c.Engine.LockTimeout))
	}
	if c.Engine.InterpretTimeout <= 0 {
		errs = append(errs, fmt.Errorf("engine.interpret_timeout must be positive, got %s", c.Engine.InterpretTimeout))
	}
	if c.Engine.ReplayWorkers < 1 {
		errs = append(errs, fmt.Errorf("engine.replay_workers must be at least 1, got %d", c.Engine.ReplayWorkers))
	}
	p := c.Priority
	if p.Interpreted < 0 || p.Structured < 0 {
		errs = append(errs, errors.New("priorities must not be negative"))
	}
	if p.Correction <= p.Structured || p.Correction <= p.Interpreted {
		errs = append(errs, fmt.Errorf("priority.correction (%d) must exceed structured (%d) and interpreted (%d)",
			p.Correction, p.Structured, p.Interpreted))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	return errors.Join(errs...)
}
