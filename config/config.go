// Package config loads and validates the pifleet configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration.
type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Scheduler   SchedulerConfig    `koanf:"scheduler"`
	Journal     JournalConfig      `koanf:"journal"`
	Controllers []ControllerConfig `koanf:"controllers"`
}

// ServerConfig holds the HTTP surface settings. Timeouts are seconds (float),
// matching the wire convention of the API.
type ServerConfig struct {
	Listen          string  `koanf:"listen"`
	ReadTimeout     float64 `koanf:"read_timeout"`
	ReplyTimeout    float64 `koanf:"reply_timeout"`
	ChunkingTimeout float64 `koanf:"chunking_timeout"`
}

// SchedulerConfig paces deferred actions per controller.
type SchedulerConfig struct {
	ActionRate  float64 `koanf:"action_rate"`
	ActionBurst int     `koanf:"action_burst"`
}

// JournalConfig selects the audit journal backend.
type JournalConfig struct {
	Backend     string `koanf:"backend"` // memory | redis | postgres
	Capacity    int    `koanf:"capacity"`
	RedisAddr   string `koanf:"redis_addr"`
	RedisDB     int    `koanf:"redis_db"`
	PostgresDSN string `koanf:"postgres_dsn"`
}

// ControllerConfig describes one controller instance. Class names the entry
// in the compile-time controller registry; Params are passed to its
// constructor.
type ControllerConfig struct {
	Enabled bool           `koanf:"enabled"`
	Name    string         `koanf:"name"`
	Class   string         `koanf:"class"`
	Params  map[string]any `koanf:"params"`
}

// Load reads the JSON config file, layers PIFLEET_-prefixed environment
// variables on top ("__" separates nesting levels, e.g.
// PIFLEET_SERVER__LISTEN → server.listen) and validates the result.
func Load(path string) (*Config, error) {
	// .env support for development hosts; absent file is fine.
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider("PIFLEET_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "PIFLEET_")),
			"__", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     10,
			ReplyTimeout:    5,
			ChunkingTimeout: 20,
		},
		Scheduler: SchedulerConfig{
			ActionRate:  50,
			ActionBurst: 50,
		},
		Journal: JournalConfig{
			Backend:  "memory",
			Capacity: 1024,
		},
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i, ctrl := range c.Controllers {
		if !ctrl.Enabled {
			continue
		}
		if ctrl.Name == "" {
			return fmt.Errorf("controllers[%d]: missing name", i)
		}
		if ctrl.Class == "" {
			return fmt.Errorf("controller %q: missing class", ctrl.Name)
		}
		if seen[ctrl.Name] {
			return fmt.Errorf("controller %q: duplicate name", ctrl.Name)
		}
		seen[ctrl.Name] = true
	}
	if c.Server.ReplyTimeout <= 0 {
		return fmt.Errorf("server.reply_timeout must be positive")
	}
	if c.Server.ChunkingTimeout <= 0 {
		return fmt.Errorf("server.chunking_timeout must be positive")
	}
	return nil
}

// Seconds converts a float seconds config value to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
