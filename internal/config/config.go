// Package config loads chartq configuration from a TOML file with
// CHARTQ_* environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Assistant AssistantConfig `toml:"assistant"`
	Storage   StorageConfig   `toml:"storage"`
	Ingest    IngestConfig    `toml:"ingest"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Events    EventsConfig    `toml:"events"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"`
}

type AssistantConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

type IngestConfig struct {
	QueueCapacity int `toml:"queue_capacity"`
}

type RateLimitConfig struct {
	TotalBudget  int     `toml:"total_budget"`
	SafetyMargin float64 `toml:"safety_margin"`
}

type EventsConfig struct {
	AMQPURL   string `toml:"amqp_url"`
	QueueName string `toml:"queue_name"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ingest: IngestConfig{
			QueueCapacity: 128,
		},
		RateLimit: RateLimitConfig{
			TotalBudget:  90_000,
			SafetyMargin: 0.75,
		},
		Events: EventsConfig{
			QueueName: "chartq.events",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "chartq-data"
		}
	}
	return filepath.Join(dir, "chartq")
}

// DefaultPath is where Load looks when no explicit path is given:
// $XDG_CONFIG_HOME/chartq/config.toml, falling back to ~/.config.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			return "config.toml"
		}
	}
	return filepath.Join(dir, "chartq", "config.toml")
}

// Load reads configuration from the TOML file at path (DefaultPath when
// path is empty; a missing default file is not an error), then applies
// CHARTQ_* environment overrides. The assistant API key is required.
func Load(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Assistant.APIKey == "" {
		return fmt.Errorf("missing required config: assistant API key. " +
			"Set assistant.api_key in config.toml or the CHARTQ_ASSISTANT_API_KEY environment variable")
	}
	if c.Assistant.BaseURL == "" {
		return fmt.Errorf("missing required config: assistant base URL (assistant.base_url or CHARTQ_ASSISTANT_BASE_URL)")
	}
	if c.RateLimit.SafetyMargin <= 0 || c.RateLimit.SafetyMargin > 1 {
		return fmt.Errorf("rate_limit.safety_margin must be in (0, 1], got %v", c.RateLimit.SafetyMargin)
	}
	if c.RateLimit.TotalBudget <= 0 {
		return fmt.Errorf("rate_limit.total_budget must be positive, got %d", c.RateLimit.TotalBudget)
	}
	return nil
}

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type envSpec struct {
	env   string
	typ   keyType
	apply func(cfg *Config, v any)
}

var envSpecs = []envSpec{
	{
		env: "CHARTQ_SERVER_PORT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		env: "CHARTQ_SERVER_AUTH_TOKEN", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
	},
	{
		env: "CHARTQ_ASSISTANT_BASE_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Assistant.BaseURL = v.(string) },
	},
	{
		env: "CHARTQ_ASSISTANT_API_KEY", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Assistant.APIKey = v.(string) },
	},
	{
		env: "CHARTQ_STORAGE_DATA_DIR", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		env: "CHARTQ_INGEST_QUEUE_CAPACITY", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Ingest.QueueCapacity = v.(int) },
	},
	{
		env: "CHARTQ_RATE_LIMIT_TOTAL_BUDGET", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.RateLimit.TotalBudget = v.(int) },
	},
	{
		env: "CHARTQ_RATE_LIMIT_SAFETY_MARGIN", typ: kFloat,
		apply: func(cfg *Config, v any) { cfg.RateLimit.SafetyMargin = v.(float64) },
	},
	{
		env: "CHARTQ_EVENTS_AMQP_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Events.AMQPURL = v.(string) },
	},
	{
		env: "CHARTQ_EVENTS_QUEUE_NAME", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Events.QueueName = v.(string) },
	},
	{
		env: "CHARTQ_LOG_LEVEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range envSpecs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
