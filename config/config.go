// Package config loads procflow settings from a file and PROCFLOW_*
// environment variables and builds the engine collaborators they describe.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: store.type is read from
// PROCFLOW_STORE_TYPE.
const EnvPrefix = "PROCFLOW"

// Config is the complete procflow configuration.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Emitter EmitterConfig `mapstructure:"emitter"`
	Log     LogConfig     `mapstructure:"log"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	Type string `mapstructure:"type"` // memory | sqlite | mysql | postgres | redis

	// Path is the SQLite database file.
	Path string `mapstructure:"path"`

	// DSN is the MySQL or PostgreSQL connection string.
	DSN string `mapstructure:"dsn"`

	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	TTL      string `mapstructure:"ttl"` // e.g. "24h"; empty keeps keys forever
}

// EmitterConfig selects where execution events go.
type EmitterConfig struct {
	Type string `mapstructure:"type"` // null | log | json | buffered | otel
}

// LogConfig configures the slog logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

// EngineConfig holds engine limits.
type EngineConfig struct {
	MaxSteps        int    `mapstructure:"max_steps"`
	MapParallelism  int    `mapstructure:"map_parallelism"`
	FunctionTimeout string `mapstructure:"function_timeout"` // e.g. "30s"; empty means no limit
}

// MetricsConfig enables Prometheus metrics.
type MetricsConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig configures OTLP/HTTP span export for the otel emitter.
type TracingConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.path", "procflow.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.password", "")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.prefix", "procflow:")
	v.SetDefault("store.ttl", "")

	v.SetDefault("emitter.type", "null")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("engine.max_steps", 0)
	v.SetDefault("engine.map_parallelism", 0)
	v.SetDefault("engine.function_timeout", "")

	v.SetDefault("metrics.enable", false)

	v.SetDefault("tracing.service_name", "procflow")
	v.SetDefault("tracing.export_endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
}

// Load reads configuration from path (any format viper understands) and
// applies environment overrides. An empty path uses defaults and the
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerations and required fields.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "redis":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case "mysql", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for %s", c.Store.Type)
		}
	default:
		return fmt.Errorf("unknown store.type %q", c.Store.Type)
	}
	if c.Store.TTL != "" {
		if _, err := time.ParseDuration(c.Store.TTL); err != nil {
			return fmt.Errorf("invalid store.ttl: %w", err)
		}
	}

	switch c.Emitter.Type {
	case "null", "log", "json", "buffered", "otel":
	default:
		return fmt.Errorf("unknown emitter.type %q", c.Emitter.Type)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}

	if c.Engine.MaxSteps < 0 {
		return fmt.Errorf("engine.max_steps must not be negative")
	}
	if c.Engine.FunctionTimeout != "" {
		if d, err := time.ParseDuration(c.Engine.FunctionTimeout); err != nil || d < 0 {
			return fmt.Errorf("invalid engine.function_timeout %q", c.Engine.FunctionTimeout)
		}
	}
	return nil
}
