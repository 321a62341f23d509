// Package config maps viper settings onto a typed configuration.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FolderName is the workspace directory created by `forge init`.
const FolderName = ".forge"

// EnvPrefix prefixes environment variables that override config keys (FORGE_LOG_LEVEL, ...).
const EnvPrefix = "FORGE"

// Config is the resolved runtime configuration.
type Config struct {
	Workspace string

	LogLevel  string
	LogFormat string

	Environment    string // selected local environment
	AllowSystemEnv bool   // enables {{env:NAME}} placeholders

	DefaultTimeout time.Duration
	MaxRedirects   int
	MaxBodyBytes   int64

	Store StoreConfig

	TemplatesDir string // empty uses the embedded template set

	Analytics AnalyticsConfig

	Server ServerConfig
}

// StoreConfig selects the implementation and result store backend.
type StoreConfig struct {
	Driver     string // memory, sqlite or redis
	SQLitePath string
	RedisAddr  string
	RedisDB    int
}

// AnalyticsConfig tunes the recorder.
type AnalyticsConfig struct {
	Window    time.Duration
	Retention time.Duration
	Accuracy  float64
}

// ServerConfig configures the HTTP edge.
type ServerConfig struct {
	Addr      string
	JWTSecret string
	CORS      bool
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", FolderName)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("environment", "dev")
	v.SetDefault("allow_system_env", false)
	v.SetDefault("default_timeout", "30s")
	v.SetDefault("max_redirects", 10)
	v.SetDefault("max_body_bytes", 10<<20)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("templates.dir", "")
	v.SetDefault("analytics.window", "24h")
	v.SetDefault("analytics.retention", "720h")
	v.SetDefault("analytics.accuracy", 0.01)
	v.SetDefault("server.addr", ":8420")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.cors", true)
}

// Init points v at the workspace config file and environment overrides.
// A missing config file is not an error.
func Init(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(FolderName)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if cfgFile == "" {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Load builds a Config from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Workspace:      v.GetString("workspace"),
		LogLevel:       v.GetString("log_level"),
		LogFormat:      v.GetString("log_format"),
		Environment:    v.GetString("environment"),
		AllowSystemEnv: v.GetBool("allow_system_env"),
		DefaultTimeout: v.GetDuration("default_timeout"),
		MaxRedirects:   v.GetInt("max_redirects"),
		MaxBodyBytes:   v.GetInt64("max_body_bytes"),
		Store: StoreConfig{
			Driver:     strings.ToLower(v.GetString("store.driver")),
			SQLitePath: v.GetString("store.sqlite_path"),
			RedisAddr:  v.GetString("store.redis_addr"),
			RedisDB:    v.GetInt("store.redis_db"),
		},
		TemplatesDir: v.GetString("templates.dir"),
		Analytics: AnalyticsConfig{
			Window:    v.GetDuration("analytics.window"),
			Retention: v.GetDuration("analytics.retention"),
			Accuracy:  v.GetFloat64("analytics.accuracy"),
		},
		Server: ServerConfig{
			Addr:      v.GetString("server.addr"),
			JWTSecret: v.GetString("server.jwt_secret"),
			CORS:      v.GetBool("server.cors"),
		},
	}

	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.Workspace, "forge.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be greater than 0")
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("max_redirects cannot be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be greater than 0")
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store.driver %q (use memory, sqlite or redis)", c.Store.Driver)
	}
	if c.Analytics.Window <= 0 {
		return fmt.Errorf("analytics.window must be greater than 0")
	}
	if c.Analytics.Accuracy <= 0 || c.Analytics.Accuracy >= 1 {
		return fmt.Errorf("analytics.accuracy must be between 0 and 1")
	}
	return nil
}
