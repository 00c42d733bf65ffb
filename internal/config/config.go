package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Realtime    RealtimeConfig    `mapstructure:"realtime"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Locales     LocaleConfig      `mapstructure:"locales"`
	Definitions DefinitionsConfig `mapstructure:"definitions"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Webhooks    []WebhookConfig   `mapstructure:"webhooks"`
	Log         LogConfig         `mapstructure:"log"`
	JWTSecret   string            `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// RealtimeConfig configures the websocket change feed, served on its own
// net/http listener.
type RealtimeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`

	// AllowedOrigins lists browser origins that may connect. Empty allows
	// same-origin requests only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	LocalPath   string `mapstructure:"local_path"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
}

type LocaleConfig struct {
	Default   string   `mapstructure:"default"`
	Supported []string `mapstructure:"supported"`

	// DisableFallback turns off merging default-locale values into reads
	// of other locales.
	DisableFallback bool `mapstructure:"disable_fallback"`
}

type DefinitionsConfig struct {
	Path string `mapstructure:"path"`
}

type EngineConfig struct {
	AsyncSideEffects bool `mapstructure:"async_side_effects"`
	DefaultLimit     int  `mapstructure:"default_limit"`
	MaxLimit         int  `mapstructure:"max_limit"`
}

type QueueConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PollIntervalMs int  `mapstructure:"poll_interval_ms"`
	BatchSize      int  `mapstructure:"batch_size"`
	MaxAttempts    int  `mapstructure:"max_attempts"`
}

// WebhookConfig describes an outbound change-event subscriber.
type WebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Method      string            `mapstructure:"method"`
	Headers     map[string]string `mapstructure:"headers"`
	Collections []string          `mapstructure:"collections"`
	Condition   string            `mapstructure:"condition"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		if d.Path == ":memory:" {
			return d.Path
		}
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.port", 8081)
	v.SetDefault("realtime.path", "/realtime")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local_path", "./uploads")
	v.SetDefault("storage.max_file_size", 10485760)
	v.SetDefault("locales.default", "en")
	v.SetDefault("definitions.path", "./collections")
	v.SetDefault("engine.async_side_effects", true)
	v.SetDefault("engine.default_limit", 10)
	v.SetDefault("engine.max_limit", 100)
	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.poll_interval_ms", 5000)
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("jwt_secret", "changeme-secret")
}

// Load reads app.yaml from the given file, or from the working directory when
// path is empty. Environment variables prefixed ROCKET_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("app")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("../..")
	}

	setDefaults(v)

	v.SetEnvPrefix("ROCKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing app.yaml is fine: defaults and env still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
