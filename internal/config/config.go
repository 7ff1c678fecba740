// Package config loads identitycore settings from an optional YAML file and
// IDENTITYCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. IDENTITYCORE_STORAGE_DRIVER.
const EnvPrefix = "IDENTITYCORE"

// Config holds all configuration options for identitycore.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Blob    BlobConfig    `mapstructure:"blob"`
	Events  EventsConfig  `mapstructure:"events"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig selects the registry state backend.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // memory|sqlite|postgres
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// BlobConfig selects where checkpoints are written.
type BlobConfig struct {
	Driver string   `mapstructure:"driver"` // fs|memory|s3
	FSRoot string   `mapstructure:"fs_root"`
	S3     S3Config `mapstructure:"s3"`
}

// S3Config configures the S3-compatible checkpoint bucket.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// EventsConfig configures committed event delivery. Empty values disable a sink.
type EventsConfig struct {
	RedisURL    string `mapstructure:"redis_url"`
	RedisStream string `mapstructure:"redis_stream"`
	LogPath     string `mapstructure:"log_path"` // JSON lines file
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format"` // text|json
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
	Expvar    bool   `mapstructure:"expvar"`
	Textfile  string `mapstructure:"textfile"` // Prometheus text exposition written on exit
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "identitycore.db",
		},
		Blob: BlobConfig{
			Driver: "fs",
			FSRoot: "blobdata",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Events: EventsConfig{
			RedisStream: "identitycore:events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Namespace: "identitycore",
		},
	}
}

// SetDefaults registers every key with v so environment overrides are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)
	v.SetDefault("blob.driver", d.Blob.Driver)
	v.SetDefault("blob.fs_root", d.Blob.FSRoot)
	v.SetDefault("blob.s3.bucket", d.Blob.S3.Bucket)
	v.SetDefault("blob.s3.region", d.Blob.S3.Region)
	v.SetDefault("blob.s3.endpoint", d.Blob.S3.Endpoint)
	v.SetDefault("blob.s3.path_style", d.Blob.S3.PathStyle)
	v.SetDefault("blob.s3.access_key_id", d.Blob.S3.AccessKeyID)
	v.SetDefault("blob.s3.secret_access_key", d.Blob.S3.SecretAccessKey)
	v.SetDefault("blob.s3.session_token", d.Blob.S3.SessionToken)
	v.SetDefault("events.redis_url", d.Events.RedisURL)
	v.SetDefault("events.redis_stream", d.Events.RedisStream)
	v.SetDefault("events.log_path", d.Events.LogPath)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("metrics.expvar", d.Metrics.Expvar)
	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
}

// New returns a viper instance wired for identitycore: defaults, env prefix and key replacer.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when non-empty) plus the environment and validates the result.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated settings.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver: unknown driver %q", c.Blob.Driver))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
