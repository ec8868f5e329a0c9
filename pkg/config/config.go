// Package config provides configuration management for the profiler
// service and CLI.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables overriding the config file,
// e.g. VMPROF_STORAGE_TYPE for storage.type.
const EnvPrefix = "VMPROF"

// Config holds all configuration for the application.
type Config struct {
	Profiler  ProfilerConfig  `mapstructure:"profiler"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

// ProfilerConfig holds CPU profiler settings.
type ProfilerConfig struct {
	SamplingInterval       time.Duration `mapstructure:"sampling_interval"`
	MaxSimultaneousProfile int           `mapstructure:"max_simultaneous_profiles"`
	BrowserMode            bool          `mapstructure:"browser_mode"`
	// EventBuffer is the capacity of the code event queue.
	EventBuffer int `mapstructure:"event_buffer"`
}

// SnapshotConfig holds heap snapshot settings.
type SnapshotConfig struct {
	ChunkSize           int    `mapstructure:"chunk_size"`
	ProgressGranularity int    `mapstructure:"progress_granularity"`
	Compression         string `mapstructure:"compression"` // zstd, gzip or none
	Timing              bool   `mapstructure:"timing"`
	ArchiveWorkers      int    `mapstructure:"archive_workers"`
}

// StorageConfig holds artifact storage configuration.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // cos or local
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	SecretID  string `mapstructure:"secret_id"`
	SecretKey string `mapstructure:"secret_key"`
	Domain    string `mapstructure:"domain"`     // e.g., "myqcloud.com"
	Scheme    string `mapstructure:"scheme"`     // e.g., "https" or "http"
	LocalPath string `mapstructure:"local_path"` // for local storage
}

// DatabaseConfig holds the artifact metadata database configuration.
type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // sqlite, postgres or mysql
	Path     string `mapstructure:"path"` // sqlite file, ":memory:" allowed
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MaxConns int    `mapstructure:"max_conns"`
	// RawSQL serves artifact records with plain SQL instead of gorm.
	RawSQL   bool   `mapstructure:"raw_sql"`
}

// ServerConfig holds the web API configuration.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	CacheSize int    `mapstructure:"cache_size"`
}

// TelemetryConfig refines the OTEL_* environment of the tracer.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Protocol string `mapstructure:"protocol"`
	Sampler  string `mapstructure:"sampler"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"` // json or text
}

// Load reads configuration from the specified file path. A missing file
// is not an error; defaults and environment overrides apply.
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/vm-profiler")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromReader loads configuration from in-memory content (useful for testing).
func LoadFromReader(configType string, content []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return unmarshal(v)
}

// Default returns the configuration used without any file.
func Default() *Config {
	cfg, err := unmarshal(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values. Every key needs a
// default for AutomaticEnv to see it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("profiler.sampling_interval", time.Millisecond)
	v.SetDefault("profiler.max_simultaneous_profiles", 100)
	v.SetDefault("profiler.browser_mode", false)
	v.SetDefault("profiler.event_buffer", 1024)

	v.SetDefault("snapshot.chunk_size", 64*1024)
	v.SetDefault("snapshot.progress_granularity", 10000)
	v.SetDefault("snapshot.compression", "zstd")
	v.SetDefault("snapshot.timing", false)
	v.SetDefault("snapshot.archive_workers", 4)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.secret_id", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.domain", "")
	v.SetDefault("storage.scheme", "")
	v.SetDefault("storage.local_path", "./artifacts")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./vm-profiler.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "vm_profiler")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.raw_sql", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cache_size", 128)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.protocol", "")
	v.SetDefault("telemetry.sampler", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output_path", "")
	v.SetDefault("log.format", "text")
}

// Validate validates the configuration. Storage settings are checked by
// the storage package.
func (c *Config) Validate() error {
	if c.Profiler.SamplingInterval <= 0 {
		return fmt.Errorf("sampling interval must be positive")
	}
	if c.Profiler.MaxSimultaneousProfile < 1 {
		return fmt.Errorf("max simultaneous profiles must be at least 1")
	}
	if c.Snapshot.ChunkSize < 1 {
		return fmt.Errorf("snapshot chunk size must be at least 1")
	}
	switch c.Snapshot.Compression {
	case "zstd", "gzip", "none":
	default:
		return fmt.Errorf("unsupported snapshot compression: %s", c.Snapshot.Compression)
	}
	if c.Snapshot.ArchiveWorkers < 1 {
		return fmt.Errorf("archive workers must be at least 1")
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("sqlite database path is required")
		}
	case "postgres", "mysql":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Log.Format)
	}
	return nil
}

// EnsureStorageDir creates the local artifact directory if needed.
func (c *Config) EnsureStorageDir() error {
	if c.Storage.Type != "local" || c.Storage.LocalPath == "" {
		return nil
	}
	return os.MkdirAll(c.Storage.LocalPath, 0755)
}
