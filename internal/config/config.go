package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// REPLSTORE_SERVER_ADDR overrides server.addr.
const EnvPrefix = "REPLSTORE"

// Config represents the complete configuration of a replstore node
type Config struct {
	NodeID    string           `yaml:"node_id"`
	Server    ServerConfig     `yaml:"server"`
	Storage   StorageConfig    `yaml:"storage"`
	Databases []DatabaseConfig `yaml:"databases"`
	Remote    RemoteConfig     `yaml:"remote"`
	Reconcile ReconcileConfig  `yaml:"reconcile"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout"`
	RequestTimeout  time.Duration   `yaml:"request_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds admin API rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// ArcID scopes the volatile provider of this process.
	ArcID           string `yaml:"arc_id"`
	MaxStorageBytes int64  `yaml:"max_storage_bytes"`
}

// DatabaseConfig names a database registered at start-up.
type DatabaseConfig struct {
	Name       string `yaml:"name"`
	Persistent bool   `yaml:"persistent"`
}

// RemoteConfig holds the Redis backend configuration
type RemoteConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ReconcileConfig holds periodic reconciliation configuration
type ReconcileConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var databaseName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	setDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a YAML file, applies defaults and
// environment overrides, and validates the result. An empty filePath
// skips the file.
func LoadConfig(filePath string) (*Config, error) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.NodeID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.NodeID = host
		} else {
			cfg.NodeID = "replstore"
		}
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.RateLimit.RequestsPerSecond == 0 {
		cfg.Server.RateLimit.RequestsPerSecond = 50
	}
	if cfg.Server.RateLimit.BurstSize == 0 {
		cfg.Server.RateLimit.BurstSize = 100
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/replstore"
	}
	if cfg.Storage.ArcID == "" {
		cfg.Storage.ArcID = uuid.NewString()
	}

	if cfg.Remote.Addr == "" {
		cfg.Remote.Addr = "localhost:6379"
	}
	if cfg.Remote.Prefix == "" {
		cfg.Remote.Prefix = "replstore"
	}

	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = 10 * time.Minute
	}
	if cfg.Reconcile.Timeout == 0 {
		cfg.Reconcile.Timeout = 2 * time.Minute
	}
	if cfg.Reconcile.Workers == 0 {
		cfg.Reconcile.Workers = 4
	}
	if cfg.Reconcile.QueueSize == 0 {
		cfg.Reconcile.QueueSize = 64
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvironmentOverrides applies REPLSTORE_* variables on top of the
// file configuration.
func applyEnvironmentOverrides(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	strs := map[string]*string{
		"node_id":          &cfg.NodeID,
		"server.addr":      &cfg.Server.Addr,
		"storage.data_dir": &cfg.Storage.DataDir,
		"storage.arc_id":   &cfg.Storage.ArcID,
		"remote.addr":      &cfg.Remote.Addr,
		"remote.password":  &cfg.Remote.Password,
		"remote.prefix":    &cfg.Remote.Prefix,
		"metrics.path":     &cfg.Metrics.Path,
		"logging.level":    &cfg.Logging.Level,
		"logging.format":   &cfg.Logging.Format,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	bools := map[string]*bool{
		"server.rate_limit.enabled": &cfg.Server.RateLimit.Enabled,
		"remote.enabled":            &cfg.Remote.Enabled,
		"metrics.enabled":           &cfg.Metrics.Enabled,
	}
	for key, dst := range bools {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	ints := map[string]*int{
		"remote.db":                    &cfg.Remote.DB,
		"reconcile.workers":            &cfg.Reconcile.Workers,
		"reconcile.queue_size":         &cfg.Reconcile.QueueSize,
		"server.rate_limit.burst_size": &cfg.Server.RateLimit.BurstSize,
	}
	for key, dst := range ints {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	durations := map[string]*time.Duration{
		"server.request_timeout": &cfg.Server.RequestTimeout,
		"reconcile.interval":     &cfg.Reconcile.Interval,
		"reconcile.timeout":      &cfg.Reconcile.Timeout,
	}
	for key, dst := range durations {
		if v.IsSet(key) {
			d, err := time.ParseDuration(v.GetString(key))
			if err != nil {
				return fmt.Errorf("invalid %s_%s: %w", EnvPrefix, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), err)
			}
			*dst = d
		}
	}

	if v.IsSet("storage.max_storage_bytes") {
		cfg.Storage.MaxStorageBytes = v.GetInt64("storage.max_storage_bytes")
	}
	if v.IsSet("server.rate_limit.requests_per_second") {
		cfg.Server.RateLimit.RequestsPerSecond = v.GetFloat64("server.rate_limit.requests_per_second")
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be positive")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.MaxStorageBytes < 0 {
		return fmt.Errorf("storage.max_storage_bytes must not be negative")
	}

	seen := make(map[string]bool, len(c.Databases))
	for i, db := range c.Databases {
		if !databaseName.MatchString(db.Name) {
			return fmt.Errorf("databases[%d].name %q must match %s", i, db.Name, databaseName)
		}
		id := fmt.Sprintf("%s/%t", db.Name, db.Persistent)
		if seen[id] {
			return fmt.Errorf("databases[%d] duplicates %q", i, db.Name)
		}
		seen[id] = true
	}

	if c.Remote.Enabled && c.Remote.Addr == "" {
		return fmt.Errorf("remote.addr is required when remote is enabled")
	}
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("reconcile.interval must not be negative")
	}
	if c.Reconcile.Workers < 1 {
		return fmt.Errorf("reconcile.workers must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}
