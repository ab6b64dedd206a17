// Package config loads PetLink sync settings from petlink.yaml, PETLINK_*
// environment variables and built-in defaults, in increasing order of
// precedence: defaults, file, environment.
package config

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/petlink/core/internal/credentials"
	"github.com/petlink/core/internal/errors"
	"github.com/petlink/core/internal/logging"
	"github.com/petlink/core/internal/models"
	"github.com/petlink/core/internal/sync/queue"
	"github.com/petlink/core/internal/sync/remote"
)

// FileName is the config file base name searched for in the data directory
// and the working directory.
const FileName = "petlink"

// EnvPrefix prefixes every environment override, e.g. PETLINK_API_BASE_URL.
const EnvPrefix = "PETLINK"

// Config is the full runtime configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// APIConfig describes the remote service.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	Token     string        `mapstructure:"token" yaml:"-"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	Burst     int           `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// SyncConfig holds the retry policy and cycle cadence.
type SyncConfig struct {
	OwnerIDs      []string      `mapstructure:"owner_ids" yaml:"owner_ids" validate:"dive,required"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=1"`
	BackoffBase   time.Duration `mapstructure:"backoff_base" yaml:"backoff_base" validate:"gt=0"`
	BackoffMax    time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" validate:"gt=0"`
	BackoffJitter float64       `mapstructure:"backoff_jitter" yaml:"backoff_jitter" validate:"gte=0,lte=1"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" validate:"gt=0"`
	// Retention is how long completed actions are kept; negative keeps them forever.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
	EagerSync bool          `mapstructure:"eager_sync" yaml:"eager_sync"`
}

// LogConfig selects the log level and optional rotated log file.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

// TelemetryConfig is the opt-in switch for metrics.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// SetDefaults registers every key with its default. Keys must be known to
// viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./petlink-data")

	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.rate_limit", 10.0)
	v.SetDefault("api.burst", 5)
	v.SetDefault("api.user_agent", "petlink-sync")

	v.SetDefault("sync.owner_ids", []string{})
	v.SetDefault("sync.max_retries", queue.DefaultMaxRetries)
	v.SetDefault("sync.backoff_base", queue.DefaultBaseDelay)
	v.SetDefault("sync.backoff_max", queue.DefaultMaxDelay)
	v.SetDefault("sync.backoff_jitter", queue.DefaultJitter)
	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.retry_interval", time.Minute)
	v.SetDefault("sync.retention", 7*24*time.Hour)
	v.SetDefault("sync.eager_sync", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("telemetry.enabled", false)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. An explicit path must exist; otherwise
// petlink.yaml is looked up in searchDirs and its absence is not an error.
func Load(path string, searchDirs ...string) (*Config, error) {
	return LoadFrom(New(), path, searchDirs...)
}

// LoadFrom is Load over a caller-prepared viper, e.g. one with CLI flags
// bound.
func LoadFrom(v *viper.Viper, path string, searchDirs ...string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		for _, dir := range searchDirs {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(errors.ErrInvalid, "failed to read config", err)
		}
	} else {
		logging.Debug("Loaded config file", map[string]interface{}{"path": v.ConfigFileUsed()})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to decode config", err)
	}
	cfg.Sync.OwnerIDs = splitOwners(cfg.Sync.OwnerIDs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitOwners accepts both YAML lists and a comma-separated env value.
func splitOwners(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

var validate = validator.New()

// Validate rejects nonsensical values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid config", err)
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		return errors.New(errors.ErrValidation,
			fmt.Sprintf("invalid config: sync.backoff_max %s is below sync.backoff_base %s", c.Sync.BackoffMax, c.Sync.BackoffBase))
	}
	return nil
}

// OwnerUUIDs returns the configured pull scope.
func (c *Config) OwnerUUIDs() []models.UUID {
	ids := make([]models.UUID, len(c.Sync.OwnerIDs))
	for i, id := range c.Sync.OwnerIDs {
		ids[i] = models.UUID(id)
	}
	return ids
}

// Backoff builds the retry policy. A zero seed derives one from the clock.
func (c *Config) Backoff(seed uint64) *queue.Backoff {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return queue.NewBackoff(c.Sync.BackoffBase, c.Sync.BackoffMax, c.Sync.BackoffJitter, seed)
}

// HTTPConfig builds the remote client settings. Without a configured token
// the token is read from the encrypted credential store in the data
// directory.
func (c *Config) HTTPConfig() remote.HTTPConfig {
	hc := remote.HTTPConfig{
		BaseURL:   c.API.BaseURL,
		Timeout:   c.API.Timeout,
		RateLimit: c.API.RateLimit,
		Burst:     c.API.Burst,
		UserAgent: c.API.UserAgent,
	}
	if c.API.Token != "" {
		hc.Tokens = remote.StaticToken(c.API.Token)
	} else {
		hc.Tokens = c.Credentials().TokenSource(credentials.DefaultAccount)
	}
	return hc
}

// Credentials returns the credential store in the data directory.
func (c *Config) Credentials() *credentials.Store {
	return credentials.NewStore(c.DataDir)
}

// InitLogging installs the global logger described by the log section.
func (c *Config) InitLogging() {
	logging.InitWithFile(logging.ParseLevel(c.Log.Level), logging.FileConfig{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	})
}
