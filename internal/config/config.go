// Package config loads service configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/viper"

	"github.com/wakala/batchpay/internal/gateway"
	"github.com/wakala/batchpay/internal/mapping"
	"github.com/wakala/batchpay/internal/submission"
)

const envPrefix = "BATCHPAY"

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type SyncConfig struct {
	// Window bounds the date span of one reconcile call; zero means no split.
	Window time.Duration `mapstructure:"window"`
}

type ExportConfig struct {
	Delimiter string `mapstructure:"delimiter"`
}

type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Database   DatabaseConfig       `mapstructure:"database"`
	Gateway    gateway.ClientConfig `mapstructure:"gateway"`
	Submission submission.Config    `mapstructure:"submission"`
	Mapping    mapping.Config       `mapstructure:"mapping"`
	Sync       SyncConfig           `mapstructure:"sync"`
	Export     ExportConfig         `mapstructure:"export"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Path: "batchpay.db"},
		Gateway: gateway.ClientConfig{
			Timeout:   30 * time.Second,
			CacheSize: 1024,
		},
		Submission: submission.DefaultConfig(),
		Mapping:    mapping.DefaultConfig(),
		Sync:       SyncConfig{Window: 7 * 24 * time.Hour},
		Export:     ExportConfig{Delimiter: ","},
	}
}

// Load reads path when given, otherwise ./batchpay.yaml if it exists, then
// applies BATCHPAY_* environment overrides. PORT and DB_PATH are honoured
// for compatibility with existing deployments.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", envPrefix+"_SERVER_PORT", "PORT")
	_ = v.BindEnv("database.path", envPrefix+"_DATABASE_PATH", "DB_PATH")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("batchpay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if utf8.RuneCountInString(c.Export.Delimiter) != 1 {
		return fmt.Errorf("export.delimiter must be a single character, got %q", c.Export.Delimiter)
	}
	if c.Submission.FlushInterval < 0 {
		return fmt.Errorf("submission.flush_interval must not be negative")
	}
	return nil
}

// Delimiter returns the export delimiter as a rune.
func (c *Config) Delimiter() rune {
	r, _ := utf8.DecodeRuneInString(c.Export.Delimiter)
	return r
}

// setDefaults registers every key so env overrides reach nested fields.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("gateway.base_url", d.Gateway.BaseURL)
	v.SetDefault("gateway.api_key", d.Gateway.APIKey)
	v.SetDefault("gateway.timeout", d.Gateway.Timeout)
	v.SetDefault("gateway.reconcile_cache_size", d.Gateway.CacheSize)

	v.SetDefault("submission.bulk_concurrency", d.Submission.BulkConcurrency)
	v.SetDefault("submission.strict_concurrency", d.Submission.StrictConcurrency)
	v.SetDefault("submission.max_duplicate_retries", d.Submission.MaxDuplicateRetries)
	v.SetDefault("submission.flush_interval", d.Submission.FlushInterval)
	v.SetDefault("submission.error_cap", d.Submission.ErrorCap)

	cols := d.Mapping.Columns
	v.SetDefault("mapping.columns.transaction_id", cols.TransactionID)
	v.SetDefault("mapping.columns.amount", cols.Amount)
	v.SetDefault("mapping.columns.currency", cols.Currency)
	v.SetDefault("mapping.columns.first_name", cols.FirstName)
	v.SetDefault("mapping.columns.last_name", cols.LastName)
	v.SetDefault("mapping.columns.email", cols.Email)
	v.SetDefault("mapping.columns.iban", cols.IBAN)
	v.SetDefault("mapping.columns.bic", cols.BIC)
	v.SetDefault("mapping.columns.usage", cols.Usage)
	v.SetDefault("mapping.default_currency", d.Mapping.DefaultCurrency)
	v.SetDefault("mapping.return_url", d.Mapping.ReturnURL)
	v.SetDefault("mapping.notify_url", d.Mapping.NotifyURL)

	v.SetDefault("sync.window", d.Sync.Window)
	v.SetDefault("export.delimiter", d.Export.Delimiter)
}
