// Package config loads service configuration from defaults, an
// optional YAML file and CASEFOLIO_-prefixed environment variables, in
// that precedence order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	KMS       KMSConfig       `koanf:"kms"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Audit     AuditConfig     `koanf:"audit"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string `koanf:"url"`
	Password     string `koanf:"password"`
	DB           int    `koanf:"db"`
	PoolSize     int    `koanf:"pool_size"`
	MinIdleConns int    `koanf:"min_idle_conns"`
}

type KMSConfig struct {
	Region      string `koanf:"region"`
	Endpoint    string `koanf:"endpoint"`
	MasterKeyID string `koanf:"master_key_id"`
	// CacheTTL bounds how long unwrapped DEKs stay in memory.
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

type ArchiveConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
	Bucket   string `koanf:"bucket"`
	// HotRetention is how long entries stay in the hot ledger.
	HotRetention time.Duration `koanf:"hot_retention"`
	BatchLimit   int           `koanf:"batch_limit"`
	// RetentionYears is the compliance floor for cold archives.
	RetentionYears int     `koanf:"retention_years" validate:"gte=7"`
	UploadRate     float64 `koanf:"upload_rate"`
}

type AuditConfig struct {
	// ProofSecret keys the HMAC over exported integrity proofs.
	ProofSecret string `koanf:"proof_secret" validate:"required"`
	// PurgeTokenSecret signs destructive-purge confirmation tokens.
	PurgeTokenSecret string        `koanf:"purge_token_secret"`
	PurgeTokenTTL    time.Duration `koanf:"purge_token_ttl"`
	StatsCacheTTL    time.Duration `koanf:"stats_cache_ttl"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// IsProduction reports whether the service runs with production
// guarantees enabled.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from defaults, configs/config.yaml when
// present, and CASEFOLIO_-prefixed environment variables.
func Load() (*Config, error) {
	return LoadFrom("configs/config.yaml")
}

// LoadFrom reads configuration with an explicit file path.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DB:       0,
			PoolSize: 10,
		},
		KMS: KMSConfig{
			Region:   "us-east-1",
			CacheTTL: 5 * time.Minute,
		},
		Archive: ArchiveConfig{
			Region:         "us-east-1",
			HotRetention:   90 * 24 * time.Hour,
			BatchLimit:     5000,
			RetentionYears: 7,
		},
		Audit: AuditConfig{
			PurgeTokenTTL: 15 * time.Minute,
			StatsCacheTTL: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional; environments without one run on
	// defaults plus environment variables.
	_ = k.Load(file.Provider(path), yaml.Parser())

	if err := k.Load(env.Provider("CASEFOLIO_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CASEFOLIO_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
