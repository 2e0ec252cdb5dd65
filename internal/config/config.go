package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	ArchiveURL         string        `mapstructure:"ARCHIVE_URL"`
	ArchiveUsername    string        `mapstructure:"ARCHIVE_USERNAME"`
	ArchivePassword    string        `mapstructure:"ARCHIVE_PASSWORD"`
	ArchiveTimeoutMS   int           `mapstructure:"ARCHIVE_TIMEOUT_MS"`
	CacheDir           string        `mapstructure:"CACHE_DIR"`
	CacheSentinelBytes int64         `mapstructure:"CACHE_SENTINEL_BYTES"`
	ReconcileInterval  time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	// DetectURL points at the AI detection node. Empty disables the
	// findings endpoints entirely.
	DetectURL       string `mapstructure:"DETECT_URL"`
	DetectTimeoutMS int    `mapstructure:"DETECT_TIMEOUT_MS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("ARCHIVE_TIMEOUT_MS", 10000)
	v.SetDefault("CACHE_DIR", "./frame-cache")
	v.SetDefault("CACHE_SENTINEL_BYTES", 631)
	v.SetDefault("RECONCILE_INTERVAL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DETECT_TIMEOUT_MS", 30000)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("ARCHIVE_URL")
	v.BindEnv("ARCHIVE_USERNAME")
	v.BindEnv("ARCHIVE_PASSWORD")
	v.BindEnv("ARCHIVE_TIMEOUT_MS")
	v.BindEnv("CACHE_DIR")
	v.BindEnv("CACHE_SENTINEL_BYTES")
	v.BindEnv("RECONCILE_INTERVAL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("DETECT_URL")
	v.BindEnv("DETECT_TIMEOUT_MS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ArchiveURL == "" {
		return nil, fmt.Errorf("ARCHIVE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ArchiveTimeout returns the bounded per-request timeout for archive calls.
func (c *Config) ArchiveTimeout() time.Duration {
	return time.Duration(c.ArchiveTimeoutMS) * time.Millisecond
}

// DetectTimeout returns the per-request timeout for detection node calls.
// Model inference is slow, so its default is well above the archive's.
func (c *Config) DetectTimeout() time.Duration {
	return time.Duration(c.DetectTimeoutMS) * time.Millisecond
}

// Validate checks that the configuration is safe to run. The archive
// credentials may be empty (unauthenticated archives exist in dev setups),
// but a partial credential pair is always a misconfiguration.
func (c *Config) Validate() error {
	if (c.ArchiveUsername == "") != (c.ArchivePassword == "") {
		return fmt.Errorf("ARCHIVE_USERNAME and ARCHIVE_PASSWORD must be set together")
	}
	if c.ArchiveTimeoutMS <= 0 {
		return fmt.Errorf("ARCHIVE_TIMEOUT_MS must be positive, got %d", c.ArchiveTimeoutMS)
	}
	if c.CacheSentinelBytes < 0 {
		return fmt.Errorf("CACHE_SENTINEL_BYTES must not be negative, got %d", c.CacheSentinelBytes)
	}
	if c.ReconcileInterval < time.Second {
		return fmt.Errorf("RECONCILE_INTERVAL must be at least 1s, got %s", c.ReconcileInterval)
	}
	if c.CacheDir == "" {
		return fmt.Errorf("CACHE_DIR is required")
	}
	if c.DetectURL != "" && c.DetectTimeoutMS <= 0 {
		return fmt.Errorf("DETECT_TIMEOUT_MS must be positive, got %d", c.DetectTimeoutMS)
	}
	return nil
}
