package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBadger   = "badger"

	CatalogPostgres = "postgres"
	CatalogFile     = "file"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	StoreBackend    string        `mapstructure:"STORE_BACKEND"`
	BadgerDir       string        `mapstructure:"BADGER_DIR"`
	CatalogBackend  string        `mapstructure:"CATALOG_BACKEND"`
	CatalogFile     string        `mapstructure:"CATALOG_FILE"`
	CatalogCacheTTL time.Duration `mapstructure:"CATALOG_CACHE_TTL"`

	RedisURL       string        `mapstructure:"REDIS_URL"`
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	CareTimezone         string        `mapstructure:"CARE_TIMEZONE"`
	FlagMatchWindow      time.Duration `mapstructure:"FLAG_MATCH_WINDOW"`
	ExplicitMatchWindow  time.Duration `mapstructure:"EXPLICIT_MATCH_WINDOW"`
	ConflictWindow       time.Duration `mapstructure:"CONFLICT_WINDOW"`
	ExcludeSameCaregiver bool          `mapstructure:"EXCLUDE_SAME_CAREGIVER"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"STORE_BACKEND", "BADGER_DIR", "CATALOG_BACKEND", "CATALOG_FILE", "CATALOG_CACHE_TTL",
	"REDIS_URL", "IDEMPOTENCY_TTL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"CARE_TIMEZONE", "FLAG_MATCH_WINDOW", "EXPLICIT_MATCH_WINDOW", "CONFLICT_WINDOW",
	"EXCLUDE_SAME_CAREGIVER",
}

// Load reads configuration from the environment and an optional .env file,
// then validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STORE_BACKEND", StorePostgres)
	v.SetDefault("CATALOG_BACKEND", CatalogPostgres)
	v.SetDefault("CATALOG_CACHE_TTL", "5m")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("CARE_TIMEZONE", "UTC")
	v.SetDefault("FLAG_MATCH_WINDOW", "4h")
	v.SetDefault("EXPLICIT_MATCH_WINDOW", "2h")
	v.SetDefault("CONFLICT_WINDOW", "2h")
	v.SetDefault("EXCLUDE_SAME_CAREGIVER", false)

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location loads CARE_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.CareTimezone)
	if err != nil {
		return nil, fmt.Errorf("CARE_TIMEZONE %q: %w", c.CareTimezone, err)
	}
	return loc, nil
}

// NeedsDatabase reports whether any configured backend reads Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.StoreBackend == StorePostgres || c.CatalogBackend == CatalogPostgres
}

// Validate checks backend combinations, windows and auth settings.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StorePostgres:
	case StoreBadger:
		if c.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR is required when STORE_BACKEND is %q", StoreBadger)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q or %q, got %q", StoreMemory, StorePostgres, StoreBadger, c.StoreBackend)
	}

	switch c.CatalogBackend {
	case CatalogPostgres:
	case CatalogFile:
		if c.CatalogFile == "" {
			return fmt.Errorf("CATALOG_FILE is required when CATALOG_BACKEND is %q", CatalogFile)
		}
	default:
		return fmt.Errorf("CATALOG_BACKEND must be %q or %q, got %q", CatalogPostgres, CatalogFile, c.CatalogBackend)
	}

	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres store or catalog")
	}

	// A zero form window falls back to CONFLICT_WINDOW.
	for name, d := range map[string]time.Duration{
		"FLAG_MATCH_WINDOW":     c.FlagMatchWindow,
		"EXPLICIT_MATCH_WINDOW": c.ExplicitMatchWindow,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if c.ConflictWindow <= 0 {
		return fmt.Errorf("CONFLICT_WINDOW must be positive, got %s", c.ConflictWindow)
	}
	if c.CatalogCacheTTL < 0 || c.IdempotencyTTL < 0 {
		return fmt.Errorf("CATALOG_CACHE_TTL and IDEMPOTENCY_TTL must not be negative")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	// Outside development every request must carry a verifiable token.
	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY is required when ENV=%q; refusing to start without authentication", c.Env)
	}
	return nil
}
