package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	CatalogCacheTTL    time.Duration `mapstructure:"CATALOG_CACHE_TTL"`
	TransitionGuardTTL time.Duration `mapstructure:"TRANSITION_GUARD_TTL"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"CATALOG_CACHE_TTL", "TRANSITION_GUARD_TTL", "AUTH_ISSUER", "AUTH_JWKS_URL",
	"AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "BODY_LIMIT", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CATALOG_CACHE_TTL", "5m")
	v.SetDefault("TRANSITION_GUARD_TTL", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
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

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// JWKSURL is AUTH_JWKS_URL, or the issuer's well-known key set.
func (c *Config) JWKSURL() string {
	if c.AuthJWKSURL != "" || c.AuthIssuer == "" {
		return c.AuthJWKSURL
	}
	return strings.TrimRight(c.AuthIssuer, "/") + "/.well-known/jwks.json"
}

// Validate refuses configurations that would serve encounters without real
// token validation outside development.
func (c *Config) Validate() error {
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.TransitionGuardTTL <= 0 {
		return fmt.Errorf("TRANSITION_GUARD_TTL must be positive, got %s", c.TransitionGuardTTL)
	}
	if c.CatalogCacheTTL < 0 {
		return fmt.Errorf("CATALOG_CACHE_TTL must not be negative, got %s", c.CatalogCacheTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if n, err := bytes.Parse(c.BodyLimit); err != nil || n <= 0 {
		return fmt.Errorf("BODY_LIMIT %q is not a size such as 512K or 1M", c.BodyLimit)
	}
	if c.IsDev() {
		return nil
	}
	if c.AuthSigningKey == "" && c.JWKSURL() == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_ISSUER must be set when ENV=%q; "+
			"refusing to start without token validation", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.IsProduction() && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required in production")
	}
	return nil
}
