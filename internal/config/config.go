package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL   string        `mapstructure:"REDIS_URL"`
	StagingTTL time.Duration `mapstructure:"STAGING_TTL"`

	GeocoderBaseURL   string        `mapstructure:"GEOCODER_BASE_URL"`
	GeocoderTimeout   time.Duration `mapstructure:"GEOCODER_TIMEOUT"`
	GeocoderTableFile string        `mapstructure:"GEOCODER_TABLE_FILE"`
	GeocodeCacheTTL   time.Duration `mapstructure:"GEOCODE_CACHE_TTL"`
	GeocodeMissTTL    time.Duration `mapstructure:"GEOCODE_MISS_TTL"`

	VocabularyFile      string  `mapstructure:"VOCABULARY_FILE"`
	SearchDefaultRadius float64 `mapstructure:"SEARCH_DEFAULT_RADIUS"`
	SearchMaxRadius     float64 `mapstructure:"SEARCH_MAX_RADIUS"`
	SearchNearbyLimit   int     `mapstructure:"SEARCH_NEARBY_LIMIT"`

	SupportWebhookURL    string        `mapstructure:"SUPPORT_WEBHOOK_URL"`
	SupportWebhookSecret string        `mapstructure:"SUPPORT_WEBHOOK_SECRET"`
	SupportTimeout       time.Duration `mapstructure:"SUPPORT_TIMEOUT"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "STAGING_TTL",
	"GEOCODER_BASE_URL", "GEOCODER_TIMEOUT", "GEOCODER_TABLE_FILE", "GEOCODE_CACHE_TTL", "GEOCODE_MISS_TTL",
	"VOCABULARY_FILE", "SEARCH_DEFAULT_RADIUS", "SEARCH_MAX_RADIUS", "SEARCH_NEARBY_LIMIT",
	"SUPPORT_WEBHOOK_URL", "SUPPORT_WEBHOOK_SECRET", "SUPPORT_TIMEOUT",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads configuration from the environment, with an optional .env file
// in the working directory underneath it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "trialsites.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STAGING_TTL", "24h")
	v.SetDefault("GEOCODER_BASE_URL", "https://api.zippopotam.us/us")
	v.SetDefault("GEOCODER_TIMEOUT", "3s")
	v.SetDefault("GEOCODE_CACHE_TTL", "24h")
	v.SetDefault("GEOCODE_MISS_TTL", "10m")
	v.SetDefault("SEARCH_DEFAULT_RADIUS", 50)
	v.SetDefault("SEARCH_MAX_RADIUS", 500)
	v.SetDefault("SEARCH_NEARBY_LIMIT", 5)
	v.SetDefault("SUPPORT_TIMEOUT", "5s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "1M")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DevAuth reports whether requests without a token are let through as the
// development admin user.
func (c *Config) DevAuth() bool {
	return c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == ""
}

// Validate checks driver-specific requirements and, outside development,
// that real authentication is configured.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set (current ENV=%q); "+
			"refusing to start without authentication", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes in production")
	}

	if c.SearchMaxRadius <= 0 || c.SearchDefaultRadius <= 0 {
		return fmt.Errorf("SEARCH_DEFAULT_RADIUS and SEARCH_MAX_RADIUS must be positive")
	}
	if c.SearchDefaultRadius > c.SearchMaxRadius {
		return fmt.Errorf("SEARCH_DEFAULT_RADIUS (%g) exceeds SEARCH_MAX_RADIUS (%g)", c.SearchDefaultRadius, c.SearchMaxRadius)
	}
	if c.SupportWebhookURL != "" && c.SupportWebhookSecret == "" {
		return fmt.Errorf("SUPPORT_WEBHOOK_SECRET is required when SUPPORT_WEBHOOK_URL is set")
	}
	if c.StagingTTL <= 0 {
		return fmt.Errorf("STAGING_TTL must be positive")
	}
	return nil
}
