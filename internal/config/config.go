package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingSecret is returned when no signing secret is configured.
// The daemon treats it as fatal at startup; tokens cannot be issued or
// verified without it.
var ErrMissingSecret = errors.New("config: signing secret is not configured")

const (
	envSecret    = "GATEHOUSE_AUTH_SECRET"
	envPGDSN     = "GATEHOUSE_PG_DSN"
	envRedisAddr = "GATEHOUSE_REDIS_ADDR"
	envListen    = "GATEHOUSE_LISTEN"
	envHashCost  = "GATEHOUSE_HASH_COST"
)

// Config is the root configuration. Values are loaded once at startup
// from an optional YAML file and overridden by environment variables;
// nothing is re-read per request.
type Config struct {
	Listen  string      `yaml:"listen"`
	Store   StoreConfig `yaml:"store"`
	Auth    AuthConfig  `yaml:"auth"`
	Version string      `yaml:"-"`
}

// StoreConfig selects and configures the persistence backend for
// refresh-token records and the user directory.
type StoreConfig struct {
	// Backend is "postgres" or "redis". The directory and role stores
	// always live in Postgres; Backend selects where refresh-token
	// records are kept.
	Backend   string `yaml:"backend"`
	PGDSN     string `yaml:"pg_dsn"`
	RedisAddr string `yaml:"redis_addr"`
}

// AuthConfig carries the token and credential parameters.
type AuthConfig struct {
	// SigningSecret is the symmetric key for access and refresh token
	// signatures. Required.
	SigningSecret string        `yaml:"signing_secret"`
	Issuer        string        `yaml:"issuer"`
	HashCost      int           `yaml:"hash_cost"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	// LoginBurst and LoginPerMinute bound repeated login attempts per
	// handle.
	LoginBurst     int `yaml:"login_burst"`
	LoginPerMinute int `yaml:"login_per_minute"`
}

// Defaults returns the built-in configuration before file and
// environment overrides.
func Defaults() Config {
	return Config{
		Listen: ":8080",
		Store: StoreConfig{
			Backend: "postgres",
		},
		Auth: AuthConfig{
			Issuer:         "gatehouse",
			HashCost:       10,
			AccessTTL:      15 * time.Minute,
			RefreshTTL:     30 * 24 * time.Hour,
			LoginBurst:     5,
			LoginPerMinute: 10,
		},
	}
}

// Load reads configuration from the YAML file at path (skipped when
// path is empty), applies environment overrides, and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(envSecret)); v != "" {
		cfg.Auth.SigningSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(envPGDSN)); v != "" {
		cfg.Store.PGDSN = v
	}
	if v := strings.TrimSpace(os.Getenv(envRedisAddr)); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envListen)); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv(envHashCost)); v != "" {
		if cost, err := strconv.Atoi(v); err == nil {
			cfg.Auth.HashCost = cost
		}
	}
}

// Validate checks invariants that must hold before the service starts.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return ErrMissingSecret
	}
	switch c.Store.Backend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		return errors.New("config: refresh TTL must exceed access TTL")
	}
	return nil
}
