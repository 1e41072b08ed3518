// Package config loads the service configuration in three layers: built-in
// defaults, an optional YAML file, then TINYID_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides. Sections are separated by a
// double underscore: TINYID_SESSION__ACCESS_TTL=10m.
const EnvPrefix = "TINYID_"

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tiny-identity/config.yaml",
}

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	JWT       JWTConfig       `koanf:"jwt"`
	Session   SessionConfig   `koanf:"session"`
	Lockout   LockoutConfig   `koanf:"lockout"`
	Passkey   PasskeyConfig   `koanf:"passkey"`
	APIKey    APIKeyConfig    `koanf:"apikey"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	BaseURL         string        `koanf:"base_url"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	PrivateKeyPath string `koanf:"private_key_path"`
	PublicKeyPath  string `koanf:"public_key_path"`
	Issuer         string `koanf:"issuer"`
	// GenerateKey creates and writes a key pair when none exists.
	GenerateKey bool `koanf:"generate_key"`
	KeyBits     int  `koanf:"key_bits"`
}

// SessionConfig holds credential lifetimes.
type SessionConfig struct {
	AccessTTL  time.Duration `koanf:"access_ttl"`
	RefreshTTL time.Duration `koanf:"refresh_ttl"`
}

// LockoutConfig holds the failed-login policy.
type LockoutConfig struct {
	Threshold int           `koanf:"threshold"`
	Duration  time.Duration `koanf:"duration"`
}

// PasskeyConfig holds relying party settings and challenge storage.
type PasskeyConfig struct {
	RPID         string        `koanf:"rp_id"`
	RPName       string        `koanf:"rp_name"`
	Origin       string        `koanf:"origin"`
	ChallengeTTL time.Duration `koanf:"challenge_ttl"`
	// DecoySecret keys the fake credential ids returned for unknown
	// usernames. Leave empty to generate one per process.
	DecoySecret string `koanf:"decoy_secret"`
	// BadgerPath stores challenges on disk. Empty keeps them in PostgreSQL.
	BadgerPath string `koanf:"badger_path"`
}

// APIKeyConfig holds API key limits.
type APIKeyConfig struct {
	// MaxLifetime caps expires_at and is the default when none is given.
	// Zero allows keys without expiry.
	MaxLifetime time.Duration `koanf:"max_lifetime"`
}

// RateLimitConfig limits login attempts per client IP.
type RateLimitConfig struct {
	LoginRequests int           `koanf:"login_requests"`
	LoginWindow   time.Duration `koanf:"login_window"`
	Disabled      bool          `koanf:"disabled"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "postgres://identity@localhost:5432/tiny_identity?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		JWT: JWTConfig{
			PrivateKeyPath: "keys/private.pem",
			PublicKeyPath:  "keys/public.pem",
			Issuer:         "http://localhost:8080",
			GenerateKey:    true,
			KeyBits:        2048,
		},
		Session: SessionConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  15 * time.Minute,
		},
		Passkey: PasskeyConfig{
			RPID:         "localhost",
			RPName:       "Tiny Identity",
			Origin:       "http://localhost:8080",
			ChallengeTTL: 5 * time.Minute,
		},
		APIKey: APIKeyConfig{
			MaxLifetime: 365 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			LoginRequests: 10,
			LoginWindow:   time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads defaults, the first config file found, and the environment.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file. An empty path skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps TINYID_SERVER__READ_TIMEOUT to server.read_timeout.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.JWT.Issuer == "" {
		errs = append(errs, errors.New("jwt.issuer is required"))
	}
	if c.JWT.PrivateKeyPath == "" {
		errs = append(errs, errors.New("jwt.private_key_path is required"))
	}
	if c.JWT.KeyBits < 2048 {
		errs = append(errs, fmt.Errorf("jwt.key_bits must be at least 2048, got %d", c.JWT.KeyBits))
	}

	if c.Session.AccessTTL <= 0 {
		errs = append(errs, errors.New("session.access_ttl must be positive"))
	}
	if c.Session.RefreshTTL <= c.Session.AccessTTL {
		errs = append(errs, errors.New("session.refresh_ttl must exceed session.access_ttl"))
	}

	if c.Lockout.Threshold < 1 {
		errs = append(errs, errors.New("lockout.threshold must be at least 1"))
	}
	if c.Lockout.Duration <= 0 {
		errs = append(errs, errors.New("lockout.duration must be positive"))
	}

	if c.Passkey.RPID == "" {
		errs = append(errs, errors.New("passkey.rp_id is required"))
	}
	if u, err := url.Parse(c.Passkey.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("passkey.origin %q is not an absolute URL", c.Passkey.Origin))
	} else if h := u.Hostname(); h != c.Passkey.RPID && !strings.HasSuffix(h, "."+c.Passkey.RPID) {
		errs = append(errs, fmt.Errorf("passkey.origin host %q is not within rp_id %q", h, c.Passkey.RPID))
	}
	if c.Passkey.ChallengeTTL <= 0 {
		errs = append(errs, errors.New("passkey.challenge_ttl must be positive"))
	}

	if c.APIKey.MaxLifetime < 0 {
		errs = append(errs, errors.New("apikey.max_lifetime cannot be negative"))
	}
	if !c.RateLimit.Disabled && (c.RateLimit.LoginRequests < 1 || c.RateLimit.LoginWindow <= 0) {
		errs = append(errs, errors.New("ratelimit.login_requests and ratelimit.login_window must be positive"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
