package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentaku/authserver/clients"
	"github.com/sentaku/authserver/storage"
)

const envPrefix = "AUTHSERVER_"

// fileConfig is the YAML configuration file. Every scalar can be overridden
// by an AUTHSERVER_* environment variable.
type fileConfig struct {
	Listen   string `yaml:"listen"`
	Issuer   string `yaml:"issuer"`
	LogLevel string `yaml:"log_level"`

	// SealingKey is the base64 32-byte key for authorization codes. Every
	// instance must share it. Empty generates an ephemeral key.
	SealingKey string `yaml:"sealing_key"`

	// SigningKeyFile is a PEM private key for access tokens. Empty generates
	// an ephemeral RSA key.
	SigningKeyFile string        `yaml:"signing_key_file"`
	Audience       string        `yaml:"audience"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`

	CodeTTL      time.Duration `yaml:"code_ttl"`
	StoreTimeout time.Duration `yaml:"store_timeout"`

	SingleUseCodes   bool `yaml:"single_use_codes"`
	AllowMissingPKCE bool `yaml:"allow_missing_pkce"`
	DisablePKCEPlain bool `yaml:"disable_pkce_plain"`
	Audit            bool `yaml:"audit"`

	RateLimit     rateLimitConfig     `yaml:"rate_limit"`
	Users         usersConfig         `yaml:"users"`
	ConsumedCodes consumedCodesConfig `yaml:"consumed_codes"`
	Metrics       metricsConfig       `yaml:"metrics"`

	// Roles maps role names to permission names. Empty uses the built-in table.
	Roles map[string][]string `yaml:"roles"`

	ClientsFile string           `yaml:"clients_file"`
	Clients     []clients.Client `yaml:"clients"`
}

type rateLimitConfig struct {
	PerMinute         float64 `yaml:"per_minute"`
	Burst             int     `yaml:"burst"`
	TrustProxy        bool    `yaml:"trust_proxy"`
	TrustedProxyCount int     `yaml:"trusted_proxy_count"`
}

type usersConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string       `yaml:"driver"`
	DSN    string       `yaml:"dsn"`
	Seed   []seededUser `yaml:"seed"`
}

// seededUser is created at start-up if it does not already exist.
type seededUser struct {
	ID       string   `yaml:"id"`
	Username string   `yaml:"username"`
	Email    string   `yaml:"email"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles"`
}

func (u seededUser) user() storage.User {
	return storage.User{ID: u.ID, Username: u.Username, Email: u.Email, Roles: u.Roles}
}

type consumedCodesConfig struct {
	// Driver is "memory" or "valkey".
	Driver    string `yaml:"driver"`
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`
}

type metricsConfig struct {
	Enabled    bool `yaml:"enabled"`
	Prometheus bool `yaml:"prometheus"`
}

func defaultConfig() fileConfig {
	return fileConfig{
		Listen:   ":8080",
		Issuer:   "http://localhost:8080",
		LogLevel: "info",
		RateLimit: rateLimitConfig{
			PerMinute: 10,
			Burst:     5,
		},
		Users:         usersConfig{Driver: "memory"},
		ConsumedCodes: consumedCodesConfig{Driver: "memory"},
		Metrics:       metricsConfig{Enabled: true, Prometheus: true},
		Audit:         true,
	}
}

// loadConfig reads path (optional) over the defaults, then applies
// environment overrides.
func loadConfig(path string, getenv func(string) string) (fileConfig, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *fileConfig, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v := getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		v := getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("LISTEN", &cfg.Listen)
	str("ISSUER", &cfg.Issuer)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("SEALING_KEY", &cfg.SealingKey)
	str("SIGNING_KEY_FILE", &cfg.SigningKeyFile)
	str("AUDIENCE", &cfg.Audience)
	str("CLIENTS_FILE", &cfg.ClientsFile)
	str("USERS_DRIVER", &cfg.Users.Driver)
	str("USERS_DSN", &cfg.Users.DSN)
	str("CONSUMED_CODES_DRIVER", &cfg.ConsumedCodes.Driver)
	str("VALKEY_ADDRESS", &cfg.ConsumedCodes.Address)
	str("VALKEY_PASSWORD", &cfg.ConsumedCodes.Password)

	return errors.Join(
		boolean("SINGLE_USE_CODES", &cfg.SingleUseCodes),
		boolean("AUDIT", &cfg.Audit),
		boolean("TRUST_PROXY", &cfg.RateLimit.TrustProxy),
		boolean("METRICS_ENABLED", &cfg.Metrics.Enabled),
		duration("CODE_TTL", &cfg.CodeTTL),
		duration("STORE_TIMEOUT", &cfg.StoreTimeout),
		duration("ACCESS_TOKEN_TTL", &cfg.AccessTokenTTL),
	)
}

func (c fileConfig) validate() error {
	switch c.Users.Driver {
	case "memory":
	case "sqlite":
		if c.Users.DSN == "" {
			return errors.New("users.dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown users driver %q", c.Users.Driver)
	}

	switch c.ConsumedCodes.Driver {
	case "memory":
	case "valkey":
		if c.ConsumedCodes.Address == "" {
			return errors.New("consumed_codes.address is required for the valkey driver")
		}
	default:
		return fmt.Errorf("unknown consumed_codes driver %q", c.ConsumedCodes.Driver)
	}

	if c.ClientsFile == "" && len(c.Clients) == 0 {
		return errors.New("no clients configured")
	}
	return nil
}

// loadClients merges the optional clients file with the inline clients.
func (c fileConfig) loadClients() (*clients.Directory, error) {
	if c.ClientsFile == "" {
		return clients.New(c.Clients...)
	}
	return clients.LoadFile(c.ClientsFile, c.Clients...)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
