package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Oracle source kinds.
const (
	OracleManual    = "manual"
	OracleHTTP      = "http"
	OracleChainlink = "chainlink"
)

// Journal drivers.
const (
	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"
)

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress   string          `yaml:"listen"`
	Environment     string          `yaml:"environment"`
	EngineConfig    string          `yaml:"engine_config"`
	SeedPath        string          `yaml:"seed"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	TLS             TLSConfig       `yaml:"tls"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Oracle          OracleConfig    `yaml:"oracle"`
	Journal         JournalConfig   `yaml:"journal"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig controls bearer token verification. The HMAC secret is never
// read from the file; it comes from the environment variable named by
// SecretEnv.
type AuthConfig struct {
	SecretEnv  string   `yaml:"secret_env"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
	AdminScope string   `yaml:"admin_scope"`

	Secret string `yaml:"-"`
}

// RateLimitConfig bounds mutating requests per caller.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// OracleConfig selects and tunes the gold price source.
type OracleConfig struct {
	Type       string   `yaml:"type"`
	Endpoint   string   `yaml:"endpoint"`
	APIKeyEnv  string   `yaml:"api_key_env"`
	Aggregator string   `yaml:"aggregator"`
	Decimals   uint8    `yaml:"decimals"`
	Timeout    Duration `yaml:"timeout"`
	// ManualPrice seeds the manual feed with a decimal USD price.
	ManualPrice string `yaml:"manual_price"`

	APIKey string `yaml:"-"`
}

// JournalConfig locates the relational event journal.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads the YAML configuration from disk, applies environment secrets
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: ":8080"}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	cfg.applyEnv(os.Getenv)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.EngineConfig = strings.TrimSpace(cfg.EngineConfig)
	if cfg.EngineConfig == "" {
		cfg.EngineConfig = "config.toml"
	}
	cfg.SeedPath = strings.TrimSpace(cfg.SeedPath)
	if cfg.ShutdownTimeout.Duration <= 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	cfg.RateLimit.normalize()
	cfg.Oracle.normalize()
	cfg.Journal.normalize()
}

func (cfg *Config) applyEnv(getenv func(string) string) {
	if cfg.Auth.SecretEnv != "" {
		cfg.Auth.Secret = strings.TrimSpace(getenv(cfg.Auth.SecretEnv))
	}
	if cfg.Oracle.APIKeyEnv != "" {
		cfg.Oracle.APIKey = strings.TrimSpace(getenv(cfg.Oracle.APIKeyEnv))
	}
	if cfg.Journal.DSNEnv != "" {
		if dsn := strings.TrimSpace(getenv(cfg.Journal.DSNEnv)); dsn != "" {
			cfg.Journal.DSN = dsn
		}
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Oracle.validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if err := cfg.Journal.validate(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.SecretEnv = strings.TrimSpace(cfg.SecretEnv)
	if cfg.SecretEnv == "" {
		cfg.SecretEnv = "LENDINGD_JWT_SECRET"
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	cfg.AdminScope = strings.TrimSpace(cfg.AdminScope)
	if cfg.AdminScope == "" {
		cfg.AdminScope = "admin"
	}
	if cfg.ClockSkew.Duration <= 0 {
		cfg.ClockSkew.Duration = 2 * time.Minute
	}
}

func (cfg AuthConfig) validate() error {
	if cfg.Secret == "" {
		return fmt.Errorf("jwt secret missing: set %s", cfg.SecretEnv)
	}
	if len(cfg.Secret) < 32 {
		return fmt.Errorf("jwt secret from %s must be at least 32 bytes", cfg.SecretEnv)
	}
	return nil
}

func (cfg *RateLimitConfig) normalize() {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
}

func (cfg *OracleConfig) normalize() {
	cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))
	if cfg.Type == "" {
		cfg.Type = OracleManual
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.APIKeyEnv = strings.TrimSpace(cfg.APIKeyEnv)
	cfg.Aggregator = strings.TrimSpace(cfg.Aggregator)
	cfg.ManualPrice = strings.TrimSpace(cfg.ManualPrice)
	if cfg.Decimals == 0 {
		cfg.Decimals = 8
	}
	if cfg.Timeout.Duration <= 0 {
		cfg.Timeout.Duration = 5 * time.Second
	}
}

func (cfg OracleConfig) validate() error {
	switch cfg.Type {
	case OracleManual:
	case OracleHTTP:
		if cfg.Endpoint == "" {
			return fmt.Errorf("http feed requires endpoint")
		}
	case OracleChainlink:
		if cfg.Endpoint == "" || cfg.Aggregator == "" {
			return fmt.Errorf("chainlink feed requires endpoint and aggregator")
		}
	default:
		return fmt.Errorf("unsupported type %q", cfg.Type)
	}
	return nil
}

func (cfg *JournalConfig) normalize() {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = JournalSQLite
	}
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	cfg.DSNEnv = strings.TrimSpace(cfg.DSNEnv)
	if cfg.DSN == "" && cfg.Driver == JournalSQLite {
		cfg.DSN = "lendingd-journal.db"
	}
}

func (cfg JournalConfig) validate() error {
	switch cfg.Driver {
	case JournalSQLite:
	case JournalPostgres:
		if cfg.DSN == "" {
			return fmt.Errorf("postgres journal requires dsn or dsn_env")
		}
	default:
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	return nil
}
