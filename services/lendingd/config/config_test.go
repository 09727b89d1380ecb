package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LENDINGD_JWT_SECRET", testSecret)
	path := writeConfig(t, `
listen: " :6000 "
tls:
  allow_insecure: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Auth.Secret != testSecret || cfg.Auth.AdminScope != "admin" {
		t.Fatalf("unexpected auth defaults: %+v", cfg.Auth)
	}
	if cfg.Auth.ClockSkew.Duration != 2*time.Minute || cfg.ShutdownTimeout.Duration != 10*time.Second {
		t.Fatalf("unexpected duration defaults: skew=%s shutdown=%s", cfg.Auth.ClockSkew, cfg.ShutdownTimeout)
	}
	if cfg.Oracle.Type != OracleManual || cfg.Oracle.Decimals != 8 {
		t.Fatalf("unexpected oracle defaults: %+v", cfg.Oracle)
	}
	if cfg.Journal.Driver != JournalSQLite || cfg.Journal.DSN == "" {
		t.Fatalf("unexpected journal defaults: %+v", cfg.Journal)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.Burst != 20 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.EngineConfig != "config.toml" {
		t.Fatalf("unexpected engine config: %s", cfg.EngineConfig)
	}
}

func TestLoadConfigParsesSections(t *testing.T) {
	t.Setenv("CUSTOM_SECRET", testSecret)
	t.Setenv("GOLD_API_KEY", " key-123 ")
	t.Setenv("JOURNAL_DSN", "postgres://lending@db/journal")
	path := writeConfig(t, `
listen: ":7000"
environment: staging
engine_config: /etc/vaultlend/config.toml
seed: /etc/vaultlend/seed.yaml
shutdown_timeout: 30s
tls:
  allow_insecure: true
auth:
  secret_env: CUSTOM_SECRET
  issuer: vaultlend
  audience: lendingd
  clock_skew: 30s
rate_limit:
  requests_per_minute: 30
  burst: 5
oracle:
  type: HTTP
  endpoint: https://prices.example/gold
  api_key_env: GOLD_API_KEY
  timeout: 2s
journal:
  driver: postgres
  dsn_env: JOURNAL_DSN
telemetry:
  endpoint: otel:4318
  traces: true
  sample_ratio: 0.25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ShutdownTimeout.Duration != 30*time.Second || cfg.Auth.ClockSkew.Duration != 30*time.Second {
		t.Fatalf("unexpected durations: %s %s", cfg.ShutdownTimeout, cfg.Auth.ClockSkew)
	}
	if cfg.Oracle.Type != OracleHTTP || cfg.Oracle.APIKey != "key-123" || cfg.Oracle.Timeout.Duration != 2*time.Second {
		t.Fatalf("unexpected oracle: %+v", cfg.Oracle)
	}
	if cfg.Journal.DSN != "postgres://lending@db/journal" {
		t.Fatalf("dsn env not applied: %q", cfg.Journal.DSN)
	}
	if cfg.RateLimit.Burst != 5 || cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("unexpected limits: %+v %+v", cfg.RateLimit, cfg.Telemetry)
	}
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	t.Setenv("LENDINGD_JWT_SECRET", "")
	path := writeConfig(t, `
tls:
  allow_insecure: true
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "LENDINGD_JWT_SECRET") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("LENDINGD_JWT_SECRET", testSecret)
	cases := map[string]string{
		"tls required":         "listen: \":1\"\n",
		"cert without key":     "tls:\n  cert: server.crt\n",
		"unknown oracle":       "tls:\n  allow_insecure: true\noracle:\n  type: carrier-pigeon\n",
		"chainlink missing":    "tls:\n  allow_insecure: true\noracle:\n  type: chainlink\n  endpoint: http://node\n",
		"postgres without dsn": "tls:\n  allow_insecure: true\njournal:\n  driver: postgres\n",
		"bad duration":         "tls:\n  allow_insecure: true\nshutdown_timeout: soon\n",
		"unknown field":        "tls:\n  allow_insecure: true\nlisten_addr: \":1\"\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, contents)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
