package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testKey     = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testAccess  = "access-secret-access-secret-0123456789"
	testRefresh = "refresh-secret-refresh-secret-0123456789"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("FAMSAVE_CRYPTO_FIELD_KEY", testKey)
	t.Setenv("FAMSAVE_TOKEN_ACCESS_SECRET", testAccess)
	t.Setenv("FAMSAVE_TOKEN_REFRESH_SECRET", testRefresh)
}

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	setRequired(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Token.AccessTTL != 7*time.Minute || cfg.Token.RefreshTTL != 7*24*time.Hour {
		t.Errorf("token ttls = %v/%v", cfg.Token.AccessTTL, cfg.Token.RefreshTTL)
	}
	if cfg.Guard.Window != 15*time.Minute || cfg.Guard.Threshold != 5 || cfg.Guard.Lockout != 15*time.Minute {
		t.Errorf("guard = %+v", cfg.Guard)
	}
	if cfg.Account.LockThreshold != 5 || cfg.Account.LockDuration != 15*time.Minute {
		t.Errorf("account = %+v", cfg.Account)
	}
	if cfg.PG.DSN != "" || cfg.Redis.Addr != "" {
		t.Errorf("stores should default to in-memory: %+v %+v", cfg.PG, cfg.Redis)
	}
	if cfg.Password.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.Password.BcryptCost)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	chdirTemp(t)
	setRequired(t)
	t.Setenv("FAMSAVE_HTTP_ADDR", ":9999")
	t.Setenv("FAMSAVE_GUARD_WINDOW", "5m")
	t.Setenv("FAMSAVE_GUARD_THRESHOLD", "3")
	t.Setenv("FAMSAVE_HTTP_TRUST_PROXY", "true")
	t.Setenv("FAMSAVE_REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9999" || !cfg.HTTP.TrustProxy {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Guard.Window != 5*time.Minute || cfg.Guard.Threshold != 3 {
		t.Errorf("guard = %+v", cfg.Guard)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
}

func TestLoadFileAndDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	yaml := "http:\n  addr: \":7000\"\nlog:\n  level: debug\ntoken:\n  issuer: from-yaml\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	dotenv := strings.Join([]string{
		"FAMSAVE_CRYPTO_FIELD_KEY=" + testKey,
		"FAMSAVE_TOKEN_ACCESS_SECRET=" + testAccess,
		"FAMSAVE_TOKEN_REFRESH_SECRET=" + testRefresh,
		"FAMSAVE_TOKEN_ISSUER=from-dotenv",
		"FAMSAVE_LOG_LEVEL=warn",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("FAMSAVE_LOG_LEVEL", "error")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":7000" {
		t.Errorf("HTTP.Addr = %q, want value from yaml", cfg.HTTP.Addr)
	}
	if cfg.Token.Issuer != "from-dotenv" {
		t.Errorf("Token.Issuer = %q, .env should override yaml", cfg.Token.Issuer)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, process env should win", cfg.Log.Level)
	}
	if cfg.Crypto.FieldKey != testKey {
		t.Errorf("FieldKey not read from .env")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	chdirTemp(t)
	setRequired(t)
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	chdirTemp(t)
	cases := map[string]map[string]string{
		"missing field key": {"FAMSAVE_CRYPTO_FIELD_KEY": ""},
		"short secret":      {"FAMSAVE_TOKEN_ACCESS_SECRET": "short"},
		"same secrets":      {"FAMSAVE_TOKEN_REFRESH_SECRET": testAccess},
		"ttl order":         {"FAMSAVE_TOKEN_ACCESS_TTL": "200h"},
		"zero threshold":    {"FAMSAVE_GUARD_THRESHOLD": "0"},
		"bcrypt cost":       {"FAMSAVE_PASSWORD_BCRYPT_COST": "40"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName("guard.sweep_interval"); got != "FAMSAVE_GUARD_SWEEP_INTERVAL" {
		t.Fatalf("EnvName = %q", got)
	}
}
