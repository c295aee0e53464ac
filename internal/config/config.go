// Package config loads service configuration with Viper from defaults, an
// optional YAML file, an optional .env file and FAMSAVE_* environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. FAMSAVE_PG_DSN for pg.dsn.
const EnvPrefix = "FAMSAVE"

const minSecretLength = 32

// Config holds application configuration.
type Config struct {
	HTTP     HTTP     `mapstructure:"http"`
	GRPC     GRPC     `mapstructure:"grpc"`
	PG       PG       `mapstructure:"pg"`
	Redis    Redis    `mapstructure:"redis"`
	Crypto   Crypto   `mapstructure:"crypto"`
	Token    Token    `mapstructure:"token"`
	Guard    Guard    `mapstructure:"guard"`
	Account  Account  `mapstructure:"account"`
	Password Password `mapstructure:"password"`
	Log      Log      `mapstructure:"log"`
}

type HTTP struct {
	Addr         string  `mapstructure:"addr"`
	// TrustProxy takes the client origin from X-Forwarded-For.
	TrustProxy   bool    `mapstructure:"trust_proxy"`
	MaxBodyBytes int64   `mapstructure:"max_body_bytes"`
	RateBurst    int     `mapstructure:"rate_burst"`
	RatePerSec   float64 `mapstructure:"rate_per_sec"`
}

type GRPC struct {
	// Addr is the gRPC health listener; empty disables it.
	Addr string `mapstructure:"addr"`
}

type PG struct {
	// DSN selects the PostgreSQL store; empty uses the in-memory store.
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
	// MigrateOnStart applies pending migrations before serving.
	MigrateOnStart bool `mapstructure:"migrate_on_start"`
}

type Redis struct {
	// Addr selects the shared Redis guard; empty keeps attempts in memory.
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Crypto struct {
	// FieldKey is the 32-byte field encryption key as hex, base64 or raw.
	FieldKey string `mapstructure:"field_key"`
}

type Token struct {
	AccessSecret  string        `mapstructure:"access_secret"`
	RefreshSecret string        `mapstructure:"refresh_secret"`
	Issuer        string        `mapstructure:"issuer"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
}

type Guard struct {
	Window        time.Duration `mapstructure:"window"`
	Threshold     int           `mapstructure:"threshold"`
	Lockout       time.Duration `mapstructure:"lockout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Shards        int           `mapstructure:"shards"`
}

type Account struct {
	LockThreshold int           `mapstructure:"lock_threshold"`
	LockDuration  time.Duration `mapstructure:"lock_duration"`
}

type Password struct {
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

type Log struct {
	Level string `mapstructure:"level"`
	Env   string `mapstructure:"env"`
}

var defaults = map[string]any{
	"http.addr":              ":8080",
	"http.trust_proxy":       false,
	"http.max_body_bytes":    1 << 20,
	"http.rate_burst":        20,
	"http.rate_per_sec":      10.0,
	"grpc.addr":              ":9090",
	"pg.dsn":                 "",
	"pg.timeout":             3 * time.Second,
	"pg.migrate_on_start":    false,
	"redis.addr":             "",
	"redis.password":         "",
	"redis.db":               0,
	"crypto.field_key":       "",
	"token.access_secret":    "",
	"token.refresh_secret":   "",
	"token.issuer":           "famsave",
	"token.access_ttl":       7 * time.Minute,
	"token.refresh_ttl":      7 * 24 * time.Hour,
	"guard.window":           15 * time.Minute,
	"guard.threshold":        5,
	"guard.lockout":          15 * time.Minute,
	"guard.sweep_interval":   10 * time.Minute,
	"guard.shards":           32,
	"account.lock_threshold": 5,
	"account.lock_duration":  15 * time.Minute,
	"password.bcrypt_cost":   12,
	"log.level":              "info",
	"log.env":                "production",
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load builds and validates Config. file is an optional YAML path; a missing
// file is an error only when named explicitly. A .env file in the working
// directory is read when present; real environment variables win over it.
func Load(file string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	if err := mergeDotEnv(v, ".env"); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeDotEnv copies FAMSAVE_* entries of a dotenv file onto known keys,
// unless the process environment already sets them.
func mergeDotEnv(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	env := viper.New()
	env.SetConfigFile(path)
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	for key := range defaults {
		name := EnvName(key)
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		if val := env.GetString(strings.ToLower(name)); val != "" {
			v.Set(key, val)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.HTTP.Addr) == "":
		return errors.New("config: http.addr must be set")
	case c.HTTP.MaxBodyBytes <= 0:
		return errors.New("config: http.max_body_bytes must be positive")
	case c.HTTP.RatePerSec <= 0 || c.HTTP.RateBurst <= 0:
		return errors.New("config: http.rate_per_sec and http.rate_burst must be positive")
	case strings.TrimSpace(c.Crypto.FieldKey) == "":
		return fmt.Errorf("config: crypto.field_key must be set (%s)", EnvName("crypto.field_key"))
	case len(c.Token.AccessSecret) < minSecretLength:
		return fmt.Errorf("config: token.access_secret must be at least %d bytes", minSecretLength)
	case len(c.Token.RefreshSecret) < minSecretLength:
		return fmt.Errorf("config: token.refresh_secret must be at least %d bytes", minSecretLength)
	case c.Token.AccessSecret == c.Token.RefreshSecret:
		return errors.New("config: token.access_secret and token.refresh_secret must differ")
	case c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0:
		return errors.New("config: token ttls must be positive")
	case c.Token.AccessTTL >= c.Token.RefreshTTL:
		return errors.New("config: token.access_ttl must be shorter than token.refresh_ttl")
	case c.Guard.Window <= 0 || c.Guard.Lockout <= 0 || c.Guard.Threshold <= 0:
		return errors.New("config: guard window, lockout and threshold must be positive")
	case c.Guard.SweepInterval < 0 || c.Guard.Shards < 0:
		return errors.New("config: guard.sweep_interval and guard.shards must not be negative")
	case c.Account.LockThreshold <= 0 || c.Account.LockDuration <= 0:
		return errors.New("config: account lock threshold and duration must be positive")
	case c.Password.BcryptCost < 4 || c.Password.BcryptCost > 31:
		return errors.New("config: password.bcrypt_cost must be between 4 and 31")
	case c.PG.Timeout <= 0:
		return errors.New("config: pg.timeout must be positive")
	}
	return nil
}
