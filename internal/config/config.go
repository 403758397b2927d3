// Package config loads the spend ledger configuration from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/custodia-network/spendledger/pkg/logger"
)

// Duration is a time.Duration that unmarshals from YAML strings like "24h".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	*d = Duration(ns)
	return nil
}

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Ledger   LedgerConfig         `yaml:"ledger"`
	Auth     AuthConfig           `yaml:"auth"`
	Logging  logger.LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the backing store. An empty DSN runs the
// in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LedgerConfig carries the accounting engine's tunables.
type LedgerConfig struct {
	ModeDelay             Duration `yaml:"mode_delay"`
	WithdrawalDelay       Duration `yaml:"withdrawal_delay"`
	LimitUpdateDelay      Duration `yaml:"limit_update_delay"`
	ReferrerRateBps       int64    `yaml:"referrer_rate_bps"`
	CreditEnginePrincipal string   `yaml:"credit_engine_principal"`
	CashbackRetryInterval Duration `yaml:"cashback_retry_interval"`
}

// AuthConfig configures instruction signature verification.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	Admins    []string `yaml:"admins"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Ledger: LedgerConfig{
			ModeDelay:             Duration(24 * time.Hour),
			WithdrawalDelay:       Duration(24 * time.Hour),
			LimitUpdateDelay:      Duration(24 * time.Hour),
			ReferrerRateBps:       0,
			CashbackRetryInterval: Duration(time.Minute),
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file at path, falling back to defaults
// when the file is absent, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SPENDLEDGER_ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("SPENDLEDGER_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SPENDLEDGER_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("SPENDLEDGER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SPENDLEDGER_REFERRER_RATE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Ledger.ReferrerRateBps = n
		}
	}
	if v := os.Getenv("SPENDLEDGER_WITHDRAWAL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Ledger.WithdrawalDelay = Duration(d)
		}
	}
	if v := os.Getenv("SPENDLEDGER_MODE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Ledger.ModeDelay = Duration(d)
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Ledger.ModeDelay < 0 || c.Ledger.WithdrawalDelay < 0 || c.Ledger.LimitUpdateDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.Ledger.ReferrerRateBps < 0 || c.Ledger.ReferrerRateBps > 10_000 {
		return fmt.Errorf("referrer_rate_bps out of range: %d", c.Ledger.ReferrerRateBps)
	}
	return nil
}
