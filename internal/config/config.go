// Package config loads and validates daemon configuration from env and an
// optional .env file using Viper.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/MP2EZ/being-sync/internal/tier"
)

// Config holds daemon configuration loaded from the environment.
type Config struct {
	// StateDir is the directory holding the durable store, spool, and logs.
	StateDir string `mapstructure:"STATE_DIR"`
	// SpoolDir is the capture spool directory. Defaults to STATE_DIR/spool.
	SpoolDir string `mapstructure:"SPOOL_DIR"`
	// RelayURL is the sync relay websocket endpoint (e.g. wss://relay.example.com/sync).
	RelayURL string `mapstructure:"RELAY_URL"`
	// SealKey is the hex-encoded 32-byte payload encryption key.
	SealKey string `mapstructure:"SEAL_KEY"`
	// Tier is the initial subscription tier until billing state arrives.
	Tier string `mapstructure:"TIER"`
	// TierCatalogFile optionally overrides the built-in tier catalog (YAML).
	TierCatalogFile string `mapstructure:"TIER_CATALOG_FILE"`
	// RulesFile optionally adds alert rules to the defaults (TOML).
	RulesFile string `mapstructure:"RULES_FILE"`
	// DashboardPort is the dashboard listen port. Zero disables the dashboard.
	DashboardPort int `mapstructure:"DASHBOARD_PORT"`
	// SpoolDebounce is how long a capture file must settle before parsing.
	SpoolDebounce string `mapstructure:"SPOOL_DEBOUNCE"`

	// LogFile is the rotated log destination. Empty logs to stderr only.
	LogFile string `mapstructure:"LOG_FILE"`
	// LogMaxSizeMB rotates the log file past this size.
	LogMaxSizeMB int `mapstructure:"LOG_MAX_SIZE_MB"`
	// LogMaxBackups bounds retained rotated files.
	LogMaxBackups int `mapstructure:"LOG_MAX_BACKUPS"`
	// LogMaxAgeDays bounds retained file age.
	LogMaxAgeDays int `mapstructure:"LOG_MAX_AGE_DAYS"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Missing .env is ignored; real env vars override it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("STATE_DIR", ".beingsync")
	v.SetDefault("SPOOL_DIR", "")
	v.SetDefault("RELAY_URL", "")
	v.SetDefault("SEAL_KEY", "")
	v.SetDefault("TIER", string(tier.TierTrial))
	v.SetDefault("TIER_CATALOG_FILE", "")
	v.SetDefault("RULES_FILE", "")
	v.SetDefault("DASHBOARD_PORT", 8484)
	v.SetDefault("SPOOL_DEBOUNCE", "100ms")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_MAX_SIZE_MB", 10)
	v.SetDefault("LOG_MAX_BACKUPS", 3)
	v.SetDefault("LOG_MAX_AGE_DAYS", 30)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(cfg.StateDir, "spool")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks fields the daemon cannot start without.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return errors.New("config: STATE_DIR must be set")
	}
	if !tier.Tier(c.Tier).Valid() {
		return fmt.Errorf("config: unknown TIER %q", c.Tier)
	}
	if c.SealKey != "" {
		if _, err := c.SealKeyBytes(); err != nil {
			return err
		}
	}
	if _, err := c.SpoolDebounceInterval(); err != nil {
		return err
	}
	return nil
}

// StorePath is the durable store location inside the state directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.StateDir, "sync.db")
}

// InitialTier is the configured tier as a typed value.
func (c *Config) InitialTier() tier.Tier {
	return tier.Tier(c.Tier)
}

// SealKeyBytes decodes the hex seal key.
func (c *Config) SealKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.SealKey)
	if err != nil {
		return nil, fmt.Errorf("config: SEAL_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: SEAL_KEY must decode to 32 bytes (got %d)", len(key))
	}
	return key, nil
}

// SpoolDebounceInterval parses the spool debounce setting.
func (c *Config) SpoolDebounceInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.SpoolDebounce)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: SPOOL_DEBOUNCE must be a positive duration (got %q)", c.SpoolDebounce)
	}
	return d, nil
}
