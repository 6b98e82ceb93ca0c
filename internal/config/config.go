// Package config defines all configuration for the exchange server.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via CAMPX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Market  MarketConfig  `mapstructure:"market"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Seed    SeedConfig    `mapstructure:"seed"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StorageConfig sets where the SQLite database lives.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig tunes the matching engine.
//
//   - SweepInterval: how often the periodic re-matching pass runs. Matching
//     also runs after every order event; the sweep is a safety net.
type EngineConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// MarketConfig sets the initial runtime parameters for a fresh database.
// Once the server has run, the persisted snapshot wins and admin endpoints
// are the way to change these.
type MarketConfig struct {
	IPOShares          int64    `mapstructure:"ipo_shares"`
	IPOUnitPrice       int64    `mapstructure:"ipo_unit_price"`
	TransferFeeRateBps int64    `mapstructure:"transfer_fee_rate_bps"`
	TransferMinFee     int64    `mapstructure:"transfer_min_fee"`
	LimitPercentBps    int64    `mapstructure:"limit_percent_bps"`
	Windows            []Window `mapstructure:"windows"`
}

// Window is one trading window in the config file, RFC3339 instants.
type Window struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// AuthConfig maps participants to the admin capability set. The engine only
// sees a can(participant, action) predicate built from these lists.
type AuthConfig struct {
	AdminIDs   []string `mapstructure:"admin_ids"`
	AdminRoles []string `mapstructure:"admin_roles"`
}

// SeedConfig registers participants at startup. Existing participants are
// left untouched.
type SeedConfig struct {
	Participants []SeedParticipant `mapstructure:"participants"`
}

type SeedParticipant struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Team   string `mapstructure:"team"`
	Role   string `mapstructure:"role"`
	Points int64  `mapstructure:"points"`
}

// Load reads config from a YAML file with env var overrides
// (CAMPX_SERVER_PORT, CAMPX_STORAGE_PATH, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CAMPX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if p := os.Getenv("CAMPX_STORAGE_PATH"); p != "" {
		cfg.Storage.Path = p
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.path", "campex.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("engine.sweep_interval", "60s")
	v.SetDefault("market.ipo_shares", 10000)
	v.SetDefault("market.ipo_unit_price", 20)
	v.SetDefault("market.transfer_fee_rate_bps", 100)
	v.SetDefault("market.transfer_min_fee", 1)
	v.SetDefault("market.limit_percent_bps", 1000)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be one of: text, json")
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("engine.sweep_interval must be > 0")
	}
	if c.Market.IPOShares < 0 {
		return fmt.Errorf("market.ipo_shares must be >= 0")
	}
	if c.Market.IPOUnitPrice < 1 {
		return fmt.Errorf("market.ipo_unit_price must be >= 1")
	}
	if c.Market.TransferFeeRateBps < 0 || c.Market.TransferFeeRateBps > 10000 {
		return fmt.Errorf("market.transfer_fee_rate_bps must be in [0, 10000]")
	}
	if c.Market.TransferMinFee < 1 {
		return fmt.Errorf("market.transfer_min_fee must be >= 1")
	}
	if c.Market.LimitPercentBps <= 0 || c.Market.LimitPercentBps > 10000 {
		return fmt.Errorf("market.limit_percent_bps must be in (0, 10000]")
	}
	for i, w := range c.Market.Windows {
		start, err := time.Parse(time.RFC3339, w.Start)
		if err != nil {
			return fmt.Errorf("market.windows[%d].start: %w", i, err)
		}
		end, err := time.Parse(time.RFC3339, w.End)
		if err != nil {
			return fmt.Errorf("market.windows[%d].end: %w", i, err)
		}
		if !start.Before(end) {
			return fmt.Errorf("market.windows[%d]: start must be before end", i)
		}
	}
	seen := make(map[string]bool)
	for i, p := range c.Seed.Participants {
		if p.ID == "" {
			return fmt.Errorf("seed.participants[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("seed.participants[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Points < 0 {
			return fmt.Errorf("seed.participants[%d].points must be >= 0", i)
		}
	}
	return nil
}
