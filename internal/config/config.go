// Package config loads and validates the engine configuration file.
//
// Configuration is YAML with environment variable overrides for secrets:
// API keys belong in TRADESYNC_<EXCHANGE>_KEY / TRADESYNC_<EXCHANGE>_SECRET,
// not in the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"tradesync/internal/utils"
)

// maxCoins bounds the coins-of-interest list.
const maxCoins = 64

// Config holds all engine settings.
type Config struct {
	Engine    EngineConfig           `yaml:"engine"`
	Exchanges map[string]VenueConfig `yaml:"exchanges" validate:"required,min=1"`
	Logging   LoggingConfig          `yaml:"logging"`
}

// EngineConfig holds venue-independent engine settings.
type EngineConfig struct {
	// Coins is the list of currency symbols the engine synchronizes.
	Coins []string `yaml:"coins" validate:"required,min=1"`

	// LiveTrading enables real order submission. Off by default; when off,
	// orders are simulated locally.
	LiveTrading bool `yaml:"live_trading"`

	// SimLatency is the artificial delay applied to simulated orders.
	SimLatency time.Duration `yaml:"sim_latency"`

	// QueueCapacity sizes the integration queue.
	QueueCapacity int `yaml:"queue_capacity"`

	// MaxEventSubscribers caps concurrent event subscriptions.
	MaxEventSubscribers int `yaml:"max_event_subscribers"`
}

// VenueConfig holds the settings of a single exchange connection.
type VenueConfig struct {
	// Enabled toggles the exchange without removing its configuration.
	Enabled bool `yaml:"enabled"`

	// BaseURL overrides the driver's default REST endpoint, mainly for
	// testing against a mock server.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// PushURL overrides the WebSocket push endpoint (Poloniex only).
	PushURL string `yaml:"push_url"`

	// APIKey and APISecret sign private calls. Prefer the environment
	// variables over the file.
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// RequestRate is the server request-rate limit in requests per second.
	RequestRate float64 `yaml:"request_rate" validate:"omitempty,gt=0"`

	// PollPeriod is the market-data polling cadence.
	PollPeriod time.Duration `yaml:"poll_period"`

	// UpdateCadence is the polling cadence for balances, positions and
	// trade history.
	UpdateCadence time.Duration `yaml:"update_cadence"`

	// Fee is the taker fee fraction, e.g. "0.0025".
	Fee string `yaml:"fee"`
}

// FeeDecimal parses the fee field. Validate has already checked it.
func (v VenueConfig) FeeDecimal() decimal.Decimal {
	if v.Fee == "" {
		return decimal.Zero
	}
	d, _ := decimal.NewFromString(v.Fee)
	return d
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error").
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool `yaml:"pretty"`
}

// Load reads, validates and defaults the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.overrideWithEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Engine.QueueCapacity <= 0 {
		c.Engine.QueueCapacity = 256
	}
	if c.Engine.MaxEventSubscribers <= 0 {
		c.Engine.MaxEventSubscribers = 16
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if err := utils.ValidateCoinSymbols(c.Engine.Coins, maxCoins); err != nil {
		return fmt.Errorf("engine.coins: %w", err)
	}
	for name, venue := range c.Exchanges {
		if name == "" {
			return fmt.Errorf("exchange with empty name")
		}
		if venue.PollPeriod < 0 || venue.UpdateCadence < 0 {
			return fmt.Errorf("exchange %s: cadences must not be negative", name)
		}
		if venue.Fee != "" {
			fee, err := decimal.NewFromString(venue.Fee)
			if err != nil {
				return fmt.Errorf("exchange %s: invalid fee %q: %w", name, venue.Fee, err)
			}
			if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
				return fmt.Errorf("exchange %s: fee must be in [0, 1)", name)
			}
		}
	}
	return nil
}

// overrideWithEnv replaces secrets with environment variables when present.
// Environment variables take precedence over the file.
func (c *Config) overrideWithEnv() {
	for name, venue := range c.Exchanges {
		prefix := "TRADESYNC_" + envName(name)
		if key := os.Getenv(prefix + "_KEY"); key != "" {
			venue.APIKey = key
		}
		if secret := os.Getenv(prefix + "_SECRET"); secret != "" {
			venue.APISecret = secret
		}
		c.Exchanges[name] = venue
	}
}

// envName uppercases an exchange name for environment variable lookup,
// replacing anything outside [A-Z0-9] with underscores.
func envName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			out[i] = ch - 'a' + 'A'
		case (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9'):
			out[i] = ch
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
