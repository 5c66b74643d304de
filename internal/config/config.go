// Package config loads the runtime configuration from YAML, filling every
// unset field with a production default so a missing or partial file still
// yields a runnable setup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/moltapp/tradeloop/internal/httpapi"
	"github.com/moltapp/tradeloop/internal/policy"
	"github.com/moltapp/tradeloop/internal/runner"
	"github.com/moltapp/tradeloop/internal/safety"
)

// Config is the full runtime surface.
type Config struct {
	Agents []string

	Scheduler runner.Config
	Safety    safety.Config
	Policy    policy.Limits

	Confirmation ConfirmationConfig
	RPC          RPCConfig
	HTTP         httpapi.ServerConfig

	MaxSlippageBps float64
	PaperTrading   bool
}

// ConfirmationConfig tunes the transaction confirmation engine.
type ConfirmationConfig struct {
	Commitment string
	Timeout    time.Duration
	RateRPS    float64
	RateBurst  int
}

// RPCConfig points at the ledger RPC endpoint.
type RPCConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// Default returns the full production default configuration.
func Default() Config {
	return Config{
		Agents:    []string{"agent-1"},
		Scheduler: runner.DefaultConfig(),
		Safety:    safety.DefaultConfig(),
		Policy:    policy.DefaultLimits(),
		Confirmation: ConfirmationConfig{
			Commitment: "confirmed",
			Timeout:    30 * time.Second,
			RateRPS:    10,
			RateBurst:  20,
		},
		RPC: RPCConfig{
			Endpoint: "https://api.mainnet-beta.solana.com",
			Timeout:  15 * time.Second,
		},
		HTTP:           httpapi.DefaultServerConfig(),
		MaxSlippageBps: 100,
		PaperTrading:   true,
	}
}

// duration accepts Go duration strings ("30s", "4m") in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = duration(parsed)
	return nil
}

// money accepts decimal amounts ("10", "2.50") in YAML.
type money decimal.Decimal

func (m *money) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", value.Value, err)
	}
	*m = money(parsed)
	return nil
}

// fileConfig mirrors Config for YAML decoding. Fields are pre-populated from
// the defaults before unmarshaling, so absent keys keep their default values.
type fileConfig struct {
	Agents []string `yaml:"agents"`

	Scheduler struct {
		Interval               duration `yaml:"interval"`
		MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
		RunImmediately         bool     `yaml:"run_immediately"`
		EnableAnalytics        bool     `yaml:"enable_analytics"`
		RespectMarketHours     bool     `yaml:"respect_market_hours"`
	} `yaml:"scheduler"`

	Safety struct {
		Timeouts struct {
			Decision  duration `yaml:"decision"`
			Execution duration `yaml:"execution"`
			Round     duration `yaml:"round"`
		} `yaml:"timeouts"`
		MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
		VenueName              string `yaml:"venue_name"`
	} `yaml:"safety"`

	Policy struct {
		MaxTradeSize      money    `yaml:"max_trade_size"`
		DailyVolumeLimit  money    `yaml:"daily_volume_limit"`
		SessionLimit      money    `yaml:"session_limit"`
		AllowedAssets     []string `yaml:"allowed_assets"`
		MaxTradesPerHour  int      `yaml:"max_trades_per_hour"`
		RequireQuoteFirst bool     `yaml:"require_quote_first"`
		Enabled           bool     `yaml:"enabled"`
	} `yaml:"policy"`

	Confirmation struct {
		Commitment string   `yaml:"commitment"`
		Timeout    duration `yaml:"timeout"`
		RateRPS    float64  `yaml:"rate_rps"`
		RateBurst  int      `yaml:"rate_burst"`
	} `yaml:"confirmation"`

	RPC struct {
		Endpoint string   `yaml:"endpoint"`
		Timeout  duration `yaml:"timeout"`
	} `yaml:"rpc"`

	HTTP struct {
		Host         string   `yaml:"host"`
		Port         int      `yaml:"port"`
		ReadTimeout  duration `yaml:"read_timeout"`
		WriteTimeout duration `yaml:"write_timeout"`
		IdleTimeout  duration `yaml:"idle_timeout"`
	} `yaml:"http"`

	MaxSlippageBps float64 `yaml:"max_slippage_bps"`
	PaperTrading   bool    `yaml:"paper_trading"`
}

func fromConfig(c Config) fileConfig {
	var f fileConfig
	f.Agents = c.Agents

	f.Scheduler.Interval = duration(c.Scheduler.Interval)
	f.Scheduler.MaxConsecutiveFailures = c.Scheduler.MaxConsecutiveFailures
	f.Scheduler.RunImmediately = c.Scheduler.RunImmediately
	f.Scheduler.EnableAnalytics = c.Scheduler.EnableAnalytics
	f.Scheduler.RespectMarketHours = c.Scheduler.RespectMarketHours

	f.Safety.Timeouts.Decision = duration(c.Safety.Timeouts.Decision)
	f.Safety.Timeouts.Execution = duration(c.Safety.Timeouts.Execution)
	f.Safety.Timeouts.Round = duration(c.Safety.Timeouts.Round)
	f.Safety.MaxConsecutiveFailures = c.Safety.MaxConsecutiveFailures
	f.Safety.VenueName = c.Safety.VenueName

	f.Policy.MaxTradeSize = money(c.Policy.MaxTradeSize)
	f.Policy.DailyVolumeLimit = money(c.Policy.DailyVolumeLimit)
	f.Policy.SessionLimit = money(c.Policy.SessionLimit)
	f.Policy.AllowedAssets = c.Policy.AllowedAssets
	f.Policy.MaxTradesPerHour = c.Policy.MaxTradesPerHour
	f.Policy.RequireQuoteFirst = c.Policy.RequireQuoteFirst
	f.Policy.Enabled = c.Policy.Enabled

	f.Confirmation.Commitment = c.Confirmation.Commitment
	f.Confirmation.Timeout = duration(c.Confirmation.Timeout)
	f.Confirmation.RateRPS = c.Confirmation.RateRPS
	f.Confirmation.RateBurst = c.Confirmation.RateBurst

	f.RPC.Endpoint = c.RPC.Endpoint
	f.RPC.Timeout = duration(c.RPC.Timeout)

	f.HTTP.Host = c.HTTP.Host
	f.HTTP.Port = c.HTTP.Port
	f.HTTP.ReadTimeout = duration(c.HTTP.ReadTimeout)
	f.HTTP.WriteTimeout = duration(c.HTTP.WriteTimeout)
	f.HTTP.IdleTimeout = duration(c.HTTP.IdleTimeout)

	f.MaxSlippageBps = c.MaxSlippageBps
	f.PaperTrading = c.PaperTrading
	return f
}

func (f fileConfig) toConfig() Config {
	return Config{
		Agents: f.Agents,
		Scheduler: runner.Config{
			Interval:               time.Duration(f.Scheduler.Interval),
			MaxConsecutiveFailures: f.Scheduler.MaxConsecutiveFailures,
			RunImmediately:         f.Scheduler.RunImmediately,
			EnableAnalytics:        f.Scheduler.EnableAnalytics,
			RespectMarketHours:     f.Scheduler.RespectMarketHours,
		},
		Safety: safety.Config{
			Timeouts: safety.Timeouts{
				Decision:  time.Duration(f.Safety.Timeouts.Decision),
				Execution: time.Duration(f.Safety.Timeouts.Execution),
				Round:     time.Duration(f.Safety.Timeouts.Round),
			},
			MaxConsecutiveFailures: f.Safety.MaxConsecutiveFailures,
			VenueName:              f.Safety.VenueName,
		},
		Policy: policy.Limits{
			MaxTradeSize:      decimal.Decimal(f.Policy.MaxTradeSize),
			DailyVolumeLimit:  decimal.Decimal(f.Policy.DailyVolumeLimit),
			SessionLimit:      decimal.Decimal(f.Policy.SessionLimit),
			AllowedAssets:     f.Policy.AllowedAssets,
			MaxTradesPerHour:  f.Policy.MaxTradesPerHour,
			RequireQuoteFirst: f.Policy.RequireQuoteFirst,
			Enabled:           f.Policy.Enabled,
		},
		Confirmation: ConfirmationConfig{
			Commitment: f.Confirmation.Commitment,
			Timeout:    time.Duration(f.Confirmation.Timeout),
			RateRPS:    f.Confirmation.RateRPS,
			RateBurst:  f.Confirmation.RateBurst,
		},
		RPC: RPCConfig{
			Endpoint: f.RPC.Endpoint,
			Timeout:  time.Duration(f.RPC.Timeout),
		},
		HTTP: httpapi.ServerConfig{
			Host:         f.HTTP.Host,
			Port:         f.HTTP.Port,
			ReadTimeout:  time.Duration(f.HTTP.ReadTimeout),
			WriteTimeout: time.Duration(f.HTTP.WriteTimeout),
			IdleTimeout:  time.Duration(f.HTTP.IdleTimeout),
		},
		MaxSlippageBps: f.MaxSlippageBps,
		PaperTrading:   f.PaperTrading,
	}
}

// Load reads the YAML file at path on top of the defaults. A missing file is
// not an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	file := fromConfig(Default())
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &file); err != nil {
				return Config{}, fmt.Errorf("unmarshal config: %w", err)
			}
		}
	}

	cfg := file.toConfig()
	if endpoint := os.Getenv("SOLANA_RPC_URL"); endpoint != "" {
		cfg.RPC.Endpoint = endpoint
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	switch c.Confirmation.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("unknown commitment level %q", c.Confirmation.Commitment)
	}
	if c.MaxSlippageBps < 0 || c.MaxSlippageBps > 10000 {
		return fmt.Errorf("max_slippage_bps %v out of range [0, 10000]", c.MaxSlippageBps)
	}
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("rpc endpoint is required")
	}
	if c.Policy.MaxTradeSize.IsNegative() || c.Policy.DailyVolumeLimit.IsNegative() {
		return fmt.Errorf("policy limits must be non-negative")
	}
	return nil
}
