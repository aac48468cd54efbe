// Package config loads the splitbuy YAML configuration and applies
// environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"splitbuy/internal/broker"
	"splitbuy/internal/domain"
	"splitbuy/internal/strategy"
	"splitbuy/internal/strategy/params"
	"splitbuy/internal/strategy/splitbuy"
	"splitbuy/internal/util"
)

// DefaultPath is used when SPLITBUY_CONFIG is unset.
const DefaultPath = "config/splitbuy.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for splitbuy.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Strategy StrategyConfig `yaml:"strategy"`
	Backtest BacktestConfig `yaml:"backtest"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // also log here when set
}

// IngestConfig controls incremental daily-bar ingestion.
type IngestConfig struct {
	Tickers               []string `yaml:"tickers"`
	MaxLookbackDays       int      `yaml:"max_lookback_days"`
	MaxWorkers            int      `yaml:"max_workers"`
	RateLimitPerMin       int      `yaml:"rate_limit_per_min"`
	MaxAttempts           int      `yaml:"max_attempts"`
	BackoffSeconds        int      `yaml:"backoff_seconds"`
	AttemptTimeoutSeconds int      `yaml:"attempt_timeout_seconds"`
	BreakerFailures       uint32   `yaml:"breaker_failures"`
	BreakerCooldownSec    int      `yaml:"breaker_cooldown_seconds"`
}

// StrategyConfig selects the strategy and holds its parameters. Params
// keys are the strategy's own; absent keys take its defaults.
type StrategyConfig struct {
	Name   string        `yaml:"name"`
	Params params.Params `yaml:"params"`
}

// BacktestConfig defines the default backtest range and execution costs.
type BacktestConfig struct {
	StartDate      string  `yaml:"start_date"`
	EndDate        string  `yaml:"end_date"`
	CommissionRate float64 `yaml:"commission_rate"`
	TaxRate        float64 `yaml:"tax_rate"`
	SlippageRate   float64 `yaml:"slippage_rate"`
	RiskFreeRate   float64 `yaml:"risk_free_rate"`
	CloseAtEnd     bool    `yaml:"close_at_end"`
	Persist        bool    `yaml:"persist"`
	Workers        int     `yaml:"workers"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config file path from SPLITBUY_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("SPLITBUY_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
// A missing file is not an error: defaults and the environment are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w: %w", path, domain.ErrConfigInvalid, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a Config built from defaults and the environment only.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("SPLITBUY_TICKERS"); v != "" {
		cfg.Ingest.Tickers = SplitTickers(v)
	}

	// Standard Alpaca env vars win over the ALPACA_* aliases.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = cfg.Storage.DataDir + "/splitbuy.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	in := &cfg.Ingest
	if in.MaxLookbackDays == 0 {
		in.MaxLookbackDays = 365
	}
	if in.MaxWorkers == 0 {
		in.MaxWorkers = 4
	}
	if in.RateLimitPerMin == 0 {
		in.RateLimitPerMin = 200
	}
	if in.MaxAttempts == 0 {
		in.MaxAttempts = 3
	}
	if in.BackoffSeconds == 0 {
		in.BackoffSeconds = 2
	}
	if in.AttemptTimeoutSeconds == 0 {
		in.AttemptTimeoutSeconds = 30
	}

	if cfg.Strategy.Name == "" {
		cfg.Strategy.Name = splitbuy.Name
	}

	if cfg.Backtest.RiskFreeRate == 0 {
		cfg.Backtest.RiskFreeRate = 0.03
	}
}

// Validate reports the first invalid value as domain.ErrConfigInvalid.
func (c *Config) Validate() error {
	if _, err := strategy.DefaultRegistry().New(c.Strategy.Name, "", c.Strategy.Params, nil); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	if err := c.Costs().Validate(); err != nil {
		return err
	}
	if c.Ingest.MaxLookbackDays < 1 {
		return fmt.Errorf("ingest.max_lookback_days %d must be >= 1: %w", c.Ingest.MaxLookbackDays, domain.ErrConfigInvalid)
	}
	if c.Ingest.MaxWorkers < 1 || c.Ingest.MaxAttempts < 1 {
		return fmt.Errorf("ingest workers/attempts must be >= 1: %w", domain.ErrConfigInvalid)
	}
	if c.Ingest.BackoffSeconds < 0 || c.Ingest.AttemptTimeoutSeconds < 0 || c.Ingest.RateLimitPerMin < 0 {
		return fmt.Errorf("ingest durations and rate limit must be >= 0: %w", domain.ErrConfigInvalid)
	}
	if rf := c.Backtest.RiskFreeRate; !(rf >= 0 && rf < 1) {
		return fmt.Errorf("backtest.risk_free_rate %g must be in [0, 1): %w", c.Backtest.RiskFreeRate, domain.ErrConfigInvalid)
	}
	if _, _, err := c.Backtest.Range(time.Now()); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// StrategyParams returns a copy of the configured strategy parameters.
func (c *Config) StrategyParams() params.Params { return c.Strategy.Params.Clone() }

// Costs returns the backtest execution costs.
func (c *Config) Costs() broker.Costs {
	return broker.Costs{
		CommissionRate: c.Backtest.CommissionRate,
		TaxRate:        c.Backtest.TaxRate,
		SlippageRate:   c.Backtest.SlippageRate,
	}
}

// Retry returns the provider retry policy.
func (in IngestConfig) Retry() util.RetryPolicy {
	return util.RetryPolicy{
		MaxAttempts:    in.MaxAttempts,
		Backoff:        time.Duration(in.BackoffSeconds) * time.Second,
		AttemptTimeout: time.Duration(in.AttemptTimeoutSeconds) * time.Second,
	}
}

// Range parses the backtest dates. An empty start means one year before
// the end; an empty end means today.
func (b BacktestConfig) Range(now time.Time) (start, end time.Time, err error) {
	end = util.Day(now)
	if b.EndDate != "" {
		if end, err = util.ParseDay(b.EndDate); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("backtest.end_date: %w: %w", domain.ErrConfigInvalid, err)
		}
	}
	start = end.AddDate(-1, 0, 0)
	if b.StartDate != "" {
		if start, err = util.ParseDay(b.StartDate); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("backtest.start_date: %w: %w", domain.ErrConfigInvalid, err)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest range %s..%s: %w",
			util.FormatDay(start), util.FormatDay(end), domain.ErrConfigInvalid)
	}
	return start, end, nil
}

// SplitTickers parses a comma or whitespace separated ticker list into
// upper-case symbols.
func SplitTickers(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.ToUpper(f))
	}
	return out
}
