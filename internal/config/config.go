package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the validated engine configuration. Unknown keys and out-of-range
// values are rejected at load time, not at first use.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Execution ExecutionConfig `yaml:"execution"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Broker    BrokerConfig    `yaml:"broker"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Symbols   []string        `yaml:"symbols"`
}

// EngineConfig holds portfolio-engine parameters.
type EngineConfig struct {
	InitialCash        float64 `yaml:"initial_cash"`
	CommissionPerShare float64 `yaml:"commission_per_share"`
	MarginMultiplier   float64 `yaml:"margin_multiplier"`   // applied to short positions only
	RebalanceThreshold float64 `yaml:"rebalance_threshold"` // minimum weight drift before an order
}

// ExecutionConfig holds order-execution parameters shared by both executors.
type ExecutionConfig struct {
	SlippageWarnPct  float64       `yaml:"slippage_warn_pct"`
	SlippageAbortPct float64       `yaml:"slippage_abort_pct"`
	MaxFillRetries   int           `yaml:"max_fill_retries"`
	FillRetryDelay   time.Duration `yaml:"fill_retry_delay"`
	FillPollInterval time.Duration `yaml:"fill_poll_interval"`
	OrderTimeout     time.Duration `yaml:"order_timeout"`
}

// SchedulerConfig holds the daily trigger and state persistence settings.
type SchedulerConfig struct {
	RunAt     string        `yaml:"run_at"` // wall-clock "15:45"
	Timezone  string        `yaml:"timezone"`
	StatePath string        `yaml:"state_path"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

// BrokerConfig holds brokerage API settings. Credentials come from the
// environment (ALPACA_API_KEY / ALPACA_API_SECRET), never from this file.
type BrokerConfig struct {
	BaseURL           string        `yaml:"base_url"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig holds Postgres settings for the durable ledger.
type DatabaseConfig struct {
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig holds the run-lock backend settings. Empty Addr disables the
// distributed lock and falls back to the in-process lock only.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			InitialCash:        100000,
			CommissionPerShare: 0.01,
			MarginMultiplier:   0.5,
			RebalanceThreshold: 0.02,
		},
		Execution: ExecutionConfig{
			SlippageWarnPct:  0.003,
			SlippageAbortPct: 0.01,
			MaxFillRetries:   3,
			FillRetryDelay:   5 * time.Second,
			FillPollInterval: 2 * time.Second,
			OrderTimeout:     60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			RunAt:     "15:45",
			Timezone:  "America/New_York",
			StatePath: "state/schedule_state.json",
			LockTTL:   30 * time.Minute,
		},
		Broker: BrokerConfig{
			RequestsPerMinute: 180,
			RequestTimeout:    10 * time.Second,
		},
		Database: DatabaseConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// Load reads a YAML config file, applies defaults for absent sections and
// validates the result. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	if c.Engine.InitialCash <= 0 {
		return fmt.Errorf("engine.initial_cash must be positive, got %.2f", c.Engine.InitialCash)
	}
	if c.Engine.CommissionPerShare < 0 {
		return fmt.Errorf("engine.commission_per_share must be >= 0, got %.4f", c.Engine.CommissionPerShare)
	}
	if c.Engine.MarginMultiplier < 0 {
		return fmt.Errorf("engine.margin_multiplier must be >= 0, got %.2f", c.Engine.MarginMultiplier)
	}
	if c.Engine.RebalanceThreshold < 0 || c.Engine.RebalanceThreshold >= 1 {
		return fmt.Errorf("engine.rebalance_threshold must be in [0,1), got %.4f", c.Engine.RebalanceThreshold)
	}
	if c.Execution.SlippageWarnPct <= 0 || c.Execution.SlippageAbortPct <= 0 {
		return fmt.Errorf("execution slippage thresholds must be positive")
	}
	if c.Execution.SlippageWarnPct >= c.Execution.SlippageAbortPct {
		return fmt.Errorf("execution.slippage_warn_pct (%.4f) must be below slippage_abort_pct (%.4f)",
			c.Execution.SlippageWarnPct, c.Execution.SlippageAbortPct)
	}
	if c.Execution.MaxFillRetries < 0 || c.Execution.MaxFillRetries > 10 {
		return fmt.Errorf("execution.max_fill_retries must be in [0,10], got %d", c.Execution.MaxFillRetries)
	}
	if _, err := ParseRunAt(c.Scheduler.RunAt); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone invalid: %w", err)
	}
	if c.Broker.RequestsPerMinute <= 0 {
		return fmt.Errorf("broker.requests_per_minute must be positive, got %d", c.Broker.RequestsPerMinute)
	}
	return nil
}

// ParseRunAt parses the "HH:MM" daily trigger time.
func ParseRunAt(s string) (time.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler.run_at must be HH:MM, got %q: %w", s, err)
	}
	return t, nil
}
