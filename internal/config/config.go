// Package config holds the single typed configuration for the portfolio
// manager. Everything tunable is enumerated here, loaded once at startup
// and passed by handle into components.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantarch/pyramid/internal/domain"
)

// Config is the root configuration document.
type Config struct {
	Mode       string           `yaml:"mode"` // live | backtest
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Broker     BrokerConfig     `yaml:"broker"`
	Risk       RiskConfig       `yaml:"risk"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Validation ValidationConfig `yaml:"validation"`
	HA         HAConfig         `yaml:"ha"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Logging    LoggingConfig    `yaml:"logging"`
	Portfolio  PortfolioConfig  `yaml:"portfolio"`

	Instruments []domain.InstrumentSpec `yaml:"instruments"`
}

// ServerConfig configures the webhook HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	DSN              string        `yaml:"dsn"` // secrets via ${ENV_VAR}
	MaxOpenConns     int           `yaml:"max_open_conns"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	// AllowDegradedStart lets the process boot with an empty book when
	// the database is unreachable instead of refusing to start.
	AllowDegradedStart bool `yaml:"allow_degraded_start"`
}

// RedisConfig configures the shared leader-lease cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BrokerConfig configures the broker gateway client.
type BrokerConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	QuoteTimeout time.Duration `yaml:"quote_timeout"` // per-attempt, default 2s
	PollInterval time.Duration `yaml:"poll_interval"` // order status polling cadence
}

// RiskConfig carries the portfolio-level sizing and cap tunables.
type RiskConfig struct {
	RiskPct              float64 `yaml:"risk_pct"`               // per-trade risk fraction, default 0.01
	VolPct               float64 `yaml:"vol_pct"`                // volatility sizing fraction, default 0.005
	RiskCapPct           float64 `yaml:"risk_cap_pct"`           // portfolio open-risk cap, default 0.12
	VolCapPct            float64 `yaml:"vol_cap_pct"`            // portfolio volatility cap, default 0.04
	MarginCapPct         float64 `yaml:"margin_cap_pct"`         // margin utilisation cap, default 0.60
	ATRSpacingMultiplier float64 `yaml:"atr_spacing_multiplier"` // pyramid spacing, default 1.0
	PyramidDecay         float64 `yaml:"pyramid_decay"`          // geometric lot de-escalation, default 0.5
	ProfitRiskFraction   float64 `yaml:"profit_risk_fraction"`   // profit fraction a pyramid may risk, default 0.5
}

// ExecutionConfig selects and tunes the order execution strategy.
type ExecutionConfig struct {
	Strategy                string        `yaml:"strategy"`            // SimpleLimit | Progressive
	PartialFillPolicy       string        `yaml:"partial_fill_policy"` // CancelRemainder | WaitForFill | Reattempt
	FillTimeout             time.Duration `yaml:"fill_timeout"`        // default 30s
	TighteningInterval      time.Duration `yaml:"tightening_interval"` // Progressive, default 5s
	TighteningStep          float64       `yaml:"tightening_step"`     // Progressive, default 0.001
	MaxAttempts             int           `yaml:"max_attempts"`        // Progressive, default 5
	PartialFillWaitTimeout  time.Duration `yaml:"partial_fill_wait_timeout"`
	ReattemptSlippagePct    float64       `yaml:"reattempt_slippage_pct"`     // default 0.001
	MaxReattemptSlippagePct float64       `yaml:"max_reattempt_slippage_pct"` // hard clamp, default 0.005
}

// ValidationConfig tunes the two-stage signal validator.
type ValidationConfig struct {
	MaxValidationLatency time.Duration `yaml:"max_validation_latency"` // default 500ms
	BaseDivergencePct    float64       `yaml:"base_divergence_pct"`    // default 0.02
	PyramidDivergencePct float64       `yaml:"pyramid_divergence_pct"` // default 0.01
	ExitDivergencePct    float64       `yaml:"exit_divergence_pct"`    // default 0.01
	MaxRiskIncreasePct   float64       `yaml:"max_risk_increase_pct"`  // default 0.50
	QuoteAttempts        int           `yaml:"quote_attempts"`         // default 3
}

// HAConfig tunes the leader-election coordinator.
type HAConfig struct {
	Enabled            bool          `yaml:"enabled"`
	LeaderTTL          time.Duration `yaml:"leader_ttl"`           // default 10s
	SplitBrainInterval time.Duration `yaml:"split_brain_interval"` // default 50s
	StaleHeartbeat     time.Duration `yaml:"stale_heartbeat"`      // db leader freshness, default 30s
	IDFile             string        `yaml:"id_file"`              // persisted instance uuid
}

// PipelineConfig tunes webhook intake guards.
type PipelineConfig struct {
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`  // default 10KB
	RateLimitPerMin int           `yaml:"rate_limit_per_min"` // per IP, default 100
	DedupWindow     time.Duration `yaml:"dedup_window"`       // default 10m
	LogRetention    time.Duration `yaml:"log_retention"`      // signal_log pruning, default 720h
}

// LoggingConfig configures the zerolog sink.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// PortfolioConfig seeds the portfolio aggregate.
type PortfolioConfig struct {
	InitialCapital float64 `yaml:"initial_capital"`
}

// DefaultConfig returns production-ready defaults for every tunable.
func DefaultConfig() *Config {
	specs := domain.DefaultInstrumentSpecs()
	instruments := make([]domain.InstrumentSpec, 0, len(specs))
	for _, s := range specs {
		instruments = append(instruments, s)
	}

	return &Config{
		Mode: "live",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:     16,
			MaxIdleConns:     4,
			ConnMaxLifetime:  30 * time.Minute,
			StatementTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Broker: BrokerConfig{
			QuoteTimeout: 2 * time.Second,
			PollInterval: 1 * time.Second,
		},
		Risk: RiskConfig{
			RiskPct:              0.01,
			VolPct:               0.005,
			RiskCapPct:           0.12,
			VolCapPct:            0.04,
			MarginCapPct:         0.60,
			ATRSpacingMultiplier: 1.0,
			PyramidDecay:         0.5,
			ProfitRiskFraction:   0.5,
		},
		Execution: ExecutionConfig{
			Strategy:                "SimpleLimit",
			PartialFillPolicy:       "CancelRemainder",
			FillTimeout:             30 * time.Second,
			TighteningInterval:      5 * time.Second,
			TighteningStep:          0.001,
			MaxAttempts:             5,
			PartialFillWaitTimeout:  60 * time.Second,
			ReattemptSlippagePct:    0.001,
			MaxReattemptSlippagePct: 0.005,
		},
		Validation: ValidationConfig{
			MaxValidationLatency: 500 * time.Millisecond,
			BaseDivergencePct:    0.02,
			PyramidDivergencePct: 0.01,
			ExitDivergencePct:    0.01,
			MaxRiskIncreasePct:   0.50,
			QuoteAttempts:        3,
		},
		HA: HAConfig{
			Enabled:            true,
			LeaderTTL:          10 * time.Second,
			SplitBrainInterval: 50 * time.Second,
			StaleHeartbeat:     30 * time.Second,
			IDFile:             "pyramid-instance.id",
		},
		Pipeline: PipelineConfig{
			MaxPayloadBytes: 10 * 1024,
			RateLimitPerMin: 100,
			DedupWindow:     10 * time.Minute,
			LogRetention:    30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Portfolio: PortfolioConfig{
			InitialCapital: 5_000_000,
		},
		Instruments: instruments,
	}
}

// Load reads a yaml config file, substituting ${ENV_VAR} references so
// secrets never live in the file itself. Missing file fields keep defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run under.
func (c *Config) Validate() error {
	switch c.Mode {
	case "live", "backtest":
	default:
		return fmt.Errorf("mode must be live or backtest, got %q", c.Mode)
	}

	if c.Risk.RiskPct <= 0 || c.Risk.RiskPct > 0.1 {
		return fmt.Errorf("risk_pct %.4f outside (0, 0.1]", c.Risk.RiskPct)
	}
	if c.Risk.VolPct <= 0 {
		return fmt.Errorf("vol_pct must be positive")
	}
	if c.Risk.RiskCapPct <= 0 || c.Risk.VolCapPct <= 0 || c.Risk.MarginCapPct <= 0 || c.Risk.MarginCapPct > 1 {
		return fmt.Errorf("portfolio caps must be positive (margin cap at most 1.0)")
	}
	if c.Risk.PyramidDecay <= 0 || c.Risk.PyramidDecay >= 1 {
		return fmt.Errorf("pyramid_decay %.2f outside (0,1)", c.Risk.PyramidDecay)
	}

	switch c.Execution.Strategy {
	case "SimpleLimit", "Progressive":
	default:
		return fmt.Errorf("execution strategy %q unknown", c.Execution.Strategy)
	}
	switch c.Execution.PartialFillPolicy {
	case "CancelRemainder", "WaitForFill", "Reattempt":
	default:
		return fmt.Errorf("partial fill policy %q unknown", c.Execution.PartialFillPolicy)
	}
	if c.Execution.ReattemptSlippagePct > c.Execution.MaxReattemptSlippagePct {
		return fmt.Errorf("reattempt_slippage_pct %.4f exceeds max_reattempt_slippage_pct %.4f",
			c.Execution.ReattemptSlippagePct, c.Execution.MaxReattemptSlippagePct)
	}
	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("execution max_attempts must be at least 1")
	}

	if c.HA.LeaderTTL < 2*time.Second {
		return fmt.Errorf("leader_ttl %s too short for safe renewal", c.HA.LeaderTTL)
	}
	if c.Pipeline.MaxPayloadBytes <= 0 || c.Pipeline.RateLimitPerMin <= 0 {
		return fmt.Errorf("pipeline guards must be positive")
	}
	if c.Pipeline.DedupWindow <= 0 {
		return fmt.Errorf("dedup_window must be positive")
	}
	if c.Portfolio.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be positive")
	}

	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument spec is required")
	}
	for _, spec := range c.Instruments {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// InstrumentSpecs returns the catalog keyed by instrument.
func (c *Config) InstrumentSpecs() map[domain.Instrument]domain.InstrumentSpec {
	specs := make(map[domain.Instrument]domain.InstrumentSpec, len(c.Instruments))
	for _, s := range c.Instruments {
		specs[s.Instrument] = s
	}
	return specs
}
