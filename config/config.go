// Package config decodes the single YAML configuration surface recognised
// by every component of this module: reconnection and circuit-breaker
// tuning, tick-parser strictness, client buffering, reconciliation
// thresholds, and the lock-order validator's global sequence.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object, decoded verbatim from YAML.
type Config struct {
	Reconnection  ReconnectionConfig  `yaml:"reconnection"`
	Circuit       CircuitConfig       `yaml:"circuit"`
	Parser        ParserConfig        `yaml:"parser"`
	Client        ClientConfig        `yaml:"client"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	LockOrder     LockOrderConfig     `yaml:"lock_order"`

	// Exchange holds credential placeholders populated by ApplyEnvOverrides.
	// The core never reads real credentials from the environment itself —
	// this struct only carries whatever the operator's collaborator module
	// needs to find them.
	Exchange ExchangeConfig `yaml:"exchange,omitempty"`
}

// ReconnectionConfig tunes the market-data client's backoff schedule.
type ReconnectionConfig struct {
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	MaxRetries  int           `yaml:"max_retries"`
	Multiplier  float64       `yaml:"multiplier"`
}

// CircuitConfig tunes the circuit breaker guarding connection attempts.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	BaseTimeout      time.Duration `yaml:"base_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	Multiplier       float64       `yaml:"multiplier"`
	Jitter           bool          `yaml:"jitter"`
}

// ParserConfig tunes the tick-parsing pipeline.
type ParserConfig struct {
	DecimalPlaces          int      `yaml:"decimal_places"`
	StrictFieldValidation  bool     `yaml:"strict_field_validation"`
	RequiredFields         []string `yaml:"required_fields"`
}

// ClientConfig tunes the market-data client's buffering and timeouts.
type ClientConfig struct {
	BufferSize int   `yaml:"buffer_size"`
	MaxHoldMS  int64 `yaml:"max_hold_ms"`
	TimeoutMS  int64 `yaml:"timeout_ms"`
}

// ReconciliationConfig tunes the reconciliation engine's run cadence and
// discrepancy-severity thresholds.
type ReconciliationConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Tolerance   float64       `yaml:"tolerance"`
	MajorPct    float64       `yaml:"major_pct"`
	CriticalPct float64       `yaml:"critical_pct"`
}

// LockOrderConfig declares the fixed global lock order and its timeouts.
type LockOrderConfig struct {
	Names             []string `yaml:"names"`
	TimeoutMS         int64    `yaml:"timeout_ms"`
	MaxHoldMS         int64    `yaml:"max_hold_ms"`
	DeadlockDetection bool     `yaml:"deadlock_detection"`
}

// ExchangeConfig carries credential placeholders, never the secrets
// themselves — ApplyEnvOverrides resolves each field by reading the named
// environment variable at call time.
type ExchangeConfig struct {
	APIKeyEnv    string `yaml:"api_key_env"`
	APISecretEnv string `yaml:"api_secret_env"`

	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

// Default returns a Config with the same sane-minimum field defaults the
// rest of this module assumes when a value is left unset in YAML.
func Default() *Config {
	return &Config{
		Reconnection: ReconnectionConfig{
			BaseBackoff: 100 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
			MaxRetries:  10,
			Multiplier:  2.0,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			BaseTimeout:      10 * time.Second,
			MaxTimeout:       5 * time.Minute,
			Multiplier:       2.0,
			Jitter:           true,
		},
		Parser: ParserConfig{
			DecimalPlaces:         18,
			StrictFieldValidation: true,
			RequiredFields:        []string{"product_id", "price", "timestamp"},
		},
		Client: ClientConfig{
			BufferSize: 256,
			MaxHoldMS:  5000,
			TimeoutMS:  10000,
		},
		Reconciliation: ReconciliationConfig{
			Interval:    time.Minute,
			Tolerance:   0.01,
			MajorPct:    1.0,
			CriticalPct: 5.0,
		},
		LockOrder: LockOrderConfig{
			TimeoutMS:         1000,
			MaxHoldMS:         5000,
			DeadlockDetection: true,
		},
	}
}

// Load reads and decodes the YAML config file at path, starting from
// Default() so any field the file omits keeps its sane-minimum value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults clamps zero-valued fields to the same minimums Default()
// uses, so a partially-specified YAML document never produces a
// zero-backoff or zero-threshold configuration.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Reconnection.BaseBackoff <= 0 {
		c.Reconnection.BaseBackoff = d.Reconnection.BaseBackoff
	}
	if c.Reconnection.MaxBackoff <= 0 {
		c.Reconnection.MaxBackoff = d.Reconnection.MaxBackoff
	}
	if c.Reconnection.Multiplier < 1.0 {
		c.Reconnection.Multiplier = d.Reconnection.Multiplier
	}
	if c.Reconnection.MaxRetries <= 0 {
		c.Reconnection.MaxRetries = d.Reconnection.MaxRetries
	}

	if c.Circuit.FailureThreshold <= 0 {
		c.Circuit.FailureThreshold = d.Circuit.FailureThreshold
	}
	if c.Circuit.SuccessThreshold <= 0 {
		c.Circuit.SuccessThreshold = d.Circuit.SuccessThreshold
	}
	if c.Circuit.BaseTimeout <= 0 {
		c.Circuit.BaseTimeout = d.Circuit.BaseTimeout
	}
	if c.Circuit.MaxTimeout <= 0 {
		c.Circuit.MaxTimeout = d.Circuit.MaxTimeout
	}
	if c.Circuit.Multiplier < 1.0 {
		c.Circuit.Multiplier = d.Circuit.Multiplier
	}

	if c.Parser.DecimalPlaces <= 0 {
		c.Parser.DecimalPlaces = d.Parser.DecimalPlaces
	}
	if len(c.Parser.RequiredFields) == 0 {
		c.Parser.RequiredFields = d.Parser.RequiredFields
	}

	if c.Client.BufferSize <= 0 {
		c.Client.BufferSize = d.Client.BufferSize
	}
	if c.Client.MaxHoldMS <= 0 {
		c.Client.MaxHoldMS = d.Client.MaxHoldMS
	}
	if c.Client.TimeoutMS <= 0 {
		c.Client.TimeoutMS = d.Client.TimeoutMS
	}

	if c.Reconciliation.Interval <= 0 {
		c.Reconciliation.Interval = d.Reconciliation.Interval
	}
	if c.Reconciliation.Tolerance <= 0 {
		c.Reconciliation.Tolerance = d.Reconciliation.Tolerance
	}
	if c.Reconciliation.MajorPct <= 0 {
		c.Reconciliation.MajorPct = d.Reconciliation.MajorPct
	}
	if c.Reconciliation.CriticalPct <= 0 {
		c.Reconciliation.CriticalPct = d.Reconciliation.CriticalPct
	}

	if c.LockOrder.TimeoutMS <= 0 {
		c.LockOrder.TimeoutMS = d.LockOrder.TimeoutMS
	}
	if c.LockOrder.MaxHoldMS <= 0 {
		c.LockOrder.MaxHoldMS = d.LockOrder.MaxHoldMS
	}
}

// ApplyEnvOverrides resolves exchange credential placeholders by reading
// the environment variables named in Exchange.APIKeyEnv / APISecretEnv. It
// never reads a credential directly from YAML — only the name of the
// variable that holds it.
func (c *Config) ApplyEnvOverrides() {
	if c.Exchange.APIKeyEnv != "" {
		c.Exchange.APIKey = os.Getenv(c.Exchange.APIKeyEnv)
	}
	if c.Exchange.APISecretEnv != "" {
		c.Exchange.APISecret = os.Getenv(c.Exchange.APISecretEnv)
	}
}
