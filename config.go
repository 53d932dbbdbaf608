package weir

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nirosys/weir/backpressure"
	"github.com/nirosys/weir/monitor"
	"github.com/nirosys/weir/recovery"
	"github.com/nirosys/weir/transport"
)

const (
	PolicyNone           = "none"
	PolicyPriorityDrop   = "priority-drop"
	PolicyAdaptive       = "adaptive"
	PolicyCircuitBreaker = "circuit-breaker"
	PolicyDegradation    = "degradation"
)

type BackpressureConfig struct {
	Policy       string                          `yaml:"policy" validate:"omitempty,oneof=none priority-drop adaptive"`
	PriorityDrop backpressure.PriorityDropConfig `yaml:"priority_drop"`
}

type RecoveryConfig struct {
	Policy         string                        `yaml:"policy" validate:"omitempty,oneof=none circuit-breaker degradation"`
	CircuitBreaker recovery.CircuitBreakerConfig `yaml:"circuit_breaker"`
	Degradation    recovery.DegradationConfig    `yaml:"degradation"`
}

// Config is the engine configuration, usually read from YAML.
type Config struct {
	LogLevel       string        `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	SampleInterval time.Duration `yaml:"sample_interval" validate:"gte=0"`
	// Connection holds the defaults for every connection a run opens.
	Connection   transport.Config   `yaml:"connection"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Monitor      monitor.Config     `yaml:"monitor"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:       "info",
		SampleInterval: transport.DefaultSampleInterval,
		Connection:     transport.DefaultConfig(),
		Backpressure: BackpressureConfig{
			Policy:       PolicyNone,
			PriorityDrop: backpressure.DefaultPriorityDropConfig(),
		},
		Recovery: RecoveryConfig{
			Policy:         PolicyNone,
			CircuitBreaker: recovery.DefaultCircuitBreakerConfig(),
			Degradation:    recovery.DefaultDegradationConfig(),
		},
		Monitor: monitor.DefaultConfig(),
	}
}

func LoadConfigFile(fn string) (*Config, error) {
	buf, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	return LoadConfig(bytes.NewReader(buf))
}

// LoadConfig reads YAML over the defaults and validates the result. Keys
// that are absent keep their default values.
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// BackpressurePolicy builds the configured policy, or nil for none.
func (c *Config) BackpressurePolicy() transport.BackpressurePolicy {
	switch strings.ToLower(c.Backpressure.Policy) {
	case PolicyPriorityDrop:
		return backpressure.NewPriorityDrop(c.Backpressure.PriorityDrop)
	case PolicyAdaptive:
		return backpressure.NewAdaptive()
	}
	return nil
}

// RecoveryPolicy builds the configured policy, or nil for none.
func (c *Config) RecoveryPolicy() transport.RecoveryPolicy {
	switch strings.ToLower(c.Recovery.Policy) {
	case PolicyCircuitBreaker:
		return recovery.NewCircuitBreaker(c.Recovery.CircuitBreaker)
	case PolicyDegradation:
		return recovery.NewDegradation(c.Recovery.Degradation)
	}
	return nil
}
