package weir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nirosys/weir/backpressure"
	"github.com/nirosys/weir/recovery"
	"github.com/nirosys/weir/transport"
)

const sampleConfig = `
log_level: debug
sample_interval: 250ms
connection:
  capacity: 64
  batch_window: 20ms
  backpressure_threshold: 0.75
backpressure:
  policy: priority-drop
  priority_drop:
    drop_threshold: 0.95
    max_wait_time: 50ms
    source_weights:
      sensor: 0.9
recovery:
  policy: circuit-breaker
  circuit_breaker:
    trip_count: 2
    breaker_timeout: 10s
monitor:
  latency_ms:
    warning: 50
    critical: 200
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.SampleInterval)
	assert.Equal(t, 64, cfg.Connection.Capacity)
	assert.Equal(t, 20*time.Millisecond, cfg.Connection.BatchWindow)
	assert.Equal(t, 0.75, cfg.Connection.BackpressureThreshold)
	// Keys left out keep their defaults.
	assert.Equal(t, transport.DefaultMaxBatchSize, cfg.Connection.MaxBatchSize)
	assert.Equal(t, transport.DefaultRetryDelay, cfg.Connection.RetryDelay)

	assert.Equal(t, 0.95, cfg.Backpressure.PriorityDrop.DropThreshold)
	assert.True(t, cfg.Backpressure.PriorityDrop.PriorityDropEnabled)
	assert.Equal(t, 50*time.Millisecond, cfg.Backpressure.PriorityDrop.MaxWaitTime)
	assert.Equal(t, 0.9, cfg.Backpressure.PriorityDrop.SourceWeights["sensor"])

	assert.Equal(t, 2, cfg.Recovery.CircuitBreaker.TripCount)
	assert.Equal(t, 10*time.Second, cfg.Recovery.CircuitBreaker.BreakerTimeout)
	assert.Equal(t, recovery.DefaultMaxAttempts, cfg.Recovery.CircuitBreaker.MaxAttempts)

	assert.Equal(t, 50.0, cfg.Monitor.LatencyMs.Warning)
	assert.Equal(t, 200.0, cfg.Monitor.LatencyMs.Critical)
	assert.Equal(t, 0.05, cfg.Monitor.ErrorRate.Warning)
}

func TestLoadEmptyConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "weir.yaml")
	require.NoError(t, os.WriteFile(fn, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfigFile(fn)
	require.NoError(t, err)
	assert.Equal(t, PolicyPriorityDrop, cfg.Backpressure.Policy)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := map[string]string{
		"unknown field":     "connection:\n  capcity: 10\n",
		"bad duration":      "sample_interval: soon\n",
		"threshold range":   "connection:\n  backpressure_threshold: 1.5\n",
		"unknown policy":    "backpressure:\n  policy: shed-everything\n",
		"unknown log level": "log_level: loud\n",
		"inverted tiers":    "monitor:\n  error_rate:\n    warning: 0.5\n    critical: 0.1\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(strings.NewReader(src))
			assert.Error(t, err)
		})
	}
}

func TestConfigPolicies(t *testing.T) {
	cfg := DefaultConfig()
	assert.Nil(t, cfg.BackpressurePolicy())
	assert.Nil(t, cfg.RecoveryPolicy())

	cfg.Backpressure.Policy = PolicyPriorityDrop
	cfg.Backpressure.PriorityDrop.DropThreshold = 0.7
	pd, ok := cfg.BackpressurePolicy().(*backpressure.PriorityDrop)
	require.True(t, ok)
	assert.Equal(t, 0.7, pd.Config().DropThreshold)

	cfg.Backpressure.Policy = PolicyAdaptive
	_, ok = cfg.BackpressurePolicy().(*backpressure.Adaptive)
	assert.True(t, ok)

	cfg.Recovery.Policy = PolicyCircuitBreaker
	_, ok = cfg.RecoveryPolicy().(*recovery.CircuitBreaker)
	assert.True(t, ok)

	cfg.Recovery.Policy = PolicyDegradation
	_, ok = cfg.RecoveryPolicy().(*recovery.Degradation)
	assert.True(t, ok)
}

func TestNewExecutorRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connection.Capacity = -1
	_, err := NewExecutor(cfg)
	assert.Error(t, err)
}
