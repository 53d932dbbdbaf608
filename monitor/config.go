package monitor

import "time"

const (
	DefaultBufferSize       = 10000
	DefaultSnapshotInterval = time.Second
	DefaultActiveWindow     = 5 * time.Second
)

// Thresholds is a warning/critical pair. A value strictly above a tier
// raises an alert of that level.
type Thresholds struct {
	Warning  float64 `yaml:"warning" json:"warning" validate:"gte=0"`
	Critical float64 `yaml:"critical" json:"critical" validate:"gte=0,gtefield=Warning"`
}

type Config struct {
	BufferSize       int           `yaml:"buffer_size" json:"bufferSize" validate:"gte=0"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" json:"snapshotInterval" validate:"gte=0"`
	// ActiveWindow is how recently a connection must have seen a write,
	// drain or error to count as active.
	ActiveWindow time.Duration `yaml:"active_window" json:"activeWindow" validate:"gte=0"`

	LatencyMs    Thresholds `yaml:"latency_ms" json:"latencyMs"`
	ErrorRate    Thresholds `yaml:"error_rate" json:"errorRate"`
	Backpressure Thresholds `yaml:"backpressure" json:"backpressure"`

	// Latency and rate are divided by these before weighting into the system
	// load.
	MaxLatency time.Duration `yaml:"max_latency" json:"maxLatency" validate:"gte=0"`
	MaxRate    float64       `yaml:"max_rate" json:"maxRate" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		BufferSize:       DefaultBufferSize,
		SnapshotInterval: DefaultSnapshotInterval,
		ActiveWindow:     DefaultActiveWindow,
		LatencyMs:        Thresholds{Warning: 100, Critical: 500},
		ErrorRate:        Thresholds{Warning: 0.05, Critical: 0.1},
		Backpressure:     Thresholds{Warning: 10, Critical: 50},
		MaxLatency:       time.Second,
		MaxRate:          1000,
	}
}
