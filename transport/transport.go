package transport

import (
	"context"
	"errors"
	"time"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/graph"
)

var (
	ErrEngineClosed      = errors.New("stream engine closed")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrQueueFull         = NewKindError(KindQuota, errors.New("connection queue full"))
)

// Defaults applied to any Config field left at its zero value.
const (
	DefaultCapacity              = 1000
	DefaultBatchWindow           = 16 * time.Millisecond
	DefaultMaxBatchSize          = 50
	DefaultBackpressureThreshold = 0.8
	DefaultRetryAttempts         = 3
	DefaultRetryDelay            = 100 * time.Millisecond
	DefaultSampleInterval        = time.Second
)

// Config tunes a single connection. Recovery policies may change BatchWindow
// and MaxBatchSize while the connection is live.
type Config struct {
	Capacity              int           `yaml:"capacity" json:"capacity" validate:"gte=0"`
	BatchWindow           time.Duration `yaml:"batch_window" json:"batchWindow" validate:"gte=0"`
	MaxBatchSize          int           `yaml:"max_batch_size" json:"maxBatchSize" validate:"gte=0"`
	BackpressureThreshold float64       `yaml:"backpressure_threshold" json:"backpressureThreshold" validate:"gte=0,lte=1"`
	RetryAttempts         int           `yaml:"retry_attempts" json:"retryAttempts" validate:"gte=0"`
	RetryDelay            time.Duration `yaml:"retry_delay" json:"retryDelay" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Capacity:              DefaultCapacity,
		BatchWindow:           DefaultBatchWindow,
		MaxBatchSize:          DefaultMaxBatchSize,
		BackpressureThreshold: DefaultBackpressureThreshold,
		RetryAttempts:         DefaultRetryAttempts,
		RetryDelay:            DefaultRetryDelay,
	}
}

// Merge returns base with every non-zero field of override applied on top.
func (base Config) Merge(override *Config) Config {
	if override == nil {
		return base
	}
	c := base
	if override.Capacity > 0 {
		c.Capacity = override.Capacity
	}
	if override.BatchWindow > 0 {
		c.BatchWindow = override.BatchWindow
	}
	if override.MaxBatchSize > 0 {
		c.MaxBatchSize = override.MaxBatchSize
	}
	if override.BackpressureThreshold > 0 {
		c.BackpressureThreshold = override.BackpressureThreshold
	}
	if override.RetryAttempts > 0 {
		c.RetryAttempts = override.RetryAttempts
	}
	if override.RetryDelay > 0 {
		c.RetryDelay = override.RetryDelay
	}
	return c
}

// BatchConfig overrides the batching parameters of a single batched stream.
type BatchConfig struct {
	BatchWindow  time.Duration
	MaxBatchSize int
}

// Metrics is the rolling view of one connection.
type Metrics struct {
	MessagesPerSecond  float64       `json:"messagesPerSecond"`
	AverageLatency     time.Duration `json:"averageLatency"`
	BufferUtilization  float64       `json:"bufferUtilization"`
	BackpressureEvents uint64        `json:"backpressureEvents"`
	ErrorRate          float64       `json:"errorRate"`
	LastUpdated        time.Time     `json:"lastUpdated"`
}

// Snapshot maps connection ids to their metrics at one sampling instant.
type Snapshot map[graph.ConnectionID]Metrics

// Batch is a window of messages taken from a connection's feed.
type Batch struct {
	Messages  []*data.Message `json:"messages"`
	TotalSize int             `json:"totalSize"`
	Timestamp time.Time       `json:"timestamp"`
}

// Connection is the view of a live connection handed to policies.
type Connection interface {
	ID() graph.ConnectionID
	Source() graph.Endpoint
	Target() graph.Endpoint
	Config() Config
	// Tune applies fn to the connection's config under its lock.
	Tune(fn func(*Config))
	Utilization() float64
	Len() int
	// Purge discards buffered messages older than age and reports how many
	// were removed.
	Purge(age time.Duration) int
}

// BackpressurePolicy is consulted on every write that finds a connection
// above its backpressure threshold.
type BackpressurePolicy interface {
	// OnOverflow may suspend the caller. It returns early with ctx's error
	// if ctx is done first.
	OnOverflow(ctx context.Context, conn Connection) error
	ShouldDrop(msg *data.Message) bool
	// Priority scores msg in [0,1]; higher is more important.
	Priority(msg *data.Message) float64
}

// RecoveryPolicy decides what happens after a failed write or processing
// step.
type RecoveryPolicy interface {
	OnError(err error, conn Connection)
	ShouldRetry(err error, attempt int) bool
	RetryDelay(attempt int) time.Duration
}

// Releaser is implemented by policies that keep per-connection state. The
// engine calls Release once the connection is closed, so a later connection
// with the same id starts fresh.
type Releaser interface {
	Release(id graph.ConnectionID)
}
