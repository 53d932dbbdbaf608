package local

import (
	"sync"
	"time"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/graph"
	"github.com/nirosys/weir/internal/feed"
	"github.com/nirosys/weir/transport"
)

// EWMA weights for the rolling metrics.
const (
	latencyAlpha   = 0.1
	errorRateAlpha = 0.05
)

// connection is one bounded channel bound to a single edge. The queue has its
// own lock; mu guards config, metrics and the per-interval counter.
type connection struct {
	id     graph.ConnectionID
	source graph.Endpoint
	target graph.Endpoint
	clock  func() time.Time

	queue *WorkQueue
	feed  *feed.Feed[*data.Message]

	mu       sync.Mutex
	cfg      transport.Config
	defaults transport.Config
	metrics  transport.Metrics
	count    uint64
	closed   bool
}

func newConnection(source, target graph.Endpoint, cfg transport.Config, clock func() time.Time) *connection {
	return &connection{
		id:       graph.NewConnectionID(source, target),
		source:   source,
		target:   target,
		clock:    clock,
		queue:    NewWorkQueue(cfg.Capacity),
		feed:     feed.New[*data.Message](),
		cfg:      cfg,
		defaults: cfg,
		metrics:  transport.Metrics{LastUpdated: clock()},
	}
}

func (c *connection) ID() graph.ConnectionID {
	return c.id
}

func (c *connection) Source() graph.Endpoint {
	return c.source
}

func (c *connection) Target() graph.Endpoint {
	return c.target
}

func (c *connection) Config() transport.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// DefaultConfig is the config the connection was created with.
func (c *connection) DefaultConfig() transport.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaults
}

func (c *connection) Tune(fn func(*transport.Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.cfg)
}

// Utilization is the fraction of the queue in use, in [0,1].
func (c *connection) Utilization() float64 {
	capacity := c.queue.Cap()
	return float64(capacity-c.queue.Free()) / float64(capacity)
}

func (c *connection) Len() int {
	return c.queue.Len()
}

func (c *connection) Purge(age time.Duration) int {
	return c.queue.Purge(c.clock().Add(-age))
}

func (c *connection) Metrics() transport.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// measure recomputes the instantaneous utilization and stores it.
func (c *connection) measure() float64 {
	util := c.Utilization()
	c.mu.Lock()
	c.metrics.BufferUtilization = util
	c.metrics.LastUpdated = c.clock()
	c.mu.Unlock()
	return util
}

func (c *connection) push(m *data.Message) error {
	if c.isClosed() {
		return transport.ErrConnectionClosed
	}
	return c.queue.Push(m)
}

func (c *connection) recordBackpressure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.BackpressureEvents += 1
}

// recordWrite folds a successful write into the rolling metrics. A success
// counts as an error-free sample for the error rate.
func (c *connection) recordWrite(m *data.Message) {
	now := c.clock()
	sample := now.Sub(m.Timestamp)
	util := c.Utilization()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.AverageLatency = time.Duration((1-latencyAlpha)*float64(c.metrics.AverageLatency) + latencyAlpha*float64(sample))
	c.metrics.ErrorRate = (1 - errorRateAlpha) * c.metrics.ErrorRate
	c.metrics.BufferUtilization = util
	c.metrics.LastUpdated = now
	c.count += 1
}

func (c *connection) recordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.ErrorRate = (1-errorRateAlpha)*c.metrics.ErrorRate + errorRateAlpha
	c.metrics.LastUpdated = c.clock()
}

// sample closes a sampling interval: the message counter becomes a rate and
// starts over. LastUpdated only moves with traffic, so an idle connection
// keeps its old timestamp.
func (c *connection) sample(interval time.Duration) transport.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if interval > 0 {
		c.metrics.MessagesPerSecond = float64(c.count) / interval.Seconds()
	}
	c.count = 0
	return c.metrics
}

// close flushes the queue and ends the message feed. It reports how many
// buffered messages were discarded; closing twice is harmless.
func (c *connection) close() int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	c.closed = true
	c.mu.Unlock()

	n := c.queue.Reset()
	c.feed.Close()
	return n
}
