package local

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/graph"
	"github.com/nirosys/weir/internal/feed"
	"github.com/nirosys/weir/transport"
)

type Config struct {
	// Defaults are merged under every config passed to CreateConnection.
	Defaults       transport.Config
	SampleInterval time.Duration
	Backpressure   transport.BackpressurePolicy
	Recovery       transport.RecoveryPolicy
	// Clock replaces time.Now, mostly for tests.
	Clock func() time.Time
}

// Engine is the in-process connection registry. It owns one bounded queue per
// edge, applies the backpressure and recovery policies on the write path, and
// publishes debug events and periodic metrics snapshots.
type Engine struct {
	mu       sync.RWMutex
	conns    map[graph.ConnectionID]*connection
	closed   bool
	defaults transport.Config
	clock    func() time.Time
	validate *validator.Validate

	policyMu     sync.RWMutex
	backpressure transport.BackpressurePolicy
	recovery     transport.RecoveryPolicy

	events  *feed.Feed[data.Event]
	metrics *feed.Feed[transport.Snapshot]

	interval  time.Duration
	stop      chan struct{}
	sampler   sync.WaitGroup
	closeOnce sync.Once
}

func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	e := &Engine{
		conns:        make(map[graph.ConnectionID]*connection),
		defaults:     transport.DefaultConfig().Merge(&cfg.Defaults),
		clock:        cfg.Clock,
		validate:     validator.New(),
		backpressure: cfg.Backpressure,
		recovery:     cfg.Recovery,
		events:       feed.New[data.Event](),
		metrics:      feed.New[transport.Snapshot](),
		interval:     cfg.SampleInterval,
		stop:         make(chan struct{}),
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.interval <= 0 {
		e.interval = transport.DefaultSampleInterval
	}
	if err := e.validate.Struct(e.defaults); err != nil {
		return nil, fmt.Errorf("invalid connection defaults: %w", err)
	}

	e.sampler.Add(1)
	go e.sampleLoop()
	return e, nil
}

func (e *Engine) SetBackpressurePolicy(p transport.BackpressurePolicy) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	e.backpressure = p
}

func (e *Engine) SetRecoveryPolicy(p transport.RecoveryPolicy) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	e.recovery = p
}

func (e *Engine) policies() (transport.BackpressurePolicy, transport.RecoveryPolicy) {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.backpressure, e.recovery
}

// CreateConnection opens the connection for source -> target. Fields left zero
// in cfg take the engine defaults. Creating an id that already exists returns
// that id and leaves the live connection untouched.
func (e *Engine) CreateConnection(source, target graph.Endpoint, cfg *transport.Config) (graph.ConnectionID, error) {
	logger := log.WithField("op", "weir:engine.create_connection")

	merged := e.defaults.Merge(cfg)
	if err := e.validate.Struct(merged); err != nil {
		return "", fmt.Errorf("invalid connection config: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", transport.ErrEngineClosed
	}
	id := graph.NewConnectionID(source, target)
	if _, exists := e.conns[id]; exists {
		e.mu.Unlock()
		logger.WithField("connection", id).Debug("connection already exists")
		return id, nil
	}
	e.conns[id] = newConnection(source, target, merged, e.clock)
	e.mu.Unlock()

	logger.WithField("connection", id).WithField("capacity", merged.Capacity).Debug("connection created")
	e.publish(data.EventConnectionCreated, id, map[string]interface{}{
		"source": source.String(),
		"target": target.String(),
		"config": merged,
	})
	return id, nil
}

func (e *Engine) lookup(id graph.ConnectionID) (*connection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, transport.ErrEngineClosed
	}
	c, ok := e.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownConnection, id)
	}
	return c, nil
}

// Connection returns the policy view of a live connection.
func (e *Engine) Connection(id graph.ConnectionID) (transport.Connection, bool) {
	c, err := e.lookup(id)
	if err != nil {
		return nil, false
	}
	return c, true
}

// Connections lists the ids of all live connections in sorted order.
func (e *Engine) Connections() []graph.ConnectionID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]graph.ConnectionID, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Write hands msg to the connection. Above the backpressure threshold the
// policy may stall the caller and may drop the message; a drop is not an
// error. A full queue is retried per the recovery policy. The returned error
// is only for the caller's logging; the engine has already routed it.
func (e *Engine) Write(ctx context.Context, id graph.ConnectionID, msg *data.Message) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}
	logger := log.WithField("op", "weir:engine.write").WithField("connection", id)

	cfg := c.Config()
	util := c.measure()
	if util > cfg.BackpressureThreshold {
		c.recordBackpressure()
		e.publish(data.EventBackpressure, id, map[string]interface{}{
			"utilization": util,
			"threshold":   cfg.BackpressureThreshold,
		})

		bp, _ := e.policies()
		if bp != nil {
			if err := bp.OnOverflow(ctx, c); err != nil {
				return err
			}
			if bp.ShouldDrop(msg) {
				logger.WithFields(log.Fields{
					"message_id":  msg.ID,
					"utilization": util,
				}).Debug("message dropped under backpressure")
				e.publish(data.EventBackpressure, id, map[string]interface{}{
					"action":    "drop",
					"messageId": msg.ID,
					"priority":  bp.Priority(msg),
				})
				return nil
			}
		}
	}

	if err := e.enqueue(ctx, c, msg, cfg); err != nil {
		return err
	}

	c.recordWrite(msg)
	c.feed.Publish(msg)
	e.publish(data.EventMessage, id, map[string]interface{}{
		"messageId": msg.ID,
		"port":      msg.Port,
	})
	return nil
}

func (e *Engine) enqueue(ctx context.Context, c *connection, msg *data.Message, cfg transport.Config) error {
	for attempt := 0; ; attempt++ {
		err := c.push(msg)
		if err == nil {
			return nil
		}
		werr := transport.NewWriteError(c.id, err)
		if err == transport.ErrConnectionClosed {
			return werr
		}
		e.handleError(c, werr)

		retry, delay := e.retryPlan(werr, attempt, cfg)
		if !retry {
			return werr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retryPlan asks the recovery policy whether to try again. Without a policy
// the connection's own retry settings apply.
func (e *Engine) retryPlan(err error, attempt int, cfg transport.Config) (bool, time.Duration) {
	_, rp := e.policies()
	if rp == nil {
		return attempt < cfg.RetryAttempts, cfg.RetryDelay
	}
	if !rp.ShouldRetry(err, attempt) {
		return false, 0
	}
	return true, rp.RetryDelay(attempt)
}

// handleError is the single error path: metrics, debug feed, log, policy.
func (e *Engine) handleError(c *connection, err error) {
	c.recordError()
	kind := transport.KindOf(err)
	log.WithFields(log.Fields{
		"op":         "weir:engine.error",
		"connection": c.id,
		"kind":       kind,
		"err":        err.Error(),
	}).Warn("connection fault")
	e.publish(data.EventError, c.id, map[string]interface{}{
		"error": err.Error(),
		"kind":  string(kind),
	})
	if _, rp := e.policies(); rp != nil {
		rp.OnError(err, c)
	}
}

// Drain removes and returns everything buffered on the connection, oldest
// first. It is the consumer side of the queue.
func (e *Engine) Drain(id graph.ConnectionID) ([]*data.Message, error) {
	c, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	msgs := c.queue.PopAll()
	c.measure()
	return msgs, nil
}

// CloseConnection flushes and removes the connection. Unknown ids are a no-op.
func (e *Engine) CloseConnection(id graph.ConnectionID) error {
	e.mu.Lock()
	c, ok := e.conns[id]
	if ok {
		delete(e.conns, id)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	e.closeConnection(c)
	return nil
}

func (e *Engine) closeConnection(c *connection) {
	flushed := c.close()
	bp, rp := e.policies()
	for _, p := range []interface{}{bp, rp} {
		if r, ok := p.(transport.Releaser); ok {
			r.Release(c.id)
		}
	}
	log.WithFields(log.Fields{
		"op":         "weir:engine.close_connection",
		"connection": c.id,
		"flushed":    flushed,
	}).Debug("connection closed")
	e.publish(data.EventConnectionClosed, c.id, map[string]interface{}{
		"flushed": flushed,
	})
}

// Snapshot returns the current metrics of every connection without closing
// the sampling interval.
func (e *Engine) Snapshot() transport.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := make(transport.Snapshot, len(e.conns))
	for id, c := range e.conns {
		snap[id] = c.Metrics()
	}
	return snap
}

// Metrics reports queue counters per connection, keyed by connection id.
func (e *Engine) Metrics() data.MetricCollection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	metrics := data.MetricCollection{}
	for id, c := range e.conns {
		metrics[string(id)] = c.queue.Metrics()
	}
	return metrics
}

func (e *Engine) SubscribeEvents() *feed.Subscription[data.Event] {
	return e.events.Subscribe()
}

func (e *Engine) SubscribeMetrics() *feed.Subscription[transport.Snapshot] {
	return e.metrics.Subscribe()
}

// Publish puts an event on the debug feed on behalf of a collaborator.
func (e *Engine) Publish(ev data.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock()
	}
	e.events.Publish(ev)
}

func (e *Engine) publish(t data.EventType, id graph.ConnectionID, d map[string]interface{}) {
	e.events.Publish(data.Event{
		Type:         t,
		Timestamp:    e.clock(),
		ConnectionID: string(id),
		Data:         d,
	})
}

func (e *Engine) sampleLoop() {
	defer e.sampler.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sample()
		case <-e.stop:
			return
		}
	}
}

// sample closes the current sampling interval for every connection and
// publishes the result.
func (e *Engine) sample() transport.Snapshot {
	e.mu.RLock()
	snap := make(transport.Snapshot, len(e.conns))
	for id, c := range e.conns {
		snap[id] = c.sample(e.interval)
	}
	e.mu.RUnlock()

	e.metrics.Publish(snap)
	e.publish(data.EventMetrics, "", map[string]interface{}{
		"connections": len(snap),
	})
	return snap
}

// Destroy closes every connection and completes all feeds. Calling it more
// than once is harmless.
func (e *Engine) Destroy() {
	e.closeOnce.Do(func() {
		close(e.stop)
		e.sampler.Wait()

		e.mu.Lock()
		conns := e.conns
		e.conns = make(map[graph.ConnectionID]*connection)
		e.closed = true
		e.mu.Unlock()

		for _, c := range conns {
			e.closeConnection(c)
		}
		e.events.Close()
		e.metrics.Close()
		log.WithField("op", "weir:engine.destroy").WithField("connections", len(conns)).Info("stream engine destroyed")
	})
}
