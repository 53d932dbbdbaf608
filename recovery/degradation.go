package recovery

import (
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nirosys/weir/graph"
	"github.com/nirosys/weir/transport"
)

type DegradationConfig struct {
	// More than DegradeAfter errors put a connection into degraded mode.
	DegradeAfter   int           `yaml:"degrade_after" json:"degradeAfter" validate:"gte=0"`
	RecoveryPeriod time.Duration `yaml:"recovery_period" json:"recoveryPeriod" validate:"gte=0"`
	// StaleAge is how old a buffered message must be for quota mitigation to
	// discard it.
	StaleAge time.Duration `yaml:"stale_age" json:"staleAge" validate:"gte=0"`
}

func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		DegradeAfter:   2,
		RecoveryPeriod: 30 * time.Second,
		StaleAge:       5 * time.Second,
	}
}

const (
	maxDegradedWindow = time.Second
	maxNetworkWindow  = 500 * time.Millisecond
	maxTimeoutBatch   = 200
	slowFactor        = 1.5

	recoverableAttempts = 5
	otherAttempts       = 2

	degradationBaseDelay = 200 * time.Millisecond
	maxJitter            = 100 * time.Millisecond
)

type degradationState struct {
	conn          transport.Connection
	degraded      bool
	lastErrorTime time.Time
	errorCount    int
	saved         transport.Config
	stop          func() bool
}

// release cancels the pending recovery check, if any.
func (st *degradationState) release() {
	if st.stop != nil {
		st.stop()
		st.stop = nil
	}
}

// Degradation sheds load instead of failing: repeated errors widen the
// batch window and shrink batches, recoverable kinds get a targeted
// mitigation, and a quiet period restores the original tuning.
type Degradation struct {
	cfg       DegradationConfig
	now       func() time.Time
	rand      func() float64
	afterFunc func(d time.Duration, fn func()) (stop func() bool)

	mu    sync.Mutex
	state map[graph.ConnectionID]*degradationState
}

var (
	_ transport.RecoveryPolicy = (*Degradation)(nil)
	_ transport.Releaser       = (*Degradation)(nil)
)

func NewDegradation(cfg DegradationConfig) *Degradation {
	return &Degradation{
		cfg:  cfg,
		now:  time.Now,
		rand: defaultRand,
		afterFunc: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
		state: make(map[graph.ConnectionID]*degradationState),
	}
}

func (d *Degradation) OnError(err error, conn transport.Connection) {
	id := conn.ID()
	kind := transport.KindOf(err)
	logger := log.WithFields(log.Fields{
		"op":         "weir:recovery.degradation",
		"connection": id,
		"kind":       kind,
	})

	d.mu.Lock()
	st, ok := d.state[id]
	if ok && st.conn != conn {
		// A new connection reusing the id starts from a clean slate.
		st.release()
		ok = false
	}
	if !ok {
		st = &degradationState{conn: conn}
		d.state[id] = st
	}
	st.errorCount++
	st.lastErrorTime = d.now()
	count := st.errorCount
	enter := count > d.cfg.DegradeAfter && !st.degraded
	if enter {
		st.degraded = true
		st.saved = conn.Config()
		d.schedule(st, d.cfg.RecoveryPeriod)
	}
	d.mu.Unlock()

	if enter {
		conn.Tune(func(c *transport.Config) {
			c.BatchWindow *= 2
			if c.BatchWindow > maxDegradedWindow {
				c.BatchWindow = maxDegradedWindow
			}
			c.MaxBatchSize /= 2
			if c.MaxBatchSize < 1 {
				c.MaxBatchSize = 1
			}
		})
		logger.WithField("errors", count).Warn("entering degraded mode")
	}

	if kind.Recoverable() {
		d.mitigate(kind, conn, logger)
	}
}

func (d *Degradation) mitigate(kind transport.ErrorKind, conn transport.Connection, logger *log.Entry) {
	switch kind {
	case transport.KindQuota:
		n := conn.Purge(d.cfg.StaleAge)
		logger.WithField("purged", n).Info("cleared stale buffered messages")
	case transport.KindNetwork:
		conn.Tune(func(c *transport.Config) {
			w := time.Duration(float64(c.BatchWindow) * slowFactor)
			if w > maxNetworkWindow {
				w = maxNetworkWindow
			}
			c.BatchWindow = w
		})
		logger.Info("slowed emission")
	case transport.KindTimeout:
		conn.Tune(func(c *transport.Config) {
			c.MaxBatchSize = int(math.Min(float64(c.MaxBatchSize)*slowFactor, maxTimeoutBatch))
		})
		logger.Info("grew batch size")
	case transport.KindClone:
		logger.Info("payload could not be cloned")
	}
}

// schedule arms the recovery check for st. d.mu must be held.
func (d *Degradation) schedule(st *degradationState, after time.Duration) {
	st.stop = d.afterFunc(after, func() { d.checkRecovery(st) })
}

// checkRecovery leaves degraded mode once RecoveryPeriod has passed since the
// last error, or checks again when that will be. A check for a state that
// has since been released does nothing.
func (d *Degradation) checkRecovery(st *degradationState) {
	id := st.conn.ID()
	d.mu.Lock()
	if d.state[id] != st || !st.degraded {
		d.mu.Unlock()
		return
	}
	quiet := d.now().Sub(st.lastErrorTime)
	if quiet < d.cfg.RecoveryPeriod {
		d.schedule(st, d.cfg.RecoveryPeriod-quiet)
		d.mu.Unlock()
		return
	}
	st.degraded = false
	st.errorCount = 0
	st.stop = nil
	conn, restore := st.conn, st.saved
	d.mu.Unlock()

	if dc, ok := conn.(interface{ DefaultConfig() transport.Config }); ok {
		restore = dc.DefaultConfig()
	}
	conn.Tune(func(c *transport.Config) {
		c.BatchWindow = restore.BatchWindow
		c.MaxBatchSize = restore.MaxBatchSize
	})
	log.WithFields(log.Fields{
		"op":         "weir:recovery.degradation",
		"connection": id,
	}).Info("left degraded mode")
}

// Release forgets the connection's error history and cancels its pending
// recovery check. The engine calls it when the connection closes.
func (d *Degradation) Release(id graph.ConnectionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.state[id]; ok {
		st.release()
		delete(d.state, id)
	}
}

// Degraded reports whether the connection is in degraded mode.
func (d *Degradation) Degraded(id graph.ConnectionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.state[id]
	return ok && st.degraded
}

func (d *Degradation) ShouldRetry(err error, attempt int) bool {
	if transport.KindOf(err).Recoverable() {
		return attempt < recoverableAttempts
	}
	return attempt < otherAttempts
}

// RetryDelay is 200ms grown by half per attempt, plus up to 100ms of jitter.
func (d *Degradation) RetryDelay(attempt int) time.Duration {
	base := float64(degradationBaseDelay) * math.Pow(slowFactor, float64(attempt))
	return time.Duration(base) + jitter(d.rand, maxJitter)
}
