// Package recovery holds the policies the stream engine consults after a
// failed write or batch step.
package recovery

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nirosys/weir/graph"
	"github.com/nirosys/weir/transport"
)

const (
	DefaultMaxAttempts      = 3
	DefaultBaseDelay        = 100 * time.Millisecond
	DefaultMaxDelay         = 5 * time.Second
	DefaultTripCount        = 5
	DefaultTripWindow       = 60 * time.Second
	DefaultBreakerTimeout   = 30 * time.Second
	DefaultHistoryRetention = 5 * time.Minute
)

type CircuitBreakerConfig struct {
	MaxAttempts        int           `yaml:"max_attempts" json:"maxAttempts" validate:"gte=0"`
	BaseDelay          time.Duration `yaml:"base_delay" json:"baseDelay" validate:"gte=0"`
	MaxDelay           time.Duration `yaml:"max_delay" json:"maxDelay" validate:"gte=0"`
	ExponentialBackoff bool          `yaml:"exponential_backoff" json:"exponentialBackoff"`
	// TripCount errors of one kind inside TripWindow open the breaker.
	TripCount        int           `yaml:"trip_count" json:"tripCount" validate:"gte=0"`
	TripWindow       time.Duration `yaml:"trip_window" json:"tripWindow" validate:"gte=0"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout" json:"breakerTimeout" validate:"gte=0"`
	HistoryRetention time.Duration `yaml:"history_retention" json:"historyRetention" validate:"gte=0"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxAttempts:        DefaultMaxAttempts,
		BaseDelay:          DefaultBaseDelay,
		MaxDelay:           DefaultMaxDelay,
		ExponentialBackoff: true,
		TripCount:          DefaultTripCount,
		TripWindow:         DefaultTripWindow,
		BreakerTimeout:     DefaultBreakerTimeout,
		HistoryRetention:   DefaultHistoryRetention,
	}
}

type historyKey struct {
	conn graph.ConnectionID
	kind transport.ErrorKind
}

// CircuitBreaker retries with exponential backoff and stops retrying a
// connection once the same kind of error keeps recurring on it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu      sync.Mutex
	history map[historyKey][]time.Time
	// trips holds, per breaker key, when each error kind last tripped.
	trips map[string]map[transport.ErrorKind]time.Time
}

var _ transport.RecoveryPolicy = (*CircuitBreaker)(nil)

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:     cfg,
		now:     time.Now,
		history: make(map[historyKey][]time.Time),
		trips:   make(map[string]map[transport.ErrorKind]time.Time),
	}
}

func breakerKey(id graph.ConnectionID) string {
	return "circuit-breaker:" + string(id)
}

func (b *CircuitBreaker) OnError(err error, conn transport.Connection) {
	id := conn.ID()
	kind := transport.KindOf(err)
	now := b.now()
	key := historyKey{conn: id, kind: kind}

	b.mu.Lock()
	defer b.mu.Unlock()

	recent := 0
	for _, ts := range b.history[key] {
		if now.Sub(ts) <= b.cfg.TripWindow {
			recent++
		}
	}
	if recent >= b.cfg.TripCount {
		k := breakerKey(id)
		if b.trips[k] == nil {
			b.trips[k] = make(map[transport.ErrorKind]time.Time)
		}
		b.trips[k][kind] = now
		log.WithFields(log.Fields{
			"op":         "weir:recovery.circuit_breaker",
			"connection": id,
			"kind":       kind,
			"errors":     recent,
		}).Warn("circuit breaker tripped")
		return
	}

	kept := b.history[key][:0]
	for _, ts := range b.history[key] {
		if now.Sub(ts) <= b.cfg.HistoryRetention {
			kept = append(kept, ts)
		}
	}
	b.history[key] = append(kept, now)
}

// ShouldRetry refuses once attempts are used up, for errors that will not go
// away on their own, and while a breaker for the error's kind is open.
func (b *CircuitBreaker) ShouldRetry(err error, attempt int) bool {
	if attempt >= b.cfg.MaxAttempts {
		return false
	}
	kind := transport.KindOf(err)
	if !kind.Retryable() {
		return false
	}
	return !b.tripped(err, kind)
}

func (b *CircuitBreaker) tripped(err error, kind transport.ErrorKind) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	open := func(kinds map[transport.ErrorKind]time.Time) bool {
		at, found := kinds[kind]
		return found && now.Sub(at) < b.cfg.BreakerTimeout
	}
	if id, ok := transport.ConnectionOf(err); ok {
		return open(b.trips[breakerKey(id)])
	}
	for _, kinds := range b.trips {
		if open(kinds) {
			return true
		}
	}
	return false
}

// Open reports whether the breaker for id is currently open for any kind.
func (b *CircuitBreaker) Open(id graph.ConnectionID) bool {
	return len(b.OpenKinds(id)) > 0
}

// OpenKinds lists the error kinds whose breaker is open for id.
func (b *CircuitBreaker) OpenKinds(id graph.ConnectionID) []transport.ErrorKind {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	var kinds []transport.ErrorKind
	for kind, at := range b.trips[breakerKey(id)] {
		if now.Sub(at) < b.cfg.BreakerTimeout {
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (b *CircuitBreaker) RetryDelay(attempt int) time.Duration {
	if !b.cfg.ExponentialBackoff {
		return b.cfg.BaseDelay
	}
	return backoff(attempt, b.cfg.BaseDelay, b.cfg.MaxDelay)
}

// backoff is base doubled per attempt, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	d := base << attempt
	if d > max || d < 0 {
		d = max
	}
	return d
}

// jitter returns a random duration in [0, max).
func jitter(rnd func() float64, max time.Duration) time.Duration {
	return time.Duration(rnd() * float64(max))
}

var defaultRand = rand.Float64
