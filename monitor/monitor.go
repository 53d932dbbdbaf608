// Package monitor observes a stream engine from the outside. It records the
// debug event feed, keeps the latest metrics of every connection, publishes
// periodic system snapshots and raises threshold alerts. Nothing in the
// engine depends on it.
package monitor

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/graph"
	"github.com/nirosys/weir/internal/feed"
	"github.com/nirosys/weir/transport"
)

// System load weights.
const (
	latencyWeight     = 0.3
	utilizationWeight = 0.4
	rateWeight        = 0.2
	errorWeight       = 0.1
)

// Source is the part of the stream engine the monitor reads from.
type Source interface {
	SubscribeEvents() *feed.Subscription[data.Event]
	SubscribeMetrics() *feed.Subscription[transport.Snapshot]
}

type ConnectionStatus struct {
	Metrics transport.Metrics `json:"metrics"`
	Active  bool              `json:"active"`
}

type Snapshot struct {
	Timestamp   time.Time                               `json:"timestamp"`
	Connections map[graph.ConnectionID]ConnectionStatus `json:"connections"`
	SystemLoad  float64                                 `json:"systemLoad"`
}

type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

type Alert struct {
	Level        AlertLevel         `json:"level"`
	Metric       string             `json:"metric"`
	ConnectionID graph.ConnectionID `json:"connectionId"`
	Value        float64            `json:"value"`
	Threshold    float64            `json:"threshold"`
	Timestamp    time.Time          `json:"timestamp"`
}

type Monitor struct {
	cfg Config
	now func() time.Time

	events  *feed.Subscription[data.Event]
	metrics *feed.Subscription[transport.Snapshot]

	mu        sync.Mutex
	recording bool
	buffer    *RingBuffer[data.Event]
	latest    map[graph.ConnectionID]transport.Metrics

	snapshots *feed.Feed[Snapshot]
	alerts    *feed.Feed[Alert]

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New subscribes to src and starts the snapshot loop. Zero fields in cfg
// take their defaults.
func New(src Source, cfg Config) *Monitor {
	return newMonitor(src, cfg, time.Now)
}

func newMonitor(src Source, cfg Config, now func() time.Time) *Monitor {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = def.ActiveWindow
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = def.MaxLatency
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = def.MaxRate
	}

	m := &Monitor{
		cfg:       cfg,
		now:       now,
		events:    src.SubscribeEvents(),
		metrics:   src.SubscribeMetrics(),
		buffer:    NewRingBuffer[data.Event](cfg.BufferSize),
		latest:    make(map[graph.ConnectionID]transport.Metrics),
		snapshots: feed.New[Snapshot](),
		alerts:    feed.New[Alert](),
		stop:      make(chan struct{}),
	}
	m.wg.Add(3)
	go m.consumeEvents()
	go m.consumeMetrics()
	go m.snapshotLoop()
	return m
}

func (m *Monitor) StartRecording() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = true
}

func (m *Monitor) StopRecording() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = false
}

func (m *Monitor) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// Events returns the recorded events, oldest first.
func (m *Monitor) Events() []data.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Slice()
}

func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer.Clear()
}

func (m *Monitor) SubscribeSnapshots() *feed.Subscription[Snapshot] {
	return m.snapshots.Subscribe()
}

func (m *Monitor) SubscribeAlerts() *feed.Subscription[Alert] {
	return m.alerts.Subscribe()
}

func (m *Monitor) consumeEvents() {
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-m.events.C:
			if !ok {
				return
			}
			m.mu.Lock()
			if m.recording {
				m.buffer.Push(ev)
			}
			if ev.Type == data.EventConnectionClosed {
				delete(m.latest, graph.ConnectionID(ev.ConnectionID))
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) consumeMetrics() {
	defer m.wg.Done()
	for {
		select {
		case snap, ok := <-m.metrics.C:
			if !ok {
				return
			}
			m.update(snap)
		case <-m.stop:
			return
		}
	}
}

// update replaces the stored metrics with snap, which lists every open
// connection, and checks each one against the thresholds. Alerts are not
// deduplicated.
func (m *Monitor) update(snap transport.Snapshot) {
	latest := make(map[graph.ConnectionID]transport.Metrics, len(snap))
	for id, metrics := range snap {
		latest[id] = metrics
	}
	m.mu.Lock()
	m.latest = latest
	m.mu.Unlock()

	now := m.now()
	for id, metrics := range snap {
		for _, a := range m.check(id, metrics) {
			a.Timestamp = now
			log.WithFields(log.Fields{
				"op":         "weir:monitor.alert",
				"connection": id,
				"metric":     a.Metric,
				"level":      a.Level,
				"value":      a.Value,
			}).Warn("threshold exceeded")
			m.alerts.Publish(a)
		}
	}
}

func (m *Monitor) check(id graph.ConnectionID, metrics transport.Metrics) []Alert {
	var alerts []Alert
	eval := func(metric string, value float64, t Thresholds) {
		switch {
		case value > t.Critical:
			alerts = append(alerts, Alert{Level: LevelCritical, Metric: metric, ConnectionID: id, Value: value, Threshold: t.Critical})
		case value > t.Warning:
			alerts = append(alerts, Alert{Level: LevelWarning, Metric: metric, ConnectionID: id, Value: value, Threshold: t.Warning})
		}
	}
	eval("latency_ms", float64(metrics.AverageLatency)/float64(time.Millisecond), m.cfg.LatencyMs)
	eval("error_rate", metrics.ErrorRate, m.cfg.ErrorRate)
	eval("backpressure", float64(metrics.BackpressureEvents), m.cfg.Backpressure)
	return alerts
}

func (m *Monitor) snapshotLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.snapshots.Publish(m.Snapshot())
		case <-m.stop:
			return
		}
	}
}

// Snapshot joins the latest metrics of every open connection with its
// activity flag and the overall system load.
func (m *Monitor) Snapshot() Snapshot {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Timestamp:   now,
		Connections: make(map[graph.ConnectionID]ConnectionStatus, len(m.latest)),
	}
	if len(m.latest) == 0 {
		return snap
	}

	var latency, util, rate, errRate float64
	for id, metrics := range m.latest {
		snap.Connections[id] = ConnectionStatus{
			Metrics: metrics,
			Active:  now.Sub(metrics.LastUpdated) <= m.cfg.ActiveWindow,
		}
		latency += float64(metrics.AverageLatency)
		util += metrics.BufferUtilization
		rate += metrics.MessagesPerSecond
		errRate += metrics.ErrorRate
	}
	n := float64(len(m.latest))
	snap.SystemLoad = systemLoad(
		latency/n/float64(m.cfg.MaxLatency),
		util/n,
		rate/m.cfg.MaxRate,
		errRate/n,
	)
	return snap
}

func systemLoad(latency, util, rate, errRate float64) float64 {
	load := latencyWeight*clamp01(latency) +
		utilizationWeight*clamp01(util) +
		rateWeight*clamp01(rate) +
		errorWeight*clamp01(errRate)
	return clamp01(load)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Close stops the monitor and completes its feeds. It is idempotent.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
		m.events.Cancel()
		m.metrics.Cancel()
		m.snapshots.Close()
		m.alerts.Close()
	})
}
