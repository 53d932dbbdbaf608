package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "weir"

var (
	messagesPerSecondDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "connection", "messages_per_second"),
		"Messages written to the connection per second over the last sampling interval.",
		[]string{"connection"}, nil,
	)
	latencyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "connection", "latency_seconds"),
		"Exponentially weighted average message latency.",
		[]string{"connection"}, nil,
	)
	utilizationDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "connection", "buffer_utilization"),
		"Fraction of the connection buffer in use.",
		[]string{"connection"}, nil,
	)
	backpressureDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "connection", "backpressure_events_total"),
		"Writes that found the connection above its backpressure threshold.",
		[]string{"connection"}, nil,
	)
	errorRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "connection", "error_rate"),
		"Exponentially weighted error rate.",
		[]string{"connection"}, nil,
	)
	activeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "connection", "active"),
		"1 if the connection reported metrics recently.",
		[]string{"connection"}, nil,
	)
	systemLoadDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "system", "load"),
		"Weighted system load score in [0,1].",
		nil, nil,
	)
)

type collector struct {
	m *Monitor
}

// Collector exposes the monitor's current snapshot to Prometheus. Values are
// computed at scrape time.
func (m *Monitor) Collector() prometheus.Collector {
	return &collector{m: m}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- messagesPerSecondDesc
	ch <- latencyDesc
	ch <- utilizationDesc
	ch <- backpressureDesc
	ch <- errorRateDesc
	ch <- activeDesc
	ch <- systemLoadDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	for id, status := range snap.Connections {
		label := string(id)
		mt := status.Metrics
		ch <- prometheus.MustNewConstMetric(messagesPerSecondDesc, prometheus.GaugeValue, mt.MessagesPerSecond, label)
		ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, mt.AverageLatency.Seconds(), label)
		ch <- prometheus.MustNewConstMetric(utilizationDesc, prometheus.GaugeValue, mt.BufferUtilization, label)
		ch <- prometheus.MustNewConstMetric(backpressureDesc, prometheus.CounterValue, float64(mt.BackpressureEvents), label)
		ch <- prometheus.MustNewConstMetric(errorRateDesc, prometheus.GaugeValue, mt.ErrorRate, label)
		active := 0.0
		if status.Active {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(activeDesc, prometheus.GaugeValue, active, label)
	}
	ch <- prometheus.MustNewConstMetric(systemLoadDesc, prometheus.GaugeValue, snap.SystemLoad)
}
