package data

// MetricCollection is a flat set of named values, suitable for logging as
// structured fields.
type MetricCollection map[string]interface{}

type MetricsProvider interface {
	Metrics() MetricCollection
}
