package weir

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nirosys/weir/data"
)

// RunMetrics counts workflow runs between two reads. Metrics resets the
// counters; runs still in flight are carried over.
type RunMetrics struct {
	MeanDurationSecs float64 `json:"mean_duration_sec"`
	NumberOfRuns     uint    `json:"num_runs"`
	NumberOfFailures uint    `json:"num_failures"`
	NumberOfErrors   uint    `json:"num_errors"`

	totalTimeSec float64
	runs         map[string]time.Time
	metricsLock  sync.Mutex
}

func NewRunMetrics() *RunMetrics {
	return &RunMetrics{
		runs: make(map[string]time.Time),
	}
}

func (r *RunMetrics) Metrics() data.MetricCollection {
	r.metricsLock.Lock()
	defer r.metricsLock.Unlock()

	metrics := map[string]interface{}{
		"num_runs":          r.NumberOfRuns,
		"num_failures":      r.NumberOfFailures,
		"num_errors":        r.NumberOfErrors,
		"mean_duration_sec": r.MeanDurationSecs,
		"in_flight":         len(r.runs),
	}
	r.MeanDurationSecs = 0.0
	r.NumberOfRuns = 0
	r.NumberOfFailures = 0
	r.NumberOfErrors = 0
	r.totalTimeSec = 0.0
	return metrics
}

func (r *RunMetrics) RunBegin(runID string) {
	log := log.WithField("op", "weir:metrics.run_begin")

	r.metricsLock.Lock()
	defer r.metricsLock.Unlock()

	if v, ok := r.runs[runID]; ok {
		log.WithFields(map[string]interface{}{
			"run_id":     runID,
			"start_time": v,
		}).Error("run ID already being tracked")
	}
	r.runs[runID] = time.Now()
}

// RunEnd closes the run; a non-nil err counts it as failed.
func (r *RunMetrics) RunEnd(runID string, err error) {
	log := log.WithField("op", "weir:metrics.run_end")
	end := time.Now()

	r.metricsLock.Lock()
	defer r.metricsLock.Unlock()

	start, ok := r.runs[runID]
	if !ok {
		log.WithField("run_id", runID).Error("run ending without record of start")
		r.NumberOfErrors += 1
		return
	}
	if err != nil {
		r.NumberOfFailures += 1
	}
	r.totalTimeSec += end.Sub(start).Seconds()
	r.NumberOfRuns += 1
	r.MeanDurationSecs = r.totalTimeSec / float64(r.NumberOfRuns)
	delete(r.runs, runID)
}

// NodeError counts an error reported by a node through its context.
func (r *RunMetrics) NodeError() {
	r.metricsLock.Lock()
	defer r.metricsLock.Unlock()
	r.NumberOfErrors += 1
}
