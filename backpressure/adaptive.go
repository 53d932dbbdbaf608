package backpressure

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/transport"
)

const (
	initialThreshold = 0.8
	initialDropRate  = 0.1

	tightenWithin = 1000 * time.Millisecond
	relaxAfter    = 5000 * time.Millisecond

	thresholdStep  = 0.05
	thresholdFloor = 0.5
	relaxStep      = 0.02
	thresholdCeil  = 0.9

	dropRateStep  = 0.1
	dropRateCeil  = 0.8
	dropRateRelax = 0.05
	dropRateFloor = 0.1

	maxStallMs    = 200.0
	stallFactorMs = 50.0

	defaultTypePriority = 0.7
	maxAgePenalty       = 0.5
	agePenaltyFullMs    = 5000.0
)

var typePriorities = map[string]float64{
	"ui-update": 0.3,
	"data-flow": 0.7,
	"control":   0.9,
	"error":     1.0,
}

type adaptiveState struct {
	lastOverflow time.Time
	threshold    float64
	dropRate     float64
}

// Adaptive tracks how often each connection overflows. Overflows in quick
// succession raise the drop rate and lower the internal threshold; a quiet
// period lets both drift back.
type Adaptive struct {
	mu    sync.Mutex
	state map[string]*adaptiveState
	hooks
}

var _ transport.BackpressurePolicy = (*Adaptive)(nil)

func NewAdaptive() *Adaptive {
	return &Adaptive{
		state: make(map[string]*adaptiveState),
		hooks: defaultHooks(),
	}
}

func stateKey(source, target string) string {
	return source + ":" + target
}

func (a *Adaptive) lookup(key string) *adaptiveState {
	st, ok := a.state[key]
	if !ok {
		st = &adaptiveState{threshold: initialThreshold, dropRate: initialDropRate}
		a.state[key] = st
	}
	return st
}

func (a *Adaptive) OnOverflow(ctx context.Context, conn transport.Connection) error {
	key := stateKey(conn.Source().Node, conn.Target().Node)
	now := a.now()

	a.mu.Lock()
	st := a.lookup(key)
	if !st.lastOverflow.IsZero() {
		since := now.Sub(st.lastOverflow)
		switch {
		case since < tightenWithin:
			st.threshold = math.Max(thresholdFloor, st.threshold-thresholdStep)
			st.dropRate = math.Min(dropRateCeil, st.dropRate+dropRateStep)
		case since > relaxAfter:
			st.threshold = math.Min(thresholdCeil, st.threshold+relaxStep)
			st.dropRate = math.Max(dropRateFloor, st.dropRate-dropRateRelax)
		}
	}
	st.lastOverflow = now
	threshold, dropRate := st.threshold, st.dropRate
	a.mu.Unlock()

	stall := time.Duration(math.Min(maxStallMs, stallFactorMs/threshold) * float64(time.Millisecond))
	log.WithFields(log.Fields{
		"op":         "weir:backpressure.adaptive",
		"connection": conn.ID(),
		"threshold":  threshold,
		"drop_rate":  dropRate,
		"stall":      stall,
	}).Debug("overflow")
	return a.sleep(ctx, stall)
}

func (a *Adaptive) ShouldDrop(msg *data.Message) bool {
	a.mu.Lock()
	rate := initialDropRate
	if st, ok := a.state[stateKey(msg.SourceNodeID, msg.TargetNodeID)]; ok {
		rate = st.dropRate
	}
	a.mu.Unlock()
	return a.rand() < rate
}

// Priority comes from the "type" metadata, less an age penalty that reaches
// 0.5 at five seconds.
func (a *Adaptive) Priority(msg *data.Message) float64 {
	p := defaultTypePriority
	if t, ok := msg.MetadataString("type"); ok {
		if v, known := typePriorities[t]; known {
			p = v
		}
	}
	ageMs := float64(msg.Age(a.now()).Milliseconds())
	penalty := clamp(ageMs/agePenaltyFullMs, 0, 1) * maxAgePenalty
	return clamp(p-penalty, 0, 1)
}

// Threshold reports the adaptive threshold and drop rate held for the
// source -> target pair.
func (a *Adaptive) Threshold(source, target string) (threshold, dropRate float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.state[stateKey(source, target)]; ok {
		return st.threshold, st.dropRate
	}
	return initialThreshold, initialDropRate
}
