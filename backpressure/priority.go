package backpressure

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/transport"
)

const (
	DefaultDropThreshold  = 0.9
	DefaultMaxWaitTime    = 100 * time.Millisecond
	DefaultSourceWeight   = 0.5
	DefaultMessageWeight  = 0.5
	maxAgeBonus           = 0.2
	metadataPriorityScale = 0.3
)

type PriorityDropConfig struct {
	// DropThreshold is the utilization above which a writer is stalled for
	// the full MaxWaitTime.
	DropThreshold       float64            `yaml:"drop_threshold" json:"dropThreshold" validate:"gte=0,lte=1"`
	PriorityDropEnabled bool               `yaml:"priority_drop_enabled" json:"priorityDropEnabled"`
	MaxWaitTime         time.Duration      `yaml:"max_wait_time" json:"maxWaitTime" validate:"gte=0"`
	SourceWeights       map[string]float64 `yaml:"source_weights" json:"sourceWeights"`
}

func DefaultPriorityDropConfig() PriorityDropConfig {
	return PriorityDropConfig{
		DropThreshold:       DefaultDropThreshold,
		PriorityDropEnabled: true,
		MaxWaitTime:         DefaultMaxWaitTime,
	}
}

// PriorityDrop scores messages by source, age and metadata priority and
// drops each one with probability 1 - priority.
type PriorityDrop struct {
	cfg PriorityDropConfig
	hooks
}

var _ transport.BackpressurePolicy = (*PriorityDrop)(nil)

func NewPriorityDrop(cfg PriorityDropConfig) *PriorityDrop {
	return &PriorityDrop{cfg: cfg, hooks: defaultHooks()}
}

func (p *PriorityDrop) Config() PriorityDropConfig {
	return p.cfg
}

// OnOverflow stalls the writer: MaxWaitTime when the connection is past the
// drop threshold, a short yield otherwise.
func (p *PriorityDrop) OnOverflow(ctx context.Context, conn transport.Connection) error {
	util := conn.Utilization()
	wait := yieldDelay
	if util > p.cfg.DropThreshold {
		wait = p.cfg.MaxWaitTime
		log.WithFields(log.Fields{
			"op":          "weir:backpressure.priority_drop",
			"connection":  conn.ID(),
			"utilization": util,
			"wait":        wait,
		}).Debug("connection past drop threshold")
	}
	return p.sleep(ctx, wait)
}

func (p *PriorityDrop) ShouldDrop(msg *data.Message) bool {
	if !p.cfg.PriorityDropEnabled {
		return false
	}
	return p.rand() < 1-p.Priority(msg)
}

// Priority is the source weight, plus up to 0.2 for age (full at one second),
// plus 0.3 of the message's own "priority" metadata, capped at 1.
func (p *PriorityDrop) Priority(msg *data.Message) float64 {
	weight, ok := p.cfg.SourceWeights[msg.SourceNodeID]
	if !ok {
		weight = DefaultSourceWeight
	}
	ageMs := float64(msg.Age(p.now()).Milliseconds())
	ageBonus := clamp(ageMs/1000, 0, 1) * maxAgeBonus

	meta, ok := msg.MetadataFloat("priority")
	if !ok {
		meta = DefaultMessageWeight
	}
	return clamp(weight+ageBonus+meta*metadataPriorityScale, 0, 1)
}
