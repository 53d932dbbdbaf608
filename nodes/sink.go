package nodes

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nirosys/weir"
)

// Sink records the payloads that reach it, per run and node. With "log" set
// in its config every payload is also logged.
type Sink struct {
	mu       sync.Mutex
	received map[string]map[string][]interface{}
}

func NewSink() *Sink {
	return &Sink{received: map[string]map[string][]interface{}{}}
}

func (s *Sink) Execute(ctx context.Context, ec *weir.ExecutionContext) error {
	logger := log.WithFields(log.Fields{
		"op":      "weir:nodes.sink",
		"run_id":  ec.WorkflowID,
		"node_id": ec.NodeID,
	})
	verbose := ec.Config.GetBool("log")

	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.received[ec.WorkflowID]
	if !ok {
		byNode = map[string][]interface{}{}
		s.received[ec.WorkflowID] = byNode
	}
	for _, m := range ec.Messages {
		byNode[ec.NodeID] = append(byNode[ec.NodeID], m.Data)
		if verbose {
			logger.WithFields(log.Fields{
				"port":   m.Port,
				"source": m.SourceNodeID,
				"data":   m.Data,
			}).Info("received")
		}
	}
	return nil
}

// Received returns the payloads the sink node got during a run, in arrival
// order.
func (s *Sink) Received(runID, nodeID string) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals := s.received[runID][nodeID]
	out := make([]interface{}, len(vals))
	copy(out, vals)
	return out
}

// Reset forgets everything recorded for a run.
func (s *Sink) Reset(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.received, runID)
}
