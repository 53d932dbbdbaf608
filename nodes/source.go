package nodes

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/nirosys/weir"
)

// Source emits the values in its config. Recognised keys:
//
//	values    list of payloads, emitted in order
//	value     single payload, used when values is absent
//	interval  pause between payloads
//	port      output port, "out" by default
//	type      message type metadata
//	priority  message priority metadata, 0..1
type Source struct{}

func (Source) Execute(ctx context.Context, ec *weir.ExecutionContext) error {
	logger := log.WithField("op", "weir:nodes.source").WithField("node_id", ec.NodeID)

	values := ec.Config.GetSlice("values")
	if values == nil && ec.Config.Has("value") {
		values = []interface{}{ec.Config.Get("value")}
	}

	metadata := map[string]interface{}{}
	if t := ec.Config.GetString("type"); t != "" {
		metadata["type"] = t
	}
	if ec.Config.Has("priority") {
		metadata["priority"] = ec.Config.GetFloat64("priority")
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	port := outputPort(ec)
	interval := ec.Config.GetDuration("interval")
	for i, v := range values {
		if i > 0 {
			if err := pause(ctx, interval); err != nil {
				return err
			}
		}
		if err := ec.EmitMessage(port, v, metadata); err != nil {
			ec.EmitError(err)
		}
	}
	logger.WithField("count", len(values)).Debug("source done")
	return nil
}
