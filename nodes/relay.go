package nodes

import (
	"context"

	"github.com/nirosys/weir"
)

// Relay forwards every message it received to its output port, keeping the
// original metadata. An optional "delay" holds each message back, which is
// handy for provoking backpressure upstream.
type Relay struct{}

func (Relay) Execute(ctx context.Context, ec *weir.ExecutionContext) error {
	port := outputPort(ec)
	delay := ec.Config.GetDuration("delay")
	for _, m := range ec.Messages {
		if delay > 0 {
			if err := pause(ctx, delay); err != nil {
				return err
			}
		}
		if err := ec.EmitMessage(port, m.Data, m.Metadata); err != nil {
			ec.EmitError(err)
		}
	}
	return nil
}
