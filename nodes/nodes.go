// Package nodes holds the stock node executors: source, relay and sink.
// They are enough to wire up and exercise a workflow from the command line.
package nodes

import (
	"context"
	"time"

	"github.com/nirosys/weir"
)

const (
	TypeSource = "source"
	TypeRelay  = "relay"
	TypeSink   = "sink"

	DefaultPort = "out"
)

// Registrar is satisfied by *weir.Executor.
type Registrar interface {
	RegisterExecutor(nodeType string, e weir.NodeExecutor)
}

// Register binds the stock node types on r and returns the sink so callers
// can read what reached it.
func Register(r Registrar) *Sink {
	sink := NewSink()
	r.RegisterExecutor(TypeSource, Source{})
	r.RegisterExecutor(TypeRelay, Relay{})
	r.RegisterExecutor(TypeSink, sink)
	return sink
}

func outputPort(ec *weir.ExecutionContext) string {
	if p := ec.Config.GetString("port"); p != "" {
		return p
	}
	return DefaultPort
}

// pause waits for d, or until ctx ends.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
