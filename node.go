package weir

import (
	"context"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/graph"
)

// NodeExecutor runs one node of a workflow. The executor calls it once per
// run, after every producer of the node has run, and waits for it to return
// before moving on. A returned error aborts the run.
type NodeExecutor interface {
	Execute(ctx context.Context, ec *ExecutionContext) error
}

type NodeExecutorFunc func(ctx context.Context, ec *ExecutionContext) error

func (f NodeExecutorFunc) Execute(ctx context.Context, ec *ExecutionContext) error {
	return f(ctx, ec)
}

// ExecutionContext is what a node sees of the run it is part of. It is only
// valid for the duration of the Execute call it was passed to.
type ExecutionContext struct {
	WorkflowID string
	NodeID     string
	// Inputs holds the payloads buffered on each input port when the node
	// started, oldest first.
	Inputs map[string][]interface{}
	// Messages are the messages Inputs was built from.
	Messages []*data.Message
	Config   graph.NodeConfig

	ctx     context.Context
	emit    func(port string, d interface{}, metadata map[string]interface{}) error
	onError func(err error)
}

// Context is the run's context, carrying the node, run id and start time.
// It is cancelled when the run is stopped.
func (ec *ExecutionContext) Context() context.Context {
	return ec.ctx
}

// Input returns the oldest payload received on port.
func (ec *ExecutionContext) Input(port string) (interface{}, bool) {
	vals := ec.Inputs[port]
	if len(vals) == 0 {
		return nil, false
	}
	return vals[0], true
}

// EmitOutput sends d to every connection leaving port. Delivery faults are
// handled by the stream engine; the returned error only reports them.
func (ec *ExecutionContext) EmitOutput(port string, d interface{}) error {
	return ec.emit(port, d, nil)
}

// EmitMessage is EmitOutput with message metadata, such as "type" or
// "priority", for the backpressure policies to read.
func (ec *ExecutionContext) EmitMessage(port string, d interface{}, metadata map[string]interface{}) error {
	return ec.emit(port, d, metadata)
}

// EmitError reports a non-fatal problem. It is logged and published on the
// debug event feed.
func (ec *ExecutionContext) EmitError(err error) {
	ec.onError(err)
}
