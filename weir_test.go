package weir_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nirosys/weir"
	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/graph"
)

const pipelineGraph = `
{
  "id": "wf-1",
  "name": "Pipeline",
  "nodes": [
    {"id": "C", "type": "record", "inputs": ["in"]},
    {"id": "B", "type": "record", "inputs": ["in"], "outputs": ["out"]},
    {"id": "A", "type": "emit", "outputs": ["out"], "config": {"value": 42}}
  ],
  "edges": [
    {"source": "A", "target": "B", "sourcePort": "out", "targetPort": "in"},
    {"source": "B", "target": "C", "sourcePort": "out", "targetPort": "in"}
  ]
}`

func loadGraph(t *testing.T, src string) *graph.Graph {
	t.Helper()
	g, err := graph.Load(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Error loading graph: %s", err)
	}
	return g
}

func newExecutor(t *testing.T) *weir.Executor {
	t.Helper()
	x, err := weir.NewExecutor(nil)
	if err != nil {
		t.Fatalf("Error creating executor: %s", err)
	}
	t.Cleanup(func() { x.Shutdown(context.Background()) })
	return x
}

// recorder remembers the order nodes ran in and what each one received.
type recorder struct {
	mu     sync.Mutex
	order  []string
	inputs map[string]map[string][]interface{}
	seen   map[string][]graph.ConnectionID
}

func newRecorder() *recorder {
	return &recorder{
		inputs: map[string]map[string][]interface{}{},
		seen:   map[string][]graph.ConnectionID{},
	}
}

func (r *recorder) register(x *weir.Executor) {
	x.RegisterExecutor("emit", weir.NodeExecutorFunc(func(ctx context.Context, ec *weir.ExecutionContext) error {
		r.record(x, ec)
		return ec.EmitOutput("out", ec.Config.GetInt("value"))
	}))
	x.RegisterExecutor("record", weir.NodeExecutorFunc(func(ctx context.Context, ec *weir.ExecutionContext) error {
		r.record(x, ec)
		if v, ok := ec.Input("in"); ok {
			if node, _ := weir.NodeFromContext(ctx); node != nil && len(node.Outputs) > 0 {
				return ec.EmitOutput("out", v)
			}
		}
		return nil
	}))
}

func (r *recorder) record(x *weir.Executor, ec *weir.ExecutionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, ec.NodeID)
	r.inputs[ec.NodeID] = ec.Inputs
	r.seen[ec.NodeID] = x.Engine().Connections()
}

func TestRunPipeline(t *testing.T) {
	x := newExecutor(t)
	rec := newRecorder()
	rec.register(x)

	g := loadGraph(t, pipelineGraph)
	if err := x.Run(context.Background(), g); err != nil {
		t.Fatalf("Unexpected error running graph: %s", err)
	}

	if got := strings.Join(rec.order, ","); got != "A,B,C" {
		t.Errorf("Unexpected execution order: %s", got)
	}

	in := rec.inputs["B"]["in"]
	if len(in) != 1 || in[0] != 42 {
		t.Errorf("Unexpected input for B: %+v", in)
	}
	if in := rec.inputs["C"]["in"]; len(in) != 1 || in[0] != 42 {
		t.Errorf("Unexpected input for C: %+v", in)
	}

	want := graph.ConnectionID("A:out->B:in")
	found := false
	for _, id := range rec.seen["A"] {
		if id == want {
			found = true
		}
	}
	if !found {
		t.Errorf("Connection %s not open during run: %v", want, rec.seen["A"])
	}
	if ids := x.Engine().Connections(); len(ids) != 0 {
		t.Errorf("Connections still open after run: %v", ids)
	}
	if runs := x.ActiveRuns(); len(runs) != 0 {
		t.Errorf("Runs still active: %v", runs)
	}

	m := x.Metrics()
	if m["num_runs"] != uint(1) || m["num_failures"] != uint(0) {
		t.Errorf("Unexpected run metrics: %+v", m)
	}
}

func TestRunUnknownNodeType(t *testing.T) {
	x := newExecutor(t)
	x.RegisterExecutor("emit", weir.NodeExecutorFunc(func(context.Context, *weir.ExecutionContext) error {
		return nil
	}))

	g := loadGraph(t, pipelineGraph)
	err := x.Run(context.Background(), g)
	if !errors.Is(err, weir.ErrInvalidNodeType) {
		t.Fatalf("Expected ErrInvalidNodeType, got %v", err)
	}
	if err := x.Validate(g); !errors.Is(err, weir.ErrInvalidNodeType) {
		t.Errorf("Expected Validate to reject unknown type, got %v", err)
	}
	if ids := x.Engine().Connections(); len(ids) != 0 {
		t.Errorf("Connections left open after failed run: %v", ids)
	}
}

func TestRunCycle(t *testing.T) {
	x := newExecutor(t)
	newRecorder().register(x)

	g := graph.NewGraph("wf-cycle", "Cycle")
	a, _ := g.AddNode(graph.Node{ID: "A", Type: "record"})
	b, _ := g.AddNode(graph.Node{ID: "B", Type: "record"})
	g.Connect(a, "out", b, "in")
	a, _ = g.NodeByID("A")
	g.Connect(b, "out", a, "in")

	if err := x.Run(context.Background(), g); !errors.Is(err, graph.ErrCycleDetected) {
		t.Fatalf("Expected ErrCycleDetected, got %v", err)
	}
	if ids := x.Engine().Connections(); len(ids) != 0 {
		t.Errorf("Connections opened for a cyclic graph: %v", ids)
	}
}

func TestNodeFailureAbortsRun(t *testing.T) {
	x := newExecutor(t)
	rec := newRecorder()
	rec.register(x)
	boom := errors.New("boom")
	x.RegisterExecutor("emit", weir.NodeExecutorFunc(func(context.Context, *weir.ExecutionContext) error {
		return boom
	}))

	err := x.Run(context.Background(), loadGraph(t, pipelineGraph))
	if !errors.Is(err, weir.ErrNodeFailed) || !errors.Is(err, boom) {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(rec.order) != 0 {
		t.Errorf("Nodes ran after failure: %v", rec.order)
	}
	if m := x.Metrics(); m["num_failures"] != uint(1) {
		t.Errorf("Failure not counted: %+v", m)
	}
}

func TestRegisterExecutorOverwrites(t *testing.T) {
	x := newExecutor(t)
	rec := newRecorder()
	rec.register(x)

	called := false
	x.RegisterExecutor("EMIT", weir.NodeExecutorFunc(func(ctx context.Context, ec *weir.ExecutionContext) error {
		called = true
		if id, ok := weir.RunIDFromContext(ctx); !ok || id != "wf-1" {
			t.Errorf("Unexpected run id in context: %q", id)
		}
		if ec.Context() != ctx {
			t.Error("Execution context does not carry the run context")
		}
		if _, ok := weir.StartTimeFromContext(ec.Context()); !ok {
			t.Error("Missing start time in context")
		}
		return ec.EmitOutput("out", "replaced")
	}))

	if err := x.Run(context.Background(), loadGraph(t, pipelineGraph)); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("Replacement executor not called")
	}
	if v := rec.inputs["C"]["in"]; len(v) != 1 || v[0] != "replaced" {
		t.Errorf("Unexpected input for C: %+v", v)
	}
}

// blockingGraph runs a single node that waits on release.
func blockingGraph(x *weir.Executor, release <-chan struct{}, started chan<- struct{}) *graph.Graph {
	x.RegisterExecutor("block", weir.NodeExecutorFunc(func(ctx context.Context, ec *weir.ExecutionContext) error {
		started <- struct{}{}
		select {
		case <-release:
			return ec.EmitOutput("out", 1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	g := graph.NewGraph("wf-block", "Blocking")
	a, _ := g.AddNode(graph.Node{ID: "A", Type: "block", Outputs: []string{"out"}})
	b, _ := g.AddNode(graph.Node{ID: "B", Type: "record", Inputs: []string{"in"}})
	g.Connect(a, "out", b, "in")
	return g
}

func TestStopRun(t *testing.T) {
	x := newExecutor(t)
	rec := newRecorder()
	rec.register(x)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	g := blockingGraph(x, release, started)

	errs := make(chan error, 1)
	go func() { errs <- x.Run(context.Background(), g) }()
	<-started

	if runs := x.ActiveRuns(); len(runs) != 1 || runs[0] != "wf-block" {
		t.Fatalf("Unexpected active runs: %v", runs)
	}
	if err := x.Run(context.Background(), g); !errors.Is(err, weir.ErrRunActive) {
		t.Errorf("Expected ErrRunActive, got %v", err)
	}

	if !x.Stop("wf-block") {
		t.Fatal("Stop did not find the run")
	}
	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	if len(rec.order) != 0 {
		t.Errorf("Nodes ran after stop: %v", rec.order)
	}
	if x.Stop("wf-block") {
		t.Error("Stop reported a finished run as active")
	}
}

func TestShutdown(t *testing.T) {
	x, err := weir.NewExecutor(nil)
	if err != nil {
		t.Fatal(err)
	}
	newRecorder().register(x)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	g := blockingGraph(x, release, started)

	errs := make(chan error, 1)
	go func() { errs <- x.Run(context.Background(), g) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := x.Shutdown(ctx); err != nil {
		t.Fatalf("Unexpected shutdown error: %s", err)
	}
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected run to be cancelled, got %v", err)
	}
	if err := x.Run(context.Background(), g); !errors.Is(err, weir.ErrExecutorClosed) {
		t.Errorf("Expected ErrExecutorClosed, got %v", err)
	}
	if err := x.Shutdown(ctx); err != nil {
		t.Errorf("Second shutdown returned %s", err)
	}
}

func TestEmitErrorPublishesEvent(t *testing.T) {
	x := newExecutor(t)
	x.RegisterExecutor("emit", weir.NodeExecutorFunc(func(ctx context.Context, ec *weir.ExecutionContext) error {
		ec.EmitError(errors.New("soft failure"))
		return nil
	}))
	g := graph.NewGraph("wf-err", "Errors")
	g.AddNode(graph.Node{ID: "A", Type: "emit"})

	sub := x.Engine().SubscribeEvents()
	defer sub.Cancel()
	if err := x.Run(context.Background(), g); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type != data.EventError {
				continue
			}
			if ev.Data["nodeId"] != "A" || ev.Data["error"] != "soft failure" {
				t.Errorf("Unexpected error event: %+v", ev)
			}
			if m := x.Metrics(); m["num_errors"] != uint(1) {
				t.Errorf("Node error not counted: %+v", m)
			}
			return
		case <-timeout:
			t.Fatal("No error event published")
		}
	}
}

func TestEmitUnknownPort(t *testing.T) {
	x := newExecutor(t)
	var emitErr error
	x.RegisterExecutor("emit", weir.NodeExecutorFunc(func(ctx context.Context, ec *weir.ExecutionContext) error {
		emitErr = ec.EmitOutput("nope", 1)
		return nil
	}))
	g := graph.NewGraph("wf-port", "Ports")
	g.AddNode(graph.Node{ID: "A", Type: "emit", Outputs: []string{"out"}})

	if err := x.Run(context.Background(), g); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(emitErr, graph.ErrPortNotFound) {
		t.Errorf("Expected ErrPortNotFound, got %v", emitErr)
	}
}

// Runs the three node pipeline end to end, including connection setup and
// teardown.
func BenchmarkRun(b *testing.B) {
	x, err := weir.NewExecutor(nil)
	if err != nil {
		b.Fatal(err)
	}
	defer x.Shutdown(context.Background())
	rec := newRecorder()
	rec.register(x)

	g, err := graph.Load(strings.NewReader(pipelineGraph))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := x.Run(context.Background(), g); err != nil {
			b.Fatal(err)
		}
	}
}
