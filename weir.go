// Package weir runs workflow graphs: nodes connected by bounded, typed
// connections that apply backpressure and recover from faults. An Executor
// opens one connection per edge, runs the registered NodeExecutor of every
// node in dependency order and tears the connections down afterwards.
package weir

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/graph"
	"github.com/nirosys/weir/transport"
	"github.com/nirosys/weir/transport/local"
)

var (
	ErrInvalidNodeType = errors.New("invalid node type")
	ErrRunActive       = errors.New("run already active")
	ErrNodeFailed      = errors.New("node execution failed")
	ErrExecutorClosed  = errors.New("executor shut down")
)

type run struct {
	id     string
	cancel context.CancelFunc
}

// Executor drives workflow runs over a stream engine. Runs are independent
// of each other; within a run nodes execute one at a time.
type Executor struct {
	mux       sync.Mutex
	executors map[string]NodeExecutor
	runs      map[string]*run
	closed    bool
	running   sync.WaitGroup

	config  *Config
	engine  *local.Engine
	metrics *RunMetrics
}

// NewExecutor creates an executor and its stream engine. A nil cfg uses
// DefaultConfig.
func NewExecutor(cfg *Config) (*Executor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engine, err := local.NewEngine(&local.Config{
		Defaults:       cfg.Connection,
		SampleInterval: cfg.SampleInterval,
		Backpressure:   cfg.BackpressurePolicy(),
		Recovery:       cfg.RecoveryPolicy(),
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"op":           "weir:executor.init",
		"backpressure": cfg.Backpressure.Policy,
		"recovery":     cfg.Recovery.Policy,
	}).Info("initializing executor")

	return &Executor{
		executors: map[string]NodeExecutor{},
		runs:      map[string]*run{},
		config:    cfg,
		engine:    engine,
		metrics:   NewRunMetrics(),
	}, nil
}

// Engine is the stream engine the executor opens its connections on.
func (x *Executor) Engine() *local.Engine {
	return x.engine
}

// RegisterExecutor binds a node type to its executor. Types are matched
// case-insensitively and a later registration replaces an earlier one.
func (x *Executor) RegisterExecutor(nodeType string, e NodeExecutor) {
	key := strings.ToUpper(nodeType)
	x.mux.Lock()
	defer x.mux.Unlock()
	if _, exists := x.executors[key]; exists {
		log.WithField("op", "weir:executor.register").WithField("type", nodeType).Debug("replacing node executor")
	}
	x.executors[key] = e
}

func (x *Executor) executorFor(nodeType string) (NodeExecutor, error) {
	x.mux.Lock()
	defer x.mux.Unlock()
	if e, ok := x.executors[strings.ToUpper(nodeType)]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidNodeType, nodeType)
}

// Validate checks the graph's structure and that every node type has a
// registered executor.
func (x *Executor) Validate(g *graph.Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	for _, n := range g.Nodes {
		if _, err := x.executorFor(n.Type); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
	}
	return nil
}

// Run executes g once and returns when every node has run, a node has
// failed, or the run was stopped. The run id is the graph id, or a fresh id
// when the graph has none. Connections opened for the run are always closed
// before Run returns.
func (x *Executor) Run(ctx context.Context, g *graph.Graph) (err error) {
	order, err := g.ExecutionOrder()
	if err != nil {
		return err
	}

	runID := g.ID
	if runID == "" {
		runID = xid.New().String()
	}
	logger := log.WithField("op", "weir:executor.run").WithField("run_id", runID)

	runCtx, cancel := context.WithCancel(ctx)
	x.mux.Lock()
	if x.closed {
		x.mux.Unlock()
		cancel()
		return ErrExecutorClosed
	}
	if _, active := x.runs[runID]; active {
		x.mux.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	x.runs[runID] = &run{id: runID, cancel: cancel}
	x.running.Add(1)
	x.mux.Unlock()

	start := time.Now()
	x.metrics.RunBegin(runID)
	logger.WithField("nodes", len(order)).Info("run started")

	var opened []graph.ConnectionID
	defer func() {
		err = multierr.Append(err, x.finish(runID, opened, cancel))
		x.metrics.RunEnd(runID, err)
		entry := logger.WithField("duration", time.Since(start))
		if err != nil {
			entry.WithField("err", err.Error()).Warn("run ended with error")
		} else {
			entry.Info("run finished")
		}
	}()

	for _, e := range g.Edges {
		id, cerr := x.engine.CreateConnection(e.From(), e.To(), nil)
		if cerr != nil {
			return fmt.Errorf("opening connection %s: %w", e.ConnectionID(), cerr)
		}
		opened = append(opened, id)
	}

	runCtx = NewContextWithRunID(runCtx, runID)
	runCtx = NewContextWithStartTime(runCtx, start)
	for _, nodeID := range order {
		if cerr := runCtx.Err(); cerr != nil {
			logger.WithField("node_id", nodeID).Info("run stopped")
			return cerr
		}
		node, nerr := g.NodeByID(nodeID)
		if nerr != nil {
			return nerr
		}
		exec, xerr := x.executorFor(node.Type)
		if xerr != nil {
			return fmt.Errorf("node %s: %w", node.ID, xerr)
		}

		nodeCtx := NewContextFromNode(runCtx, node)
		ec := x.newExecutionContext(nodeCtx, runID, g, node)
		logger.WithField("node_id", node.ID).WithField("inputs", len(ec.Messages)).Debug("executing node")
		if eerr := exec.Execute(nodeCtx, ec); eerr != nil {
			return fmt.Errorf("%w: %s: %w", ErrNodeFailed, node.ID, eerr)
		}
	}
	return nil
}

// finish closes the run's connections and forgets the run.
func (x *Executor) finish(runID string, opened []graph.ConnectionID, cancel context.CancelFunc) error {
	var err error
	for _, id := range opened {
		err = multierr.Append(err, x.engine.CloseConnection(id))
	}
	cancel()

	x.mux.Lock()
	delete(x.runs, runID)
	x.mux.Unlock()
	x.running.Done()
	return err
}

// newExecutionContext collects the node's inputs by draining every
// connection into it, then binds its output and error callbacks.
func (x *Executor) newExecutionContext(ctx context.Context, runID string, g *graph.Graph, node *graph.Node) *ExecutionContext {
	logger := log.WithFields(log.Fields{
		"op":      "weir:executor.node",
		"run_id":  runID,
		"node_id": node.ID,
	})

	ec := &ExecutionContext{
		WorkflowID: runID,
		NodeID:     node.ID,
		Inputs:     map[string][]interface{}{},
		Config:     node.Config,
		ctx:        ctx,
	}
	for _, e := range g.EdgesInto(node.ID) {
		msgs, err := x.engine.Drain(e.ConnectionID())
		if err != nil {
			logger.WithField("connection", e.ConnectionID()).WithField("err", err.Error()).Warn("unable to collect inputs")
			continue
		}
		for _, m := range msgs {
			ec.Inputs[e.TargetPort] = append(ec.Inputs[e.TargetPort], m.Data)
		}
		ec.Messages = append(ec.Messages, msgs...)
	}

	ec.emit = func(port string, d interface{}, metadata map[string]interface{}) error {
		from, err := node.Output(port)
		if err != nil {
			logger.WithField("port", port).WithField("err", err.Error()).Warn("emit on unknown port")
			return err
		}
		var errs error
		for _, e := range g.EdgesFrom(from) {
			msg := data.NewMessage(node.ID, e.Target, e.TargetPort, d, metadata)
			if werr := x.engine.Write(ctx, e.ConnectionID(), msg); werr != nil {
				logger.WithFields(log.Fields{
					"connection": e.ConnectionID(),
					"kind":       transport.KindOf(werr),
					"err":        werr.Error(),
				}).Warn("error writing output")
				errs = multierr.Append(errs, werr)
			}
		}
		return errs
	}
	ec.onError = func(err error) {
		x.metrics.NodeError()
		logger.WithField("err", err.Error()).Error("node reported error")
		x.engine.Publish(data.Event{
			Type: data.EventError,
			Data: map[string]interface{}{
				"runId":  runID,
				"nodeId": node.ID,
				"error":  err.Error(),
			},
		})
	}
	return ec
}

// Stop requests cancellation of a run. The node currently executing is not
// interrupted; the run ends before the next node starts. It reports whether
// the run was active.
func (x *Executor) Stop(runID string) bool {
	x.mux.Lock()
	defer x.mux.Unlock()
	r, ok := x.runs[runID]
	if !ok {
		return false
	}
	log.WithField("op", "weir:executor.stop").WithField("run_id", runID).Info("stopping run")
	r.cancel()
	return true
}

// ActiveRuns lists the ids of runs in progress, sorted.
func (x *Executor) ActiveRuns() []string {
	x.mux.Lock()
	defer x.mux.Unlock()
	ids := make([]string, 0, len(x.runs))
	for id := range x.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Metrics returns and resets the run counters.
func (x *Executor) Metrics() data.MetricCollection {
	return x.metrics.Metrics()
}

// EmitMetrics logs the run counters and the queue counters of every open
// connection. Reading resets both.
func (x *Executor) EmitMetrics() {
	logger := log.WithField("op", "weir:metrics")
	emitMetrics(logger.WithField("source", "runs"), x.metrics)
	emitMetrics(logger.WithField("source", "connections"), x.engine)
}

// emitMetrics logs one entry per provider, or one per key when the provider
// reports nested collections.
func emitMetrics(logger *log.Entry, p data.MetricsProvider) {
	metrics := p.Metrics()
	flat := log.Fields{}
	for k, v := range metrics {
		if nested, ok := v.(data.MetricCollection); ok {
			logger.WithField("key", k).WithFields(log.Fields(nested)).Info("metrics")
			continue
		}
		flat[k] = v
	}
	if len(flat) > 0 {
		logger.WithFields(flat).Info("metrics")
	}
}

// Shutdown stops every active run, waits for them to wind down, then
// destroys the stream engine. If ctx ends first the engine is destroyed
// anyway and ctx's error is returned. Later calls do nothing.
func (x *Executor) Shutdown(ctx context.Context) error {
	logger := log.WithField("op", "weir:executor.shutdown")

	x.mux.Lock()
	if x.closed {
		x.mux.Unlock()
		return nil
	}
	x.closed = true
	for _, r := range x.runs {
		r.cancel()
	}
	x.mux.Unlock()

	logger.Info("waiting for runs to finish")
	done := make(chan struct{})
	go func() {
		x.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		logger.WithField("err", err.Error()).Warn("runs still active at shutdown")
	}

	logger.Info("destroying stream engine")
	x.engine.Destroy()
	return err
}
