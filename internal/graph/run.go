package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"

	"graphchat/internal/checkpoint"
	"graphchat/internal/models"
	"graphchat/internal/tracer"
)

const defaultMaxIterations = 25

// CompiledGraph is an immutable, executable graph. It is safe for concurrent runs.
type CompiledGraph struct {
	nodes            map[string]NodeFunc
	edges            map[string]string
	conditionalEdges map[string]RouterFunc
	entryPoint       string

	maxIterations int
	store         checkpoint.Store
	logger        *slog.Logger
	metrics       tracer.Metrics
}

// Option configures a CompiledGraph.
type Option func(*CompiledGraph)

// WithMaxIterations bounds the number of node executions per run.
func WithMaxIterations(n int) Option {
	return func(cg *CompiledGraph) {
		if n > 0 {
			cg.maxIterations = n
		}
	}
}

// WithCheckpointStore persists the thread state after every node.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(cg *CompiledGraph) { cg.store = store }
}

// WithLogger sets the run logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cg *CompiledGraph) {
		if logger != nil {
			cg.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m tracer.Metrics) Option {
	return func(cg *CompiledGraph) {
		if m != nil {
			cg.metrics = m
		}
	}
}

// PanicError captures a panic raised by a node.
type PanicError struct {
	NodeID string
	Value  any
	Stack  string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

type runState struct {
	cfg        models.RunConfig
	writer     Writer
	sequence   int
	iterations int
}

// Run merges input into the thread's stored conversation and executes the
// graph from the entry node until END. A run left unfinished by a previous
// process is completed first. On error the state reached so far is returned.
func (cg *CompiledGraph) Run(ctx context.Context, input models.State, cfg models.RunConfig, w Writer) (result models.State, runErr error) {
	if w == nil {
		w = func(string) {}
	}

	start := time.Now()
	ctx, span := tracer.StartSpan(ctx, "graph.run", trace.WithAttributes(
		tracer.StringAttr("thread_id", cfg.ThreadID),
	))
	defer func() {
		cg.metrics.RecordGraphRun(ctx, runErr == nil, time.Since(start))
		tracer.End(span, runErr)
	}()

	state, sequence, pending, err := cg.restore(ctx, cfg.ThreadID)
	if err != nil {
		return input, err
	}

	rs := &runState{cfg: cfg, writer: w, sequence: sequence}
	if pending != "" {
		cg.logger.Warn("resuming unfinished run", "thread_id", cfg.ThreadID, "node", pending)
		if state, err = cg.execute(ctx, rs, state, pending); err != nil {
			return state, err
		}
	}

	state = state.Merge(input)
	state.StopReason = input.StopReason

	state, err = cg.execute(ctx, rs, state, cg.entryPoint)
	if err != nil {
		cg.logger.Error("graph run failed", "thread_id", cfg.ThreadID, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return state, err
	}
	cg.logger.Debug("graph run completed", "thread_id", cfg.ThreadID, "iterations", rs.iterations, "duration_ms", time.Since(start).Milliseconds())
	return state, nil
}

// History returns the stored conversation of a thread. A thread without a
// checkpoint has an empty history.
func (cg *CompiledGraph) History(ctx context.Context, threadID string) (models.State, error) {
	state, _, _, err := cg.restore(ctx, threadID)
	return state, err
}

func (cg *CompiledGraph) execute(ctx context.Context, rs *runState, state models.State, current string) (models.State, error) {
	for current != END {
		rs.iterations++
		if rs.iterations > cg.maxIterations {
			return state, &MaxIterationsError{Max: cg.maxIterations, LastNodeID: current}
		}

		if err := ctx.Err(); err != nil {
			return state, &CancellationError{NodeID: current, Cause: err}
		}

		update, err := cg.executeNode(ctx, current, state, rs)
		if err != nil {
			return state, err
		}
		state = state.Merge(update)

		next, err := cg.nextNode(state, current)
		if err != nil {
			return state, err
		}

		if err := cg.save(ctx, rs, current, state, next); err != nil {
			return state, err
		}
		current = next
	}
	return state, nil
}

func (cg *CompiledGraph) executeNode(ctx context.Context, id string, state models.State, rs *runState) (update models.State, err error) {
	ctx, span := tracer.StartSpan(ctx, "graph.node", trace.WithAttributes(
		tracer.StringAttr("node_id", id),
		tracer.IntAttr("iteration", rs.iterations),
	))
	defer func() { tracer.End(span, err) }()

	defer func() {
		if r := recover(); r != nil {
			err = &NodeError{NodeID: id, Err: &PanicError{NodeID: id, Value: r, Stack: string(debug.Stack())}}
		}
	}()

	cg.logger.Debug("node started", "node_id", id, "thread_id", rs.cfg.ThreadID)
	start := time.Now()

	update, err = cg.nodes[id](ctx, state, rs.cfg, rs.writer)
	if err != nil {
		cg.logger.Debug("node failed", "node_id", id, "error", err)
		return models.State{}, &NodeError{NodeID: id, Err: err}
	}
	cg.logger.Debug("node completed", "node_id", id, "duration_ms", time.Since(start).Milliseconds())
	return update, nil
}

func (cg *CompiledGraph) nextNode(state models.State, current string) (string, error) {
	if router, ok := cg.conditionalEdges[current]; ok {
		next := router(state)
		if next == "" {
			return "", &RouterError{FromNode: current, Err: ErrInvalidRouterResult}
		}
		if _, ok := cg.nodes[next]; !ok && next != END {
			return "", &RouterError{FromNode: current, Returned: next, Err: ErrRouterTargetNotFound}
		}
		return next, nil
	}
	return cg.edges[current], nil
}

// restore loads the thread checkpoint. pending is the node an unfinished
// run stopped before, or empty.
func (cg *CompiledGraph) restore(ctx context.Context, threadID string) (state models.State, sequence int, pending string, err error) {
	if cg.store == nil || threadID == "" {
		return models.State{}, 0, "", nil
	}

	data, err := cg.store.Load(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return models.State{}, 0, "", nil
	}
	if err != nil {
		return models.State{}, 0, "", &CheckpointError{Op: "load", Err: err}
	}

	cp, err := checkpoint.Unmarshal(data)
	if err != nil {
		return models.State{}, 0, "", &CheckpointError{Op: "deserialize", Err: err}
	}
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return models.State{}, 0, "", &CheckpointError{NodeID: cp.NodeID, Op: "deserialize", Err: err}
	}

	if cp.NextNode != END && cp.NextNode != "" {
		if _, ok := cg.nodes[cp.NextNode]; ok {
			pending = cp.NextNode
		} else {
			cg.logger.Warn("ignoring checkpoint continuation for unknown node", "thread_id", threadID, "node", cp.NextNode)
		}
	}
	return state, cp.Sequence, pending, nil
}

func (cg *CompiledGraph) save(ctx context.Context, rs *runState, nodeID string, state models.State, next string) error {
	if cg.store == nil || rs.cfg.ThreadID == "" {
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return &CheckpointError{NodeID: nodeID, Op: "serialize", Err: err}
	}

	rs.sequence++
	cp := checkpoint.New(rs.cfg.ThreadID, nodeID, rs.sequence, data, next).WithMetadata(rs.cfg.Metadata)
	payload, err := cp.Marshal()
	if err != nil {
		return &CheckpointError{NodeID: nodeID, Op: "serialize", Err: err}
	}

	// A completed node is persisted even if the caller has gone away.
	if err := cg.store.Save(context.WithoutCancel(ctx), rs.cfg.ThreadID, payload); err != nil {
		return &CheckpointError{NodeID: nodeID, Op: "save", Err: err}
	}
	return nil
}
