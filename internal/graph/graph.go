// Package graph runs the chat workflow: named nodes connected by plain and
// conditional edges, executed until END with per-node checkpoints.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"graphchat/internal/models"
	"graphchat/internal/tracer"
)

// END is the terminal pseudo-node.
const END = "__end__"

// Writer receives streamed text fragments while a node runs.
type Writer func(chunk string)

// NodeFunc executes one node. It returns a state fragment that the runner
// merges into the conversation; it must not modify the state it receives.
type NodeFunc func(ctx context.Context, state models.State, cfg models.RunConfig, w Writer) (models.State, error)

// RouterFunc picks the next node from the merged state.
type RouterFunc func(state models.State) string

// Graph is a mutable builder. It is not safe for concurrent use; Compile
// produces an immutable CompiledGraph.
type Graph struct {
	nodes            map[string]NodeFunc
	edges            map[string]string
	conditionalEdges map[string]RouterFunc
	entryPoint       string
}

// New creates an empty graph builder.
func New() *Graph {
	return &Graph{
		nodes:            make(map[string]NodeFunc),
		edges:            make(map[string]string),
		conditionalEdges: make(map[string]RouterFunc),
	}
}

// AddNode adds a named node. It panics on an empty, reserved, whitespace
// containing or duplicate id, or a nil fn.
func (g *Graph) AddNode(id string, fn NodeFunc) *Graph {
	if id == "" {
		panic("graph: node ID cannot be empty")
	}
	if lower := strings.ToLower(id); lower == "end" || lower == END {
		panic("graph: node ID cannot be reserved word 'END'")
	}
	if strings.ContainsAny(id, " \t\n\r") {
		panic("graph: node ID cannot contain whitespace")
	}
	if fn == nil {
		panic("graph: node function cannot be nil")
	}
	if _, exists := g.nodes[id]; exists {
		panic(fmt.Sprintf("graph: duplicate node ID: %s", id))
	}

	g.nodes[id] = fn
	return g
}

// AddEdge adds an unconditional edge. Targets are validated by Compile.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

// AddConditionalEdge routes from a node using router. It takes precedence
// over a plain edge from the same node.
func (g *Graph) AddConditionalEdge(from string, router RouterFunc) *Graph {
	if router == nil {
		panic("graph: router function cannot be nil")
	}
	g.conditionalEdges[from] = router
	return g
}

// SetEntry designates the entry node.
func (g *Graph) SetEntry(id string) *Graph {
	g.entryPoint = id
	return g
}

var (
	// ErrNoEntryPoint indicates SetEntry was not called before Compile.
	ErrNoEntryPoint = errors.New("entry point not set")

	// ErrEntryNotFound indicates the entry point references a missing node.
	ErrEntryNotFound = errors.New("entry point node not found")

	// ErrNodeNotFound indicates an edge references a missing node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoOutgoingEdge indicates a node has neither a plain nor a conditional edge.
	ErrNoOutgoingEdge = errors.New("node has no outgoing edge")
)

// Compile validates the graph and returns an executable CompiledGraph.
// All violations are joined into one error.
func (g *Graph) Compile(opts ...Option) (*CompiledGraph, error) {
	var errs []error

	if g.entryPoint == "" {
		errs = append(errs, ErrNoEntryPoint)
	} else if _, ok := g.nodes[g.entryPoint]; !ok {
		errs = append(errs, fmt.Errorf("%w: %s", ErrEntryNotFound, g.entryPoint))
	}

	for _, from := range sortedKeys(g.edges) {
		to := g.edges[from]
		if _, ok := g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("%w: edge source '%s' does not exist", ErrNodeNotFound, from))
		}
		if _, ok := g.nodes[to]; !ok && to != END {
			errs = append(errs, fmt.Errorf("%w: edge target '%s' does not exist", ErrNodeNotFound, to))
		}
	}
	for _, from := range sortedKeys(g.conditionalEdges) {
		if _, ok := g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("%w: conditional edge source '%s' does not exist", ErrNodeNotFound, from))
		}
	}
	for _, id := range sortedKeys(g.nodes) {
		_, plain := g.edges[id]
		_, conditional := g.conditionalEdges[id]
		if !plain && !conditional {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNoOutgoingEdge, id))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	cg := &CompiledGraph{
		nodes:            make(map[string]NodeFunc, len(g.nodes)),
		edges:            make(map[string]string, len(g.edges)),
		conditionalEdges: make(map[string]RouterFunc, len(g.conditionalEdges)),
		entryPoint:       g.entryPoint,
		maxIterations:    defaultMaxIterations,
		logger:           slog.Default(),
		metrics:          tracer.NoopMetrics{},
	}
	for k, v := range g.nodes {
		cg.nodes[k] = v
	}
	for k, v := range g.edges {
		cg.edges[k] = v
	}
	for k, v := range g.conditionalEdges {
		cg.conditionalEdges[k] = v
	}
	for _, opt := range opts {
		opt(cg)
	}
	return cg, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
