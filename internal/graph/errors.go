package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRouterResult indicates a router returned an empty string.
	ErrInvalidRouterResult = errors.New("router returned empty string")

	// ErrRouterTargetNotFound indicates a router returned an unknown node.
	ErrRouterTargetNotFound = errors.New("router returned unknown node")
)

// NodeError wraps a node failure with the node id.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// MaxIterationsError reports a run that did not reach END in time.
type MaxIterationsError struct {
	Max        int
	LastNodeID string
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("exceeded maximum iterations (%d) at node %s", e.Max, e.LastNodeID)
}

// CancellationError reports a run stopped by its context before a node started.
type CancellationError struct {
	NodeID string
	Cause  error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("cancelled before node %s: %v", e.NodeID, e.Cause)
}

func (e *CancellationError) Unwrap() error { return e.Cause }

// RouterError wraps an invalid conditional edge result.
type RouterError struct {
	FromNode string
	Returned string
	Err      error
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("router from %s returned %q: %v", e.FromNode, e.Returned, e.Err)
}

func (e *RouterError) Unwrap() error { return e.Err }

// CheckpointError wraps a failed checkpoint operation.
type CheckpointError struct {
	NodeID string
	// Op is "load", "save", "serialize" or "deserialize".
	Op  string
	Err error
}

func (e *CheckpointError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("checkpoint %s at node %s: %v", e.Op, e.NodeID, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }
