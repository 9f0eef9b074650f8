// Package node implements the Node protocol and its concrete variants:
// FunctionNode, BashNode, IdentityNode, the stateless and stateful LLM
// nodes, and the terminal-backed nodes (PTY, WezTerm, and the Claude CLI
// wrapper with session forking).
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/nervehq/nerve/internal/errtax"
	"github.com/nervehq/nerve/internal/execctx"
	"github.com/nervehq/nerve/internal/validation"
)

// Result is the standardized shape every node's Execute returns.
type Result struct {
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	ErrorType  string         `json:"error_type,omitempty"`
	NodeType   string         `json:"node_type"`
	NodeID     string         `json:"node_id"`
	Input      any            `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Ok builds a successful Result.
func Ok(nodeType, nodeID string, input, output any) Result {
	return Result{Success: true, NodeType: nodeType, NodeID: nodeID, Input: input, Output: output}
}

// Fail builds a failed Result from a classified error.
func Fail(nodeType, nodeID string, input any, err error) Result {
	errType := errtax.Classify(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result{
		Success:   false,
		Error:     msg,
		ErrorType: string(errType),
		NodeType:  nodeType,
		NodeID:    nodeID,
		Input:     input,
	}
}

// WithAttributes returns a copy of r with Attributes set.
func (r Result) WithAttributes(attrs map[string]any) Result {
	r.Attributes = attrs
	return r
}

// Info is the introspection shape returned by to_info(), used by the
// command plane to describe a live node without exposing its internals.
type Info struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Persistent bool           `json:"persistent"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Node is the protocol every node variant implements: execute runs the
// node to completion (or failure) against an ExecutionContext, interrupt
// requests best-effort early termination of an in-flight execute, stop
// releases any held resources (a PTY, a subprocess, an HTTP client pool),
// and to_info reports introspection metadata.
type Node interface {
	ID() string
	Type() string
	Execute(ctx context.Context, ec *execctx.ExecutionContext) (Result, error)
	Interrupt() error
	Stop() error
	ToInfo() Info
}

// StreamEvent is one increment of a Streamer's output. No node in this
// package implements Streamer, and Graph.ExecuteStream does not call
// ExecuteStream on its nodes.
type StreamEvent struct {
	NodeID string
	Kind   string // "step_progress" | "step_complete"
	Chunk  string
	Final  *Result
}

// Streamer is implemented by nodes capable of incremental output.
type Streamer interface {
	ExecuteStream(ctx context.Context, ec *execctx.ExecutionContext) (<-chan StreamEvent, error)
}

// Persistent is implemented by nodes that hold a long-lived backing
// resource across multiple executes (terminal-backed nodes, in particular),
// letting the graph engine's CollectPersistentNodes find them.
type Persistent interface {
	IsPersistent() bool
}

// base centralizes the id/type bookkeeping and interrupt plumbing shared
// by every concrete node.
type base struct {
	id       string
	typ      string
	mu       sync.Mutex
	canceled bool
	cancelFn context.CancelFunc
}

func newBase(id, typ string) (base, error) {
	if err := validation.ValidateID(id, "node"); err != nil {
		return base{}, err
	}
	return base{id: id, typ: typ}, nil
}

func (b *base) ID() string   { return b.id }
func (b *base) Type() string { return b.typ }

func (b *base) armCancel(ctx context.Context) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	b.cancelFn = cancel
	b.canceled = false
	return ctx
}

func (b *base) Interrupt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = true
	if b.cancelFn != nil {
		b.cancelFn()
	}
	return nil
}

func (b *base) wasInterrupted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canceled
}

func (b *base) ToInfo(attrs map[string]any) Info {
	return Info{ID: b.id, Type: b.typ, Attributes: attrs}
}

// nodeStoppedErr builds the standardized node_stopped error for an
// interrupted execution.
func nodeStoppedErr(id string) error {
	return errtax.New(errtax.NodeStopped, fmt.Sprintf("node %q was stopped before completing", id), nil)
}
