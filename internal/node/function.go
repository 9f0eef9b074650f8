package node

import (
	"context"

	"github.com/nervehq/nerve/internal/execctx"
)

// Func is the signature a FunctionNode wraps: a plain Go function taking
// the resolved input and returning an output or an error.
type Func func(ctx context.Context, input any) (any, error)

// FunctionNode adapts an in-process Go function to the Node protocol,
// the lightest-weight variant, used for pure data transforms inside a graph.
type FunctionNode struct {
	base
	fn Func
}

// NewFunctionNode constructs a FunctionNode with the given id wrapping fn.
func NewFunctionNode(id string, fn Func) (*FunctionNode, error) {
	b, err := newBase(id, "function")
	if err != nil {
		return nil, err
	}
	return &FunctionNode{base: b, fn: fn}, nil
}

// Execute runs fn against ec.Input, translating a panic-free error return
// into the standardized Result shape.
func (n *FunctionNode) Execute(ctx context.Context, ec *execctx.ExecutionContext) (Result, error) {
	runCtx := n.armCancel(ctx)
	out, err := n.fn(runCtx, ec.Input)
	if n.wasInterrupted() {
		return Fail(n.Type(), n.ID(), ec.Input, nodeStoppedErr(n.ID())), nil
	}
	if err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, err), nil
	}
	return Ok(n.Type(), n.ID(), ec.Input, out), nil
}

// Stop is a no-op: a FunctionNode holds no external resource.
func (n *FunctionNode) Stop() error { return nil }

// ToInfo reports this node's introspection metadata.
func (n *FunctionNode) ToInfo() Info { return n.base.ToInfo(nil) }
