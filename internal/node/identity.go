package node

import (
	"context"

	"github.com/nervehq/nerve/internal/execctx"
)

// IdentityNode returns its input unchanged, used as a no-op placeholder or
// a graph fan-in/fan-out join point.
type IdentityNode struct {
	base
}

// NewIdentityNode constructs an IdentityNode with the given id.
func NewIdentityNode(id string) (*IdentityNode, error) {
	b, err := newBase(id, "identity")
	if err != nil {
		return nil, err
	}
	return &IdentityNode{base: b}, nil
}

// Execute always succeeds, echoing ec.Input back as Output.
func (n *IdentityNode) Execute(ctx context.Context, ec *execctx.ExecutionContext) (Result, error) {
	return Ok(n.Type(), n.ID(), ec.Input, ec.Input), nil
}

// Stop is a no-op.
func (n *IdentityNode) Stop() error { return nil }

// ToInfo reports this node's introspection metadata.
func (n *IdentityNode) ToInfo() Info { return n.base.ToInfo(nil) }
