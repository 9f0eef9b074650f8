package node

import (
	"context"
	"encoding/json"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nervehq/nerve/internal/errtax"
	"github.com/nervehq/nerve/internal/execctx"
)

// MCPToolNode calls a single named tool on a stdio-backed MCP server.
type MCPToolNode struct {
	base
	client   *mcpclient.Client
	toolName string
}

// MCPOptions configures an MCPToolNode's stdio backend.
type MCPOptions struct {
	Command  string
	Args     []string
	Env      []string
	ToolName string
}

// NewMCPToolNode constructs an MCPToolNode, starting the MCP stdio client
// and initializing the protocol handshake.
func NewMCPToolNode(ctx context.Context, id string, opts MCPOptions) (*MCPToolNode, error) {
	b, err := newBase(id, "mcp_tool")
	if err != nil {
		return nil, err
	}
	c, err := mcpclient.NewStdioMCPClient(opts.Command, opts.Env, opts.Args...)
	if err != nil {
		return nil, errtax.New(errtax.ExecutionError, "failed to start mcp client", err)
	}
	if _, err := c.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		return nil, errtax.New(errtax.ExecutionError, "failed mcp handshake", err)
	}
	return &MCPToolNode{base: b, client: c, toolName: opts.ToolName}, nil
}

// MCPInput is the argument map passed through to the MCP tool call.
type MCPInput struct {
	Arguments map[string]any
}

// Execute invokes the configured tool via the MCP client and returns its
// first text content block as Output.
func (n *MCPToolNode) Execute(ctx context.Context, ec *execctx.ExecutionContext) (Result, error) {
	in, ok := ec.Input.(MCPInput)
	if !ok {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.InvalidRequest, "mcp_tool node requires MCPInput", nil)), nil
	}

	runCtx := n.armCancel(ctx)
	req := mcp.CallToolRequest{}
	req.Params.Name = n.toolName
	req.Params.Arguments = in.Arguments

	res, err := n.client.CallTool(runCtx, req)
	if n.wasInterrupted() {
		return Fail(n.Type(), n.ID(), ec.Input, nodeStoppedErr(n.ID())), nil
	}
	if err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.API, "mcp tool call failed", err)), nil
	}
	if res.IsError {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.ExecutionError, fmt.Sprintf("mcp tool %q returned an error result", n.toolName), nil)), nil
	}

	var out string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			out = tc.Text
			break
		}
	}
	if out == "" {
		if raw, err := json.Marshal(res.Content); err == nil {
			out = string(raw)
		}
	}
	return Ok(n.Type(), n.ID(), ec.Input, out), nil
}

// Stop closes the underlying MCP client connection.
func (n *MCPToolNode) Stop() error {
	return n.client.Close()
}

// ToInfo reports this node's introspection metadata.
func (n *MCPToolNode) ToInfo() Info {
	return n.base.ToInfo(map[string]any{"tool": n.toolName})
}
