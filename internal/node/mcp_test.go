package node

import (
	"context"
	"testing"
)

func TestNewMCPToolNodeFailsForMissingCommand(t *testing.T) {
	_, err := NewMCPToolNode(context.Background(), "mcp1", MCPOptions{
		Command:  "/no/such/binary-nerve-test",
		ToolName: "search",
	})
	if err == nil {
		t.Fatal("expected constructing an MCPToolNode over a nonexistent binary to fail")
	}
}

func TestNewMCPToolNodeRejectsInvalidID(t *testing.T) {
	_, err := NewMCPToolNode(context.Background(), "Not Valid!", MCPOptions{Command: "/bin/sh"})
	if err == nil {
		t.Fatal("expected an invalid id to be rejected before the client is ever started")
	}
}
