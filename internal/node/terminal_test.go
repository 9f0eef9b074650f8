package node

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nervehq/nerve/internal/execctx"
)

func TestPTYBackedNodeExecuteWritesAndReadsBuffer(t *testing.T) {
	n, err := NewPTYBackedNode("term1", PTYOptions{
		Command:       "cat",
		ReadyTimeout:  200 * time.Millisecond,
		BufferMaxSize: 1 << 16,
	})
	if err != nil {
		t.Fatalf("NewPTYBackedNode: %v", err)
	}
	defer n.Stop()

	if !n.IsPersistent() {
		t.Fatal("expected PTYBackedNode to report itself persistent")
	}

	ec := execctx.New(context.Background(), "s1", TerminalInput{Text: "hello-pty"}, time.Minute)
	result, err := n.Execute(ec.Context(), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	out := result.Output.(TerminalOutput)
	if !strings.Contains(out.Output, "hello-pty") {
		t.Fatalf("buffer tail %q does not contain the echoed input", out.Output)
	}
}

func TestPTYBackedNodeRejectsWrongInputType(t *testing.T) {
	n, err := NewPTYBackedNode("term1", PTYOptions{Command: "cat", ReadyTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewPTYBackedNode: %v", err)
	}
	defer n.Stop()

	ec := execctx.New(context.Background(), "s1", "not terminal input", time.Minute)
	result, err := n.Execute(ec.Context(), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for the wrong input type")
	}
	if result.ErrorType != "invalid_request_error" {
		t.Fatalf("ErrorType = %q, want invalid_request_error", result.ErrorType)
	}
}

func TestPTYBackedNodeToInfo(t *testing.T) {
	n, err := NewPTYBackedNode("term1", PTYOptions{Command: "cat"})
	if err != nil {
		t.Fatalf("NewPTYBackedNode: %v", err)
	}
	defer n.Stop()

	info := n.ToInfo()
	if info.ID != "term1" || info.Type != "pty_terminal" {
		t.Fatalf("unexpected Info: %+v", info)
	}
	if info.Attributes["command"] != "cat" {
		t.Fatalf("Attributes[command] = %v, want cat", info.Attributes["command"])
	}
}

func TestPTYBackendReadTailAndClearBuffer(t *testing.T) {
	b := newPtyBackend(5)
	b.buf.WriteString("abcdefgh")
	if b.buf.Len() != 8 {
		t.Fatalf("precondition: buf.Len() = %d, want 8", b.buf.Len())
	}
	// pump() trims only as it writes; exercise ReadTail/ClearBuffer directly.
	tail := b.ReadTail(3)
	if tail != "fgh" {
		t.Fatalf("ReadTail(3) = %q, want fgh", tail)
	}
	b.ClearBuffer()
	if b.Buffer() != "" {
		t.Fatal("expected ClearBuffer to empty the buffer")
	}
}
