package node

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nervehq/nerve/internal/errtax"
	"github.com/nervehq/nerve/internal/execctx"
)

// wezBackend drives a WezTerm pane through the `wezterm cli` subcommand
// rather than linking against a WezTerm library (none exists for Go).
type wezBackend struct {
	mu     sync.Mutex
	paneID string
	buf    bytes.Buffer
}

func newWezBackend() *wezBackend { return &wezBackend{} }

func (b *wezBackend) Start(ctx context.Context, command string) error {
	out, err := exec.CommandContext(ctx, "wezterm", "cli", "spawn", "--", "sh", "-c", command).Output()
	if err != nil {
		return errtax.New(errtax.ExecutionError, "failed to spawn wezterm pane", err)
	}
	b.mu.Lock()
	b.paneID = strings.TrimSpace(string(out))
	b.mu.Unlock()
	return nil
}

func (b *wezBackend) Write(s string) error {
	b.mu.Lock()
	pane := b.paneID
	b.mu.Unlock()
	if pane == "" {
		return fmt.Errorf("wezterm backend not started")
	}
	cmd := exec.Command("wezterm", "cli", "send-text", "--no-paste", "--pane-id", pane)
	cmd.Stdin = strings.NewReader(s)
	return cmd.Run()
}

func (b *wezBackend) refresh() {
	b.mu.Lock()
	pane := b.paneID
	b.mu.Unlock()
	if pane == "" {
		return
	}
	out, err := exec.Command("wezterm", "cli", "get-text", "--pane-id", pane).Output()
	if err != nil {
		return
	}
	b.mu.Lock()
	b.buf.Reset()
	b.buf.Write(out)
	b.mu.Unlock()
}

func (b *wezBackend) Buffer() string {
	b.refresh()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *wezBackend) ReadTail(n int) string {
	s := b.Buffer()
	if n <= 0 || n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}

func (b *wezBackend) ClearBuffer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func (b *wezBackend) Reset() error {
	b.ClearBuffer()
	return nil
}

func (b *wezBackend) Stop() error {
	b.mu.Lock()
	pane := b.paneID
	b.paneID = ""
	b.mu.Unlock()
	if pane == "" {
		return nil
	}
	paneNum, err := strconv.Atoi(pane)
	if err != nil {
		return nil
	}
	return exec.Command("wezterm", "cli", "kill-pane", "--pane-id", strconv.Itoa(paneNum)).Run()
}

// WezTermBackedNode runs a long-lived process in a WezTerm pane, the
// alternate terminal backend to PTYBackedNode for environments that use
// WezTerm's multiplexer instead of a bare PTY.
type WezTermBackedNode struct {
	base
	backend      *wezBackend
	command      string
	readyTimeout time.Duration

	mu      sync.Mutex
	started bool
}

// WezTermOptions configures a WezTermBackedNode.
type WezTermOptions struct {
	Command      string
	ReadyTimeout time.Duration
}

// NewWezTermBackedNode constructs a WezTermBackedNode with the given id.
func NewWezTermBackedNode(id string, opts WezTermOptions) (*WezTermBackedNode, error) {
	b, err := newBase(id, "wezterm_terminal")
	if err != nil {
		return nil, err
	}
	return &WezTermBackedNode{base: b, backend: newWezBackend(), command: opts.Command, readyTimeout: opts.ReadyTimeout}, nil
}

// IsPersistent reports true: the backing pane outlives a single Execute call.
func (n *WezTermBackedNode) IsPersistent() bool { return true }

func (n *WezTermBackedNode) ensureStarted(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}
	if err := n.backend.Start(ctx, n.command); err != nil {
		return err
	}
	n.started = true
	return nil
}

// Execute ensures the pane is started, writes in.Text followed by Enter,
// waits for output to settle, and returns the pane's buffer tail.
func (n *WezTermBackedNode) Execute(ctx context.Context, ec *execctx.ExecutionContext) (Result, error) {
	if err := n.ensureStarted(ctx); err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, err), nil
	}
	in, ok := ec.Input.(TerminalInput)
	if !ok {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.InvalidRequest, "terminal node requires TerminalInput", nil)), nil
	}

	runCtx := n.armCancel(ctx)
	if err := n.backend.Write(in.Text + "\r"); err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.ExecutionError, "failed to write to wezterm pane", err)), nil
	}

	select {
	case <-time.After(n.readyTimeout):
	case <-runCtx.Done():
	}
	if n.wasInterrupted() {
		return Fail(n.Type(), n.ID(), ec.Input, nodeStoppedErr(n.ID())), nil
	}

	return Ok(n.Type(), n.ID(), ec.Input, TerminalOutput{Output: n.backend.ReadTail(8192)}), nil
}

// Stop kills the WezTerm pane.
func (n *WezTermBackedNode) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = false
	return n.backend.Stop()
}

// ToInfo reports this node's introspection metadata.
func (n *WezTermBackedNode) ToInfo() Info {
	return n.base.ToInfo(map[string]any{"command": n.command, "persistent": true})
}
