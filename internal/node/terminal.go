package node

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/nervehq/nerve/internal/errtax"
	"github.com/nervehq/nerve/internal/execctx"
)

// ptyCommand builds the exec.Cmd a PTY will drive, running command through
// a shell so it may contain arguments, pipes, or redirections.
func ptyCommand(command string) *exec.Cmd {
	return exec.Command("sh", "-c", command)
}

// Backend is the terminal transport a terminal-backed node drives: a PTY
// running a local process, or a WezTerm pane driven over its CLI. Both
// backends share this same method set.
type Backend interface {
	Start(ctx context.Context, command string) error
	Write(s string) error
	Buffer() string
	ReadTail(n int) string
	ClearBuffer()
	Reset() error
	Stop() error
}

// ptyBackend drives a local command through a real pseudo-terminal.
type ptyBackend struct {
	mu     sync.Mutex
	f      *ptyFile
	buf    bytes.Buffer
	maxLen int
	done   chan struct{}
}

// ptyFile narrows github.com/creack/pty's os.File-returning API to what
// this package exercises, keeping the rest of the node code free of a
// direct os.File dependency.
type ptyFile struct {
	closeFn func() error
	writeFn func([]byte) (int, error)
}

func newPtyBackend(maxLen int) *ptyBackend {
	return &ptyBackend{maxLen: maxLen, done: make(chan struct{})}
}

func (b *ptyBackend) Start(ctx context.Context, command string) error {
	cmd := ptyCommand(command)
	f, err := pty.Start(cmd)
	if err != nil {
		return errtax.New(errtax.ExecutionError, "failed to start pty", err)
	}
	b.mu.Lock()
	b.f = &ptyFile{closeFn: f.Close, writeFn: f.Write}
	b.mu.Unlock()

	go b.pump(f)
	return nil
}

func (b *ptyBackend) pump(f interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			b.mu.Lock()
			b.buf.Write(buf[:n])
			if b.maxLen > 0 && b.buf.Len() > b.maxLen {
				excess := b.buf.Len() - b.maxLen
				b.buf.Next(excess)
			}
			b.mu.Unlock()
		}
		if err != nil {
			close(b.done)
			return
		}
	}
}

func (b *ptyBackend) Write(s string) error {
	b.mu.Lock()
	f := b.f
	b.mu.Unlock()
	if f == nil {
		return fmt.Errorf("pty backend not started")
	}
	_, err := f.writeFn([]byte(s))
	return err
}

func (b *ptyBackend) Buffer() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *ptyBackend) ReadTail(n int) string {
	s := b.Buffer()
	if n <= 0 || n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}

func (b *ptyBackend) ClearBuffer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func (b *ptyBackend) Reset() error {
	b.ClearBuffer()
	return nil
}

func (b *ptyBackend) Stop() error {
	b.mu.Lock()
	f := b.f
	b.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.closeFn()
}

// PTYBackedNode runs a long-lived interactive process behind a real PTY,
// accumulating its output into a bounded ring buffer between executes.
// It implements Persistent: a session must close it explicitly.
type PTYBackedNode struct {
	base
	backend      *ptyBackend
	command      string
	readyTimeout time.Duration
	started      bool
	mu           sync.Mutex
}

// PTYOptions configures a PTYBackedNode.
type PTYOptions struct {
	Command       string
	ReadyTimeout  time.Duration
	BufferMaxSize int
}

// NewPTYBackedNode constructs a PTYBackedNode with the given id and options.
func NewPTYBackedNode(id string, opts PTYOptions) (*PTYBackedNode, error) {
	b, err := newBase(id, "pty_terminal")
	if err != nil {
		return nil, err
	}
	return &PTYBackedNode{
		base:         b,
		backend:      newPtyBackend(opts.BufferMaxSize),
		command:      opts.Command,
		readyTimeout: opts.ReadyTimeout,
	}, nil
}

// IsPersistent reports true: the backing PTY outlives a single Execute call.
func (n *PTYBackedNode) IsPersistent() bool { return true }

func (n *PTYBackedNode) ensureStarted(ctx context.Context) error {
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

// TerminalInput is sent to a terminal-backed node's Execute: text is typed
// in, followed by Enter.
type TerminalInput struct {
	Text string
}

// TerminalOutput carries the buffer tail observed after submission.
type TerminalOutput struct {
	Output string `json:"output"`
}

// Execute ensures the PTY is started, writes in.Text followed by Enter,
// waits briefly for output to settle, and returns the buffer tail.
func (n *PTYBackedNode) Execute(ctx context.Context, ec *execctx.ExecutionContext) (Result, error) {
	if err := n.ensureStarted(ctx); err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, err), nil
	}
	in, ok := ec.Input.(TerminalInput)
	if !ok {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.InvalidRequest, "terminal node requires TerminalInput", nil)), nil
	}

	runCtx := n.armCancel(ctx)
	if err := n.backend.Write(in.Text + "\n"); err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.ExecutionError, "failed to write to terminal", err)), nil
	}

	select {
	case <-time.After(n.readyTimeout):
	case <-runCtx.Done():
	}
	if n.wasInterrupted() {
		return Fail(n.Type(), n.ID(), ec.Input, nodeStoppedErr(n.ID())), nil
	}

	return Ok(n.Type(), n.ID(), ec.Input, TerminalOutput{Output: n.backend.Buffer()}), nil
}

// Stop tears down the underlying PTY process.
func (n *PTYBackedNode) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = false
	return n.backend.Stop()
}

// ToInfo reports this node's introspection metadata.
func (n *PTYBackedNode) ToInfo() Info {
	return n.base.ToInfo(map[string]any{"command": n.command, "persistent": true})
}
