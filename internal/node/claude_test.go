package node

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nervehq/nerve/internal/execctx"
)

// fakeBackend is a Backend double that records every Write and serves a
// fixed buffer, avoiding any dependency on a real PTY or wezterm binary.
type fakeBackend struct {
	mu        sync.Mutex
	started   bool
	startCmd  string
	writes    []string
	buffer    string
	stopped   bool
	startErr  error
	writeErr  error
}

func (f *fakeBackend) Start(ctx context.Context, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	f.startCmd = command
	return nil
}

func (f *fakeBackend) Write(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, s)
	return nil
}

func (f *fakeBackend) Buffer() string { return f.buffer }

func (f *fakeBackend) ReadTail(n int) string {
	if n <= 0 || n >= len(f.buffer) {
		return f.buffer
	}
	return f.buffer[len(f.buffer)-n:]
}

func (f *fakeBackend) ClearBuffer() { f.buffer = "" }

func (f *fakeBackend) Reset() error { f.ClearBuffer(); return nil }

func (f *fakeBackend) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func TestClaudeTerminalNodeExecuteSendsInsertEscapeEnterSequence(t *testing.T) {
	backend := &fakeBackend{buffer: "ack"}
	n, err := NewClaudeTerminalNode("claude1", ClaudeOptions{
		Command:      "claude",
		ReadyTimeout: 10 * time.Millisecond,
		NewBackend:   func() Backend { return backend },
	})
	if err != nil {
		t.Fatalf("NewClaudeTerminalNode: %v", err)
	}
	defer n.Stop()

	if !n.IsPersistent() {
		t.Fatal("expected ClaudeTerminalNode to report itself persistent")
	}

	ec := execctx.New(context.Background(), "s1", TerminalInput{Text: "hello"}, time.Minute)
	result, err := n.Execute(ec.Context(), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if !backend.started {
		t.Fatal("expected Execute to start the backend")
	}
	if !strings.Contains(backend.startCmd, n.SessionID()) {
		t.Fatalf("start command %q does not include the session id", backend.startCmd)
	}
	want := []string{"i", "hello", "\x1b", "\r"}
	if len(backend.writes) != len(want) {
		t.Fatalf("writes = %v, want %v", backend.writes, want)
	}
	for i := range want {
		if backend.writes[i] != want[i] {
			t.Fatalf("writes[%d] = %q, want %q", i, backend.writes[i], want[i])
		}
	}
}

func TestClaudeTerminalNodeForkResumesParentSession(t *testing.T) {
	n, err := NewClaudeTerminalNode("claude1", ClaudeOptions{
		Command:      "claude --session-id old-id",
		ReadyTimeout: 10 * time.Millisecond,
		NewBackend:   func() Backend { return &fakeBackend{} },
	})
	if err != nil {
		t.Fatalf("NewClaudeTerminalNode: %v", err)
	}
	defer n.Stop()

	forked, err := n.Fork(context.Background(), "claude2")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer forked.Stop()

	backend := forked.backend.(*fakeBackend)
	if !strings.Contains(backend.startCmd, "--resume "+n.SessionID()) {
		t.Fatalf("forked start command %q does not resume the parent session", backend.startCmd)
	}
	if !strings.Contains(backend.startCmd, "--fork-session") {
		t.Fatalf("forked start command %q missing --fork-session", backend.startCmd)
	}
	if strings.Contains(backend.startCmd, "old-id") {
		t.Fatalf("forked start command %q should not carry the old session-id flag", backend.startCmd)
	}
	if forked.SessionID() == n.SessionID() {
		t.Fatal("expected the forked node to have a fresh session id")
	}
}

func TestExtractBaseCommandStripsSessionFlags(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"claude --session-id abc", "claude"},
		{"claude --resume abc --fork-session", "claude"},
		{`claude --session-id "abc def" --verbose`, "claude --verbose"},
		{"claude && echo done", "claude && echo done"},
		{"claude --verbose", "claude --verbose"},
	}
	for _, c := range cases {
		if got := extractBaseCommand(c.in); got != c.want {
			t.Errorf("extractBaseCommand(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTokenizeShellWordsHonorsQuotesAndAndAnd(t *testing.T) {
	got := tokenizeShellWords(`claude --flag "quoted value" && echo done`)
	want := []string{"claude", "--flag", "quoted value", "&&", "echo", "done"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokens[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
