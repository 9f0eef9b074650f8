package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nervehq/nerve/internal/errtax"
	"github.com/nervehq/nerve/internal/execctx"
)

// ClaudeTerminalNode wraps a Backend (PTY or WezTerm) running the Claude
// CLI, adding fork/session-id bookkeeping: each instance generates a
// session id and passes it to the CLI, and Fork() spins up a sibling instance
// resumed from that same session id.
type ClaudeTerminalNode struct {
	base
	backend      Backend
	command      string
	sessionID    string
	readyTimeout time.Duration
	newBackend   func() Backend
}

// ClaudeOptions configures a ClaudeTerminalNode.
type ClaudeOptions struct {
	Command      string
	ReadyTimeout time.Duration
	// NewBackend constructs a fresh Backend instance for this node and any
	// forks of it ("pty" vs "wezterm" is decided by the caller).
	NewBackend func() Backend
}

// NewClaudeTerminalNode constructs a ClaudeTerminalNode with a freshly
// generated session id.
func NewClaudeTerminalNode(id string, opts ClaudeOptions) (*ClaudeTerminalNode, error) {
	b, err := newBase(id, "claude_terminal")
	if err != nil {
		return nil, err
	}
	return &ClaudeTerminalNode{
		base:         b,
		backend:      opts.NewBackend(),
		command:      opts.Command,
		sessionID:    uuid.NewString(),
		readyTimeout: opts.ReadyTimeout,
		newBackend:   opts.NewBackend,
	}, nil
}

// SessionID returns the Claude CLI session id this node is tracking.
func (n *ClaudeTerminalNode) SessionID() string { return n.sessionID }

// IsPersistent reports true: the backing terminal outlives a single Execute call.
func (n *ClaudeTerminalNode) IsPersistent() bool { return true }

func (n *ClaudeTerminalNode) ensureStarted(ctx context.Context) error {
	return n.backend.Start(ctx, n.command+fmt.Sprintf(" --session-id %s", n.sessionID))
}

// Execute types in text using Claude's interactive keybindings: enter
// INSERT mode ("i"), type the text, press Escape, then submit with Enter.
func (n *ClaudeTerminalNode) Execute(ctx context.Context, ec *execctx.ExecutionContext) (Result, error) {
	if err := n.ensureStarted(ctx); err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, err), nil
	}
	in, ok := ec.Input.(TerminalInput)
	if !ok {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.InvalidRequest, "claude terminal node requires TerminalInput", nil)), nil
	}

	runCtx := n.armCancel(ctx)

	if err := n.backend.Write("i"); err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.ExecutionError, "failed to enter insert mode", err)), nil
	}
	if err := n.backend.Write(in.Text); err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.ExecutionError, "failed to type input", err)), nil
	}
	if err := n.backend.Write("\x1b"); err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.ExecutionError, "failed to send escape", err)), nil
	}
	if err := n.backend.Write("\r"); err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.ExecutionError, "failed to submit", err)), nil
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

// Fork starts a sibling ClaudeTerminalNode resumed from this node's
// current session id, with a fresh forked session id of its own: the base
// command is recovered by stripping any existing
// --session-id/--resume/--fork-session flags, then reissued with
// --resume <parent session> --fork-session.
func (n *ClaudeTerminalNode) Fork(ctx context.Context, newID string) (*ClaudeTerminalNode, error) {
	base := extractBaseCommand(n.command)
	forked, err := NewClaudeTerminalNode(newID, ClaudeOptions{
		Command:      fmt.Sprintf("%s --resume %s --fork-session", base, n.sessionID),
		ReadyTimeout: n.readyTimeout,
		NewBackend:   n.newBackend,
	})
	if err != nil {
		return nil, err
	}
	if err := forked.ensureStarted(ctx); err != nil {
		return nil, err
	}
	return forked, nil
}

// Stop tears down the backing terminal.
func (n *ClaudeTerminalNode) Stop() error {
	return n.backend.Stop()
}

// ToInfo reports this node's introspection metadata.
func (n *ClaudeTerminalNode) ToInfo() Info {
	return n.base.ToInfo(map[string]any{"session_id": n.sessionID, "persistent": true})
}

// extractBaseCommand tokenizes command with shell-word semantics (quotes
// group a token, "&&" stays its own bare token) and strips any
// --session-id/--resume <value> pair or bare --fork-session flag, so a
// command already carrying session flags can be forked again cleanly.
func extractBaseCommand(command string) string {
	tokens := tokenizeShellWords(command)
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok {
		case "--session-id", "--resume":
			i++ // also skip the value token that follows
			continue
		case "--fork-session":
			continue
		default:
			out = append(out, tok)
		}
	}
	return strings.Join(out, " ")
}

// tokenizeShellWords splits s into words, honoring single and double
// quotes, while keeping an unquoted "&&" as its own token rather than
// merging it into a neighboring word.
func tokenizeShellWords(s string) []string {
	var tokens []string
	var cur strings.Builder
	var quote rune
	hasCur := false

	flush := func() {
		if hasCur {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasCur = false
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
				hasCur = true
			}
		case r == '\'' || r == '"':
			quote = r
			hasCur = true
		case r == ' ' || r == '\t':
			flush()
		case r == '&' && i+1 < len(runes) && runes[i+1] == '&':
			flush()
			tokens = append(tokens, "&&")
			i++
		default:
			cur.WriteRune(r)
			hasCur = true
		}
	}
	flush()
	return tokens
}
