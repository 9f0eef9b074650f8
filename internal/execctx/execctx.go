// Package execctx carries the immutable, request-scoped bundle every node,
// graph step, and workflow call executes against: the parsed input, a
// shared cancellation token, budget counters, and a trace accumulator.
package execctx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Budget tracks consumption against optional per-run ceilings. A zero limit
// means "unbounded" for that dimension.
type Budget struct {
	MaxTokens  int64
	MaxCalls   int64
	MaxSeconds int64

	tokensUsed int64
	callsUsed  int64
	startedAt  time.Time
}

// NewBudget returns a Budget with its clock started now.
func NewBudget(maxTokens, maxCalls int64, maxSeconds int64) *Budget {
	return &Budget{MaxTokens: maxTokens, MaxCalls: maxCalls, MaxSeconds: maxSeconds, startedAt: time.Now()}
}

// AddTokens records token consumption and reports whether the budget is
// now exceeded.
func (b *Budget) AddTokens(n int64) bool {
	if b == nil {
		return false
	}
	atomic.AddInt64(&b.tokensUsed, n)
	return b.Exceeded()
}

// AddCall records one more unit of work (a node execution, a tool call).
func (b *Budget) AddCall() bool {
	if b == nil {
		return false
	}
	atomic.AddInt64(&b.callsUsed, 1)
	return b.Exceeded()
}

// Exceeded reports whether any configured dimension has been surpassed.
func (b *Budget) Exceeded() bool {
	if b == nil {
		return false
	}
	if b.MaxTokens > 0 && atomic.LoadInt64(&b.tokensUsed) > b.MaxTokens {
		return true
	}
	if b.MaxCalls > 0 && atomic.LoadInt64(&b.callsUsed) > b.MaxCalls {
		return true
	}
	if b.MaxSeconds > 0 && time.Since(b.startedAt) > time.Duration(b.MaxSeconds)*time.Second {
		return true
	}
	return false
}

// Snapshot returns the current usage counters for diagnostics.
func (b *Budget) Snapshot() (tokens, calls int64, elapsed time.Duration) {
	if b == nil {
		return 0, 0, 0
	}
	return atomic.LoadInt64(&b.tokensUsed), atomic.LoadInt64(&b.callsUsed), time.Since(b.startedAt)
}

// CancelToken is a shared, propagating cancellation flag. Interrupting any
// ExecutionContext derived from the same token interrupts every sibling
// sharing it, the way a graph's interrupt() reaches every running node.
type CancelToken struct {
	mu       sync.Mutex
	done     chan struct{}
	closed   bool
	reason   string
}

// NewCancelToken returns a fresh, un-cancelled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel marks the token cancelled with reason, idempotently.
func (c *CancelToken) Cancel(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	close(c.done)
}

// Done returns a channel closed once Cancel has been called.
func (c *CancelToken) Done() <-chan struct{} { return c.done }

// Cancelled reports whether Cancel has already been called.
func (c *CancelToken) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason passed to Cancel, or "" if not yet cancelled.
func (c *CancelToken) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// StepTrace records one executed unit of work for later inspection via
// to_info()-style introspection or history logging.
type StepTrace struct {
	NodeID    string
	NodeType  string
	StartedAt time.Time
	EndedAt   time.Time
	Success   bool
	ErrorType string
	Attempt   int
}

// Tracer accumulates StepTrace entries for a single run.
type Tracer struct {
	mu      sync.Mutex
	entries []StepTrace
}

// NewTracer returns an empty Tracer.
func NewTracer() *Tracer { return &Tracer{} }

// Record appends a completed trace entry.
func (t *Tracer) Record(entry StepTrace) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
}

// Entries returns a snapshot of everything recorded so far.
func (t *Tracer) Entries() []StepTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StepTrace, len(t.entries))
	copy(out, t.entries)
	return out
}

// ExecutionContext is the immutable, request-scoped bundle passed to every
// node's execute method. New contexts are derived with With* helpers that
// share the underlying cancellation token, budget, and tracer.
type ExecutionContext struct {
	ctx       context.Context
	RunID     string
	ExecID    string
	SessionID string
	Input     any
	Upstream  map[string]any
	Timeout   time.Duration
	Cancel    *CancelToken
	Budget    *Budget
	Trace     *Tracer
}

// New constructs a root ExecutionContext for a fresh run.
func New(ctx context.Context, sessionID string, input any, timeout time.Duration) *ExecutionContext {
	return &ExecutionContext{
		ctx:       ctx,
		RunID:     uuid.NewString(),
		ExecID:    uuid.NewString(),
		SessionID: sessionID,
		Input:     input,
		Upstream:  map[string]any{},
		Timeout:   timeout,
		Cancel:    NewCancelToken(),
		Budget:    NewBudget(0, 0, 0),
		Trace:     NewTracer(),
	}
}

// Context returns a context.Context that is cancelled when either the
// parent Go context is done or this ExecutionContext's Cancel token fires.
func (e *ExecutionContext) Context() context.Context {
	if e.Cancel == nil {
		return e.ctx
	}
	ctx, cancel := context.WithCancel(e.ctx)
	go func() {
		select {
		case <-e.Cancel.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

// WithInput derives a new ExecutionContext for a nested call (e.g. a
// chained node) carrying a different Input but sharing cancellation,
// budget, and trace with the parent.
func (e *ExecutionContext) WithInput(input any) *ExecutionContext {
	clone := *e
	clone.ExecID = uuid.NewString()
	clone.Input = input
	return &clone
}

// WithUpstream derives a new ExecutionContext with an additional entry
// merged into Upstream, used when a graph step needs its predecessors'
// outputs available by node id.
func (e *ExecutionContext) WithUpstream(nodeID string, output any) *ExecutionContext {
	clone := *e
	clone.ExecID = uuid.NewString()
	merged := make(map[string]any, len(e.Upstream)+1)
	for k, v := range e.Upstream {
		merged[k] = v
	}
	merged[nodeID] = output
	clone.Upstream = merged
	return &clone
}

// WithTimeout derives a new ExecutionContext with a different per-step
// timeout, leaving everything else shared.
func (e *ExecutionContext) WithTimeout(d time.Duration) *ExecutionContext {
	clone := *e
	clone.ExecID = uuid.NewString()
	clone.Timeout = d
	return &clone
}

// String renders a compact diagnostic identifier, handy in log lines.
func (e *ExecutionContext) String() string {
	return fmt.Sprintf("run=%s exec=%s session=%s", e.RunID, e.ExecID, e.SessionID)
}
