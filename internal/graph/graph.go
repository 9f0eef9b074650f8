// Package graph implements the DAG scheduling engine: steps wrap a node
// with an error policy and a set of dependencies, execution order is
// computed once by topological sort, and Execute runs each step against
// the merged outputs of its dependencies.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nervehq/nerve/internal/errtax"
	"github.com/nervehq/nerve/internal/execctx"
	"github.com/nervehq/nerve/internal/node"
	"github.com/nervehq/nerve/internal/validation"
)

// OnError selects what a step does when its node (after retries) still fails.
type OnError string

const (
	OnErrorFail     OnError = "fail"
	OnErrorSkip     OnError = "skip"
	OnErrorFallback OnError = "fallback"
)

// ErrorPolicy governs how a single step handles a failing node: its
// retry/timeout/fallback behavior.
type ErrorPolicy struct {
	RetryCount     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	TimeoutMs      int
	OnError        OnError
	FallbackNodeID string
}

// DefaultErrorPolicy fails immediately on the first error with no retries.
func DefaultErrorPolicy() ErrorPolicy {
	return ErrorPolicy{OnError: OnErrorFail, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Step is one node's participation in a graph: its id, the ids of the
// steps it depends on (whose outputs it can read via ec.Upstream), and
// its error policy.
type Step struct {
	NodeID      string
	DependsOn   []string
	Policy      ErrorPolicy
}

// StepEvent is emitted during ExecuteStream for observers (the command
// plane's streaming transports, or a CLI progress bar); Execute emits none.
type StepEvent struct {
	NodeID    string
	Kind      string // "started" | "succeeded" | "failed" | "skipped"
	Attempt   int
	Result    *node.Result
	Timestamp time.Time
}

// Graph is a DAG of steps, each wrapping a registered node.
type Graph struct {
	ID    string
	nodes map[string]node.Node
	steps map[string]*Step
	order []string // insertion order, preserved because map iteration isn't stable

	mu        sync.Mutex
	cancelled bool
	running   map[string]node.Node
}

// New constructs an empty Graph with the given id.
func New(id string) (*Graph, error) {
	if err := validation.ValidateID(id, "graph"); err != nil {
		return nil, err
	}
	return &Graph{
		ID:      id,
		nodes:   map[string]node.Node{},
		steps:   map[string]*Step{},
		running: map[string]node.Node{},
	}, nil
}

// AddStep registers n under step.NodeID and records its dependencies and
// error policy. Steps must be added before Validate/Execute.
func (g *Graph) AddStep(n node.Node, step Step) error {
	if step.NodeID == "" {
		step.NodeID = n.ID()
	}
	if step.NodeID != n.ID() {
		return fmt.Errorf("step node id %q does not match node id %q", step.NodeID, n.ID())
	}
	if _, exists := g.steps[step.NodeID]; exists {
		return fmt.Errorf("step %q already added", step.NodeID)
	}
	if step.Policy.OnError == "" {
		step.Policy = DefaultErrorPolicy()
	}
	g.nodes[step.NodeID] = n
	stepCopy := step
	g.steps[step.NodeID] = &stepCopy
	g.order = append(g.order, step.NodeID)
	return nil
}

// Chain is sugar for sequential step-building: Chain(a, b, c) wires b to
// depend on a and c to depend on b.
func (g *Graph) Chain(nodeIDs ...string) error {
	for i := 1; i < len(nodeIDs); i++ {
		step, ok := g.steps[nodeIDs[i]]
		if !ok {
			return fmt.Errorf("chain: step %q not found", nodeIDs[i])
		}
		step.DependsOn = append(step.DependsOn, nodeIDs[i-1])
	}
	return nil
}

// Validate checks every dependency resolves to a known step and that the
// dependency graph is acyclic. Cycles are rejected here, at validation
// time, rather than by any constraint in the type system.
func (g *Graph) Validate() error {
	for id, step := range g.steps {
		for _, dep := range step.DependsOn {
			if _, ok := g.steps[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", id, dep)
			}
		}
	}
	if _, err := g.ExecutionOrder(); err != nil {
		return err
	}
	return nil
}

// ExecutionOrder computes a topological order over the steps using Kahn's
// algorithm, breaking ties by insertion order for a deterministic result.
func (g *Graph) ExecutionOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.steps))
	dependents := make(map[string][]string, len(g.steps))
	for _, id := range g.order {
		step := g.steps[id]
		inDegree[id] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var result []string
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		result = append(result, next)
		for _, dep := range dependents[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(result) != len(g.steps) {
		return nil, fmt.Errorf("graph %q contains a cycle", g.ID)
	}
	return result, nil
}

// Execute runs every step in topological order, feeding each step's
// ExecutionContext the merged outputs of its dependencies via Upstream,
// applying each step's ErrorPolicy on failure, and returns the per-step
// results keyed by node id.
func (g *Graph) Execute(ctx context.Context, ec *execctx.ExecutionContext) (map[string]node.Result, error) {
	order, err := g.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	results := make(map[string]node.Result, len(order))
	for _, id := range order {
		if g.isCancelled() {
			results[id] = node.Fail(g.nodes[id].Type(), id, ec.Input, errtax.New(errtax.NodeStopped, "graph execution was interrupted", nil))
			continue
		}

		step := g.steps[id]
		n := g.nodes[id]

		stepEC := ec
		for _, dep := range step.DependsOn {
			stepEC = stepEC.WithUpstream(dep, results[dep].Output)
		}
		if step.Policy.TimeoutMs > 0 {
			stepEC = stepEC.WithTimeout(time.Duration(step.Policy.TimeoutMs) * time.Millisecond)
		}

		result := g.executeWithPolicy(ctx, n, stepEC, step.Policy)
		results[id] = result

		if !result.Success && step.Policy.OnError == OnErrorFail {
			ec.Trace.Record(execctx.StepTrace{NodeID: id, NodeType: n.Type(), Success: false, ErrorType: result.ErrorType})
			return results, errtax.New(errtax.Type(result.ErrorType), fmt.Sprintf("step %q failed: %s", id, result.Error), nil)
		}
		ec.Trace.Record(execctx.StepTrace{NodeID: id, NodeType: n.Type(), Success: result.Success, ErrorType: result.ErrorType})
	}
	return results, nil
}

// executeWithPolicy runs n, retrying up to Policy.RetryCount times with
// exponential backoff, then applying on_error (fail/skip/fallback).
func (g *Graph) executeWithPolicy(ctx context.Context, n node.Node, ec *execctx.ExecutionContext, policy ErrorPolicy) node.Result {
	g.mu.Lock()
	g.running[n.ID()] = n
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.running, n.ID())
		g.mu.Unlock()
	}()

	var result node.Result
	var lastErr error
	maxAttempts := policy.RetryCount + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		runCtx := ctx
		var cancel context.CancelFunc
		if ec.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, ec.Timeout)
		}
		res, err := n.Execute(runCtx, ec)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			lastErr = err
			continue
		}
		result = res
		if result.Success {
			return result
		}
		if !errtax.Type(result.ErrorType).Retryable() || attempt == maxAttempts-1 {
			break
		}
		delay := backoffDelay(policy, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return node.Fail(n.Type(), n.ID(), ec.Input, ctx.Err())
		case <-timer.C:
		}
	}

	if lastErr != nil {
		result = node.Fail(n.Type(), n.ID(), ec.Input, lastErr)
	}

	switch policy.OnError {
	case OnErrorSkip:
		skipped := result
		skipped.Success = true
		skipped.Attributes = map[string]any{"skipped": true}
		return skipped
	case OnErrorFallback:
		if fb, ok := g.nodes[policy.FallbackNodeID]; ok {
			fbRes, err := fb.Execute(ctx, ec)
			if err == nil {
				return fbRes
			}
		}
		return result
	default:
		return result
	}
}

func backoffDelay(policy ErrorPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base << attempt
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// ExecuteStream runs the graph like Execute but emits a StepEvent as each
// step starts and finishes on the returned channel, closing it once the
// run completes. Every step emits one "succeeded" or "failed" event after
// its "started" event; nodes implementing node.Streamer are also run
// through Execute, so no incremental chunk events are emitted.
func (g *Graph) ExecuteStream(ctx context.Context, ec *execctx.ExecutionContext) (<-chan StepEvent, error) {
	order, err := g.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	events := make(chan StepEvent, len(order)*2)
	go func() {
		defer close(events)
		results := make(map[string]node.Result, len(order))
		for _, id := range order {
			if g.isCancelled() {
				events <- StepEvent{NodeID: id, Kind: "skipped", Timestamp: time.Now()}
				continue
			}
			step := g.steps[id]
			n := g.nodes[id]
			events <- StepEvent{NodeID: id, Kind: "started", Timestamp: time.Now()}

			stepEC := ec
			for _, dep := range step.DependsOn {
				stepEC = stepEC.WithUpstream(dep, results[dep].Output)
			}
			if step.Policy.TimeoutMs > 0 {
				stepEC = stepEC.WithTimeout(time.Duration(step.Policy.TimeoutMs) * time.Millisecond)
			}

			result := g.executeWithPolicy(ctx, n, stepEC, step.Policy)
			results[id] = result
			resCopy := result
			kind := "succeeded"
			if !result.Success {
				kind = "failed"
			}
			events <- StepEvent{NodeID: id, Kind: kind, Result: &resCopy, Timestamp: time.Now()}

			if !result.Success && step.Policy.OnError == OnErrorFail {
				return
			}
		}
	}()
	return events, nil
}

// Interrupt marks the graph cancelled and interrupts every currently
// running step's node.
func (g *Graph) Interrupt() error {
	g.mu.Lock()
	g.cancelled = true
	running := make([]node.Node, 0, len(g.running))
	for _, n := range g.running {
		running = append(running, n)
	}
	g.mu.Unlock()

	var firstErr error
	for _, n := range running {
		if err := n.Interrupt(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *Graph) isCancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}

// CollectPersistentNodes returns every node in the graph reporting itself
// as Persistent, the set a session needs to keep alive across multiple
// Execute calls instead of stopping at graph teardown.
func (g *Graph) CollectPersistentNodes() []node.Node {
	var out []node.Node
	for _, n := range g.nodes {
		if p, ok := n.(node.Persistent); ok && p.IsPersistent() {
			out = append(out, n)
		}
	}
	return out
}

// Info describes a graph for introspection, mirroring to_info().
type Info struct {
	ID    string   `json:"id"`
	Steps []string `json:"steps"`
}

// ToInfo reports this graph's introspection metadata.
func (g *Graph) ToInfo() Info {
	return Info{ID: g.ID, Steps: append([]string(nil), g.order...)}
}
