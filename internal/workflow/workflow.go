// Package workflow implements imperative, gate-capable orchestration on
// top of graphs and nodes: a Workflow is a Go function that can invoke
// nodes, graphs, and sub-workflows, suspend on a Gate waiting for
// external input, and resume once that input arrives.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nervehq/nerve/internal/errtax"
	"github.com/nervehq/nerve/internal/execctx"
	"github.com/nervehq/nerve/internal/graph"
	"github.com/nervehq/nerve/internal/node"
	"github.com/nervehq/nerve/internal/session"
	"github.com/nervehq/nerve/internal/validation"
)

// State is a WorkflowRun's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateWaiting   State = "waiting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Event is one entry in a WorkflowRun's event log. Kind is one of the
// standard types (workflow_started, workflow_completed, workflow_failed,
// gate_waiting, gate_answered, node_started, node_completed, node_error,
// graph_started, graph_completed, graph_error, nested_workflow_started,
// nested_workflow_completed, nested_workflow_error) or a caller-defined
// type appended via Run.Emit. GateID is set only on gate_waiting/
// gate_answered events.
type Event struct {
	Kind      string
	GateID    string
	Detail    string
	Data      any
	Timestamp time.Time
}

// Gate is a single suspend point: a workflow calls Wait to block until
// Answer delivers a value, or the run is cancelled. If Choices is
// non-empty, AnswerGate rejects any value outside that set.
type Gate struct {
	ID      string
	Prompt  string
	Choices []string
	answers chan any
	once    sync.Once
}

func newGate(prompt string, choices []string) *Gate {
	return &Gate{ID: uuid.NewString(), Prompt: prompt, Choices: choices, answers: make(chan any, 1)}
}

// Answer delivers a value to a waiting gate exactly once; subsequent
// calls are no-ops, matching a one-shot answer channel.
func (g *Gate) Answer(value any) {
	g.once.Do(func() {
		g.answers <- value
	})
}

// Wait blocks until Answer is called or ctx is done. An error delivered
// through Answer (as Run.Cancel delivers) is returned as Wait's error.
func (g *Gate) Wait(ctx context.Context) (any, error) {
	select {
	case v := <-g.answers:
		if err, ok := v.(error); ok {
			return nil, err
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// accepts reports whether value is a legal answer for this gate: any
// value when no choice set is declared, otherwise a string present in
// Choices.
func (g *Gate) accepts(value any) bool {
	if len(g.Choices) == 0 {
		return true
	}
	s, ok := value.(string)
	if !ok {
		return false
	}
	for _, c := range g.Choices {
		if c == s {
			return true
		}
	}
	return false
}

// Func is the body of a Workflow: an imperative function with access to
// its Run for gating and nested invocation.
type Func func(ctx context.Context, run *Run) (any, error)

// Workflow is a named, reusable workflow definition.
type Workflow struct {
	ID string
	Fn Func
}

// New constructs a Workflow with the given id.
func New(id string, fn Func) (*Workflow, error) {
	if err := validation.ValidateID(id, "workflow"); err != nil {
		return nil, err
	}
	return &Workflow{ID: id, Fn: fn}, nil
}

// GraphResolver resolves a registered graph within a session, backing a
// workflow's run_graph(graph_id, input) capability.
type GraphResolver interface {
	Graph(sessionID, graphID string) (*graph.Graph, bool)
}

// WorkflowResolver resolves a registered workflow definition by id,
// backing a workflow's run_workflow(workflow_id, input, params)
// capability.
type WorkflowResolver interface {
	Workflow(id string) (*Workflow, bool)
}

// Run is a single execution of a Workflow: its state machine, event log,
// and the set of gates it has opened.
type Run struct {
	ID         string
	WorkflowID string
	ec         *execctx.ExecutionContext
	params     map[string]any
	engine     *Engine

	mu     sync.Mutex
	state  State
	events []Event
	gates  map[string]*Gate
	output any
	err    error
	done   chan struct{}
}

func newRun(workflowID string, ec *execctx.ExecutionContext, params map[string]any, engine *Engine) *Run {
	return &Run{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		ec:         ec,
		params:     params,
		engine:     engine,
		state:      StatePending,
		gates:      map[string]*Gate{},
		done:       make(chan struct{}),
	}
}

func (r *Run) record(kind, detail string) {
	r.recordEvent(kind, detail, nil)
}

func (r *Run) recordEvent(kind, detail string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: kind, Detail: detail, Data: data, Timestamp: time.Now()})
}

func (r *Run) recordGateEvent(kind string, g *Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: kind, GateID: g.ID, Detail: g.Prompt, Timestamp: time.Now()})
}

// State returns the run's current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Events returns a snapshot of the run's event log.
func (r *Run) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ExecutionContext exposes the run's underlying ExecutionContext so a
// workflow body can pass it to graphs/nodes it invokes.
func (r *Run) ExecutionContext() *execctx.ExecutionContext { return r.ec }

// Params returns the parameters this run was started with: empty for a
// top-level run, whatever the parent passed for a nested run_workflow.
func (r *Run) Params() map[string]any { return r.params }

// OpenGate creates a new Gate, marks the run StateWaiting while it's
// outstanding, and returns it so the workflow body can Wait on it.
// choices, if given, is the closed set of values AnswerGate will accept.
func (r *Run) OpenGate(prompt string, choices ...string) *Gate {
	g := newGate(prompt, choices)
	r.mu.Lock()
	r.gates[g.ID] = g
	r.mu.Unlock()
	r.recordGateEvent("gate_waiting", g)
	r.setState(StateWaiting)
	return g
}

// AnswerGate resolves the named gate with value, returning an error if no
// such gate is outstanding or value is not one of the gate's declared
// choices.
func (r *Run) AnswerGate(gateID string, value any) error {
	r.mu.Lock()
	g, ok := r.gates[gateID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("gate %q not found", gateID)
	}
	if !g.accepts(value) {
		return fmt.Errorf("value %v is not one of gate %q's allowed choices %v", value, gateID, g.Choices)
	}
	g.Answer(value)
	r.mu.Lock()
	delete(r.gates, gateID)
	if len(r.gates) == 0 && r.state == StateWaiting {
		r.state = StateRunning
	}
	r.mu.Unlock()
	r.recordGateEvent("gate_answered", g)
	return nil
}

// RunNode resolves nodeID in this run's session and awaits its execute,
// building a derived ExecutionContext carrying input. Returns a
// not_found error if the session or node doesn't exist.
func (r *Run) RunNode(ctx context.Context, nodeID string, input any) (node.Result, error) {
	r.record("node_started", nodeID)
	if r.engine == nil || r.engine.sessions == nil {
		err := errtax.New(errtax.GenericNotFound, "no session registry configured for run", nil)
		r.record("node_error", err.Error())
		return node.Result{}, err
	}
	sess, ok := r.engine.sessions.Get(r.ec.SessionID)
	if !ok {
		err := errtax.New(errtax.GenericNotFound, fmt.Sprintf("session %q not found", r.ec.SessionID), nil)
		r.record("node_error", err.Error())
		return node.Result{}, err
	}
	n, ok := sess.GetNode(nodeID)
	if !ok {
		err := errtax.New(errtax.GenericNotFound, fmt.Sprintf("node %q not found", nodeID), nil)
		r.record("node_error", err.Error())
		return node.Result{}, err
	}

	childEC := r.ec.WithInput(input)
	result, err := n.Execute(ctx, childEC)
	if err != nil {
		r.record("node_error", err.Error())
		return result, err
	}
	if !result.Success {
		r.record("node_error", result.Error)
	} else {
		r.record("node_completed", nodeID)
	}
	return result, nil
}

// RunGraph resolves graphID in this run's session and awaits its
// execute, emitting graph_started/graph_completed/graph_error events.
func (r *Run) RunGraph(ctx context.Context, graphID string, input any) (map[string]node.Result, error) {
	r.record("graph_started", graphID)
	if r.engine == nil || r.engine.graphs == nil {
		err := errtax.New(errtax.GenericNotFound, "no graph registry configured for run_graph", nil)
		r.record("graph_error", err.Error())
		return nil, err
	}
	g, ok := r.engine.graphs.Graph(r.ec.SessionID, graphID)
	if !ok {
		err := errtax.New(errtax.GenericNotFound, fmt.Sprintf("graph %q not found", graphID), nil)
		r.record("graph_error", err.Error())
		return nil, err
	}

	childEC := r.ec.WithInput(input)
	results, err := g.Execute(ctx, childEC)
	if err != nil {
		r.record("graph_error", err.Error())
		return results, err
	}
	r.record("graph_completed", graphID)
	return results, nil
}

// RunWorkflow resolves workflowID, starts it as a new Run sharing this
// run's cancellation and budget, awaits its completion, and propagates
// its error. Emits nested_workflow_started/completed/error on the parent.
func (r *Run) RunWorkflow(ctx context.Context, workflowID string, input any, params map[string]any) (any, error) {
	r.record("nested_workflow_started", workflowID)
	if r.engine == nil || r.engine.workflows == nil {
		err := errtax.New(errtax.GenericNotFound, "no workflow registry configured for run_workflow", nil)
		r.record("nested_workflow_error", err.Error())
		return nil, err
	}
	wf, ok := r.engine.workflows.Workflow(workflowID)
	if !ok {
		err := errtax.New(errtax.GenericNotFound, fmt.Sprintf("workflow %q not found", workflowID), nil)
		r.record("nested_workflow_error", err.Error())
		return nil, err
	}

	childEC := r.ec.WithInput(input)
	child := r.engine.start(ctx, wf, childEC, params)
	out, err := child.WaitForCompletion(ctx)
	if err != nil {
		r.record("nested_workflow_error", err.Error())
		return nil, err
	}
	r.record("nested_workflow_completed", workflowID)
	return out, nil
}

// Emit appends a caller-defined event to the run's event log.
func (r *Run) Emit(eventType string, data any) {
	r.recordEvent(eventType, "", data)
}

// Engine drives Workflow executions: it starts runs as goroutines so a
// workflow body can block on a Gate without tying up a request thread.
// sessions/graphs/workflows back the nested-invocation capabilities a
// running workflow's Run exposes.
type Engine struct {
	mu        sync.Mutex
	runs      map[string]*Run
	sessions  *session.Registry
	graphs    GraphResolver
	workflows WorkflowResolver
}

// NewEngine returns an Engine whose runs can invoke nodes and graphs
// registered against sessions, and other workflows by id. Any of the
// three may be nil if that capability isn't needed by the caller.
func NewEngine(sessions *session.Registry, graphs GraphResolver, workflows WorkflowResolver) *Engine {
	return &Engine{runs: map[string]*Run{}, sessions: sessions, graphs: graphs, workflows: workflows}
}

// Start begins executing wf asynchronously and returns its Run immediately
// in StateRunning; callers observe completion via Run.State()/WaitForCompletion.
func (e *Engine) Start(ctx context.Context, wf *Workflow, ec *execctx.ExecutionContext) *Run {
	return e.start(ctx, wf, ec, nil)
}

func (e *Engine) start(ctx context.Context, wf *Workflow, ec *execctx.ExecutionContext, params map[string]any) *Run {
	run := newRun(wf.ID, ec, params, e)
	e.mu.Lock()
	e.runs[run.ID] = run
	e.mu.Unlock()

	run.setState(StateRunning)
	run.record("workflow_started", wf.ID)

	go func() {
		defer close(run.done)
		out, err := wf.Fn(ctx, run)
		run.mu.Lock()
		run.output = out
		run.err = err
		run.mu.Unlock()
		if err != nil {
			if errtax.Classify(err) == errtax.NodeStopped {
				run.setState(StateCancelled)
			} else {
				run.setState(StateFailed)
			}
			run.record("workflow_failed", err.Error())
			return
		}
		run.setState(StateCompleted)
		run.record("workflow_completed", "")
	}()

	return run
}

// Get returns the run with the given id.
func (e *Engine) Get(id string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// WaitForCompletion blocks until run finishes (successfully, with an
// error, or cancelled) or ctx is done, then returns its output/error.
func (run *Run) WaitForCompletion(ctx context.Context) (any, error) {
	select {
	case <-run.done:
		run.mu.Lock()
		defer run.mu.Unlock()
		return run.output, run.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel marks the run cancelled and answers every outstanding gate with a
// node_stopped error, which a blocked Gate.Wait returns. It does not
// cancel the context the run was started with.
func (run *Run) Cancel() {
	run.mu.Lock()
	gates := make([]*Gate, 0, len(run.gates))
	for _, g := range run.gates {
		gates = append(gates, g)
	}
	run.mu.Unlock()
	for _, g := range gates {
		g.Answer(errtax.New(errtax.NodeStopped, fmt.Sprintf("workflow run %q was cancelled", run.ID), nil))
	}
	run.setState(StateCancelled)
}
