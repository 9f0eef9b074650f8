package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nervehq/nerve/internal/execctx"
	"github.com/nervehq/nerve/internal/graph"
	"github.com/nervehq/nerve/internal/node"
	"github.com/nervehq/nerve/internal/session"
)

type memGraphs struct{ byID map[string]*graph.Graph }

func (m memGraphs) Graph(sessionID, graphID string) (*graph.Graph, bool) {
	g, ok := m.byID[graphID]
	return g, ok
}

type memWorkflows struct{ byID map[string]*Workflow }

func (m memWorkflows) Workflow(id string) (*Workflow, bool) {
	wf, ok := m.byID[id]
	return wf, ok
}

func TestGateSuspendsAndResumesOnAnswer(t *testing.T) {
	wf, err := New("approval", func(ctx context.Context, run *Run) (any, error) {
		gate := run.OpenGate("approve?")
		answer, err := gate.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return answer, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine := NewEngine(nil, nil, nil)
	ec := execctx.New(context.Background(), "sess", nil, 0)
	run := engine.Start(context.Background(), wf, ec)

	deadline := time.Now().Add(time.Second)
	for run.State() != StateWaiting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if run.State() != StateWaiting {
		t.Fatalf("expected run to reach StateWaiting, got %s", run.State())
	}

	events := run.Events()
	if len(events) == 0 || events[len(events)-1].Kind != "gate_waiting" {
		t.Fatalf("expected a gate_waiting event, got %+v", events)
	}

	var gateID string
	for _, e := range events {
		if e.Kind == "gate_waiting" {
			gateID = e.GateID
		}
	}
	if gateID == "" {
		t.Fatal("expected the gate_waiting event to carry a GateID")
	}
	if err := run.AnswerGate(gateID, "approved"); err != nil {
		t.Fatalf("AnswerGate: %v", err)
	}

	out, err := run.WaitForCompletion(context.Background())
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if out != "approved" {
		t.Fatalf("expected output %q, got %v", "approved", out)
	}
	if run.State() != StateCompleted {
		t.Fatalf("expected StateCompleted, got %s", run.State())
	}
}

func TestCancelUnblocksGate(t *testing.T) {
	wf, err := New("cancellable", func(ctx context.Context, run *Run) (any, error) {
		gate := run.OpenGate("wait forever")
		_, err := gate.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return "should not reach here", nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine := NewEngine(nil, nil, nil)
	ec := execctx.New(context.Background(), "sess", nil, 0)
	run := engine.Start(context.Background(), wf, ec)

	deadline := time.Now().Add(time.Second)
	for run.State() != StateWaiting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	run.Cancel()

	out, _ := run.WaitForCompletion(context.Background())
	if out != nil {
		t.Fatalf("expected nil output after cancel, got %v", out)
	}
}

func waitForState(t *testing.T, run *Run, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for run.State() != want && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if run.State() != want {
		t.Fatalf("expected state %s, got %s", want, run.State())
	}
}

func lastGateID(run *Run) string {
	var id string
	for _, e := range run.Events() {
		if e.Kind == "gate_waiting" {
			id = e.GateID
		}
	}
	return id
}

func TestAnswerGateRejectsValueOutsideChoices(t *testing.T) {
	wf, err := New("approval", func(ctx context.Context, run *Run) (any, error) {
		gate := run.OpenGate("approve?", "yes", "no")
		answer, err := gate.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return answer, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine := NewEngine(nil, nil, nil)
	ec := execctx.New(context.Background(), "sess", nil, 0)
	run := engine.Start(context.Background(), wf, ec)
	waitForState(t, run, StateWaiting)

	gateID := lastGateID(run)
	if gateID == "" {
		t.Fatal("expected a gate id")
	}

	if err := run.AnswerGate(gateID, "maybe"); err == nil {
		t.Fatal("expected AnswerGate to reject a value outside the gate's choices")
	}
	if run.State() != StateWaiting {
		t.Fatalf("expected run to remain StateWaiting after a rejected answer, got %s", run.State())
	}

	if err := run.AnswerGate(gateID, "yes"); err != nil {
		t.Fatalf("AnswerGate with a valid choice: %v", err)
	}
	out, err := run.WaitForCompletion(context.Background())
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if out != "yes" {
		t.Fatalf("expected output %q, got %v", "yes", out)
	}
}

func TestAnswerGateUnknownGateID(t *testing.T) {
	wf, err := New("noop", func(ctx context.Context, run *Run) (any, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	engine := NewEngine(nil, nil, nil)
	ec := execctx.New(context.Background(), "sess", nil, 0)
	run := engine.Start(context.Background(), wf, ec)

	if err := run.AnswerGate("bogus", "whatever"); err == nil {
		t.Fatal("expected an error answering a gate that was never opened")
	}
}

func TestRunNodeExecutesRegisteredNode(t *testing.T) {
	sessions := session.NewRegistry()
	s := sessions.Create("/tmp/ws")

	fn, err := node.NewFunctionNode("doubler", func(ctx context.Context, input any) (any, error) {
		n, _ := input.(int)
		return n * 2, nil
	})
	if err != nil {
		t.Fatalf("NewFunctionNode: %v", err)
	}
	if err := s.RegisterNode(fn); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}

	wf, err := New("calls-node", func(ctx context.Context, run *Run) (any, error) {
		result, err := run.RunNode(ctx, "doubler", 21)
		if err != nil {
			return nil, err
		}
		return result.Output, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine := NewEngine(sessions, nil, nil)
	ec := execctx.New(context.Background(), s.ID, nil, 0)
	run := engine.Start(context.Background(), wf, ec)

	out, err := run.WaitForCompletion(context.Background())
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if out != 42 {
		t.Fatalf("expected 42, got %v", out)
	}

	var sawCompleted bool
	for _, e := range run.Events() {
		if e.Kind == "node_completed" && e.Detail == "doubler" {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatalf("expected a node_completed event, got %+v", run.Events())
	}
}

func TestRunNodeNotFound(t *testing.T) {
	sessions := session.NewRegistry()
	s := sessions.Create("/tmp/ws")

	wf, err := New("calls-missing-node", func(ctx context.Context, run *Run) (any, error) {
		_, err := run.RunNode(ctx, "nope", nil)
		return nil, err
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine := NewEngine(sessions, nil, nil)
	ec := execctx.New(context.Background(), s.ID, nil, 0)
	run := engine.Start(context.Background(), wf, ec)

	if _, err := run.WaitForCompletion(context.Background()); err == nil {
		t.Fatal("expected an error for a missing node")
	}
	waitForState(t, run, StateFailed)
}

func TestRunNodeWithoutSessionRegistry(t *testing.T) {
	wf, err := New("calls-node-no-registry", func(ctx context.Context, run *Run) (any, error) {
		_, err := run.RunNode(ctx, "anything", nil)
		return nil, err
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine := NewEngine(nil, nil, nil)
	ec := execctx.New(context.Background(), "sess", nil, 0)
	run := engine.Start(context.Background(), wf, ec)

	if _, err := run.WaitForCompletion(context.Background()); err == nil {
		t.Fatal("expected an error when no session registry is configured")
	}
}

func TestRunGraphExecutesRegisteredGraph(t *testing.T) {
	sessions := session.NewRegistry()
	s := sessions.Create("/tmp/ws")

	fn, err := node.NewFunctionNode("step1", func(ctx context.Context, input any) (any, error) {
		return "ran", nil
	})
	if err != nil {
		t.Fatalf("NewFunctionNode: %v", err)
	}

	g, err := graph.New("g1")
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	if err := g.AddStep(fn, graph.Step{NodeID: "step1", Policy: graph.DefaultErrorPolicy()}); err != nil {
		t.Fatalf("AddStep: %v", err)
	}

	graphs := memGraphs{byID: map[string]*graph.Graph{"g1": g}}

	wf, err := New("calls-graph", func(ctx context.Context, run *Run) (any, error) {
		results, err := run.RunGraph(ctx, "g1", nil)
		if err != nil {
			return nil, err
		}
		return results["step1"].Output, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine := NewEngine(sessions, graphs, nil)
	ec := execctx.New(context.Background(), s.ID, nil, 0)
	run := engine.Start(context.Background(), wf, ec)

	out, err := run.WaitForCompletion(context.Background())
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if out != "ran" {
		t.Fatalf("expected %q, got %v", "ran", out)
	}
}

func TestRunGraphNotFound(t *testing.T) {
	sessions := session.NewRegistry()
	s := sessions.Create("/tmp/ws")
	graphs := memGraphs{byID: map[string]*graph.Graph{}}

	wf, err := New("calls-missing-graph", func(ctx context.Context, run *Run) (any, error) {
		_, err := run.RunGraph(ctx, "nope", nil)
		return nil, err
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine := NewEngine(sessions, graphs, nil)
	ec := execctx.New(context.Background(), s.ID, nil, 0)
	run := engine.Start(context.Background(), wf, ec)

	if _, err := run.WaitForCompletion(context.Background()); err == nil {
		t.Fatal("expected an error for a missing graph")
	}
}

func TestRunWorkflowPropagatesNestedOutputAndParams(t *testing.T) {
	child, err := New("child", func(ctx context.Context, run *Run) (any, error) {
		name, _ := run.Params()["name"].(string)
		return fmt.Sprintf("hello %s", name), nil
	})
	if err != nil {
		t.Fatalf("New child: %v", err)
	}
	workflows := memWorkflows{byID: map[string]*Workflow{"child": child}}

	parent, err := New("parent", func(ctx context.Context, run *Run) (any, error) {
		return run.RunWorkflow(ctx, "child", nil, map[string]any{"name": "world"})
	})
	if err != nil {
		t.Fatalf("New parent: %v", err)
	}

	engine := NewEngine(nil, nil, workflows)
	ec := execctx.New(context.Background(), "sess", nil, 0)
	run := engine.Start(context.Background(), parent, ec)

	out, err := run.WaitForCompletion(context.Background())
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("expected %q, got %v", "hello world", out)
	}

	var sawNested bool
	for _, e := range run.Events() {
		if e.Kind == "nested_workflow_completed" && e.Detail == "child" {
			sawNested = true
		}
	}
	if !sawNested {
		t.Fatalf("expected a nested_workflow_completed event, got %+v", run.Events())
	}
}

func TestRunWorkflowPropagatesNestedError(t *testing.T) {
	child, err := New("failing-child", func(ctx context.Context, run *Run) (any, error) {
		return nil, fmt.Errorf("boom")
	})
	if err != nil {
		t.Fatalf("New child: %v", err)
	}
	workflows := memWorkflows{byID: map[string]*Workflow{"failing-child": child}}

	parent, err := New("parent-of-failure", func(ctx context.Context, run *Run) (any, error) {
		return run.RunWorkflow(ctx, "failing-child", nil, nil)
	})
	if err != nil {
		t.Fatalf("New parent: %v", err)
	}

	engine := NewEngine(nil, nil, workflows)
	ec := execctx.New(context.Background(), "sess", nil, 0)
	run := engine.Start(context.Background(), parent, ec)

	if _, err := run.WaitForCompletion(context.Background()); err == nil {
		t.Fatal("expected the parent run to fail when its nested workflow fails")
	}
	waitForState(t, run, StateFailed)
}

func TestRunWorkflowNotFound(t *testing.T) {
	workflows := memWorkflows{byID: map[string]*Workflow{}}
	parent, err := New("calls-missing-workflow", func(ctx context.Context, run *Run) (any, error) {
		return run.RunWorkflow(ctx, "nope", nil, nil)
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine := NewEngine(nil, nil, workflows)
	ec := execctx.New(context.Background(), "sess", nil, 0)
	run := engine.Start(context.Background(), parent, ec)

	if _, err := run.WaitForCompletion(context.Background()); err == nil {
		t.Fatal("expected an error for a missing workflow")
	}
}

func TestEmitAppendsCustomEvent(t *testing.T) {
	wf, err := New("emits", func(ctx context.Context, run *Run) (any, error) {
		run.Emit("progress", map[string]any{"pct": 50})
		return "done", nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine := NewEngine(nil, nil, nil)
	ec := execctx.New(context.Background(), "sess", nil, 0)
	run := engine.Start(context.Background(), wf, ec)

	if _, err := run.WaitForCompletion(context.Background()); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}

	var found bool
	for _, e := range run.Events() {
		if e.Kind == "progress" {
			data, ok := e.Data.(map[string]any)
			if !ok || data["pct"] != 50 {
				t.Fatalf("unexpected event data: %+v", e.Data)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a progress event, got %+v", run.Events())
	}
}
