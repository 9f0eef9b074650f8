// Package commandplane implements the daemon's command dispatcher: it
// decodes a nerveapi.Request, routes it to the session registry, a
// session's graphs/workflows, or process control, and encodes the result
// as a nerveapi.Reply. Every transport (unix socket, TCP, HTTP) shares
// this one dispatcher.
package commandplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nervehq/nerve/internal/execctx"
	"github.com/nervehq/nerve/internal/graph"
	"github.com/nervehq/nerve/internal/session"
	"github.com/nervehq/nerve/internal/workflow"
	"github.com/nervehq/nerve/pkg/nerveapi"
)

// GraphProvider resolves a registered graph by id within a session; how
// graphs get registered (built ahead of time, or constructed from a
// CREATE_NODE/wiring sequence) is left to the caller.
type GraphProvider interface {
	Graph(sessionID, graphID string) (*graph.Graph, bool)
}

// WorkflowProvider resolves a registered workflow definition by id.
type WorkflowProvider interface {
	Workflow(id string) (*workflow.Workflow, bool)
}

// Dispatcher routes nerveapi.Request values to the session registry and
// the graph/workflow engines. Every transport shares this one dispatcher
// and its command routing conventions.
type Dispatcher struct {
	Sessions  *session.Registry
	Graphs    GraphProvider
	Workflows WorkflowProvider
	Engine    *workflow.Engine
	Logger    *slog.Logger
	startedAt time.Time
	seq       int64
}

// NewDispatcher wires a Dispatcher over the given registries.
func NewDispatcher(sessions *session.Registry, graphs GraphProvider, workflows WorkflowProvider, engine *workflow.Engine, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Sessions: sessions, Graphs: graphs, Workflows: workflows, Engine: engine, Logger: logger, startedAt: time.Now()}
}

// Dispatch decodes req.Params for req.Type, performs the operation, and
// returns the Reply to send back on whatever transport received req.
func (d *Dispatcher) Dispatch(ctx context.Context, req nerveapi.Request) nerveapi.Reply {
	log := d.Logger.With("command", string(req.Type), "request_id", req.ID)
	log.Info("dispatching command")

	switch req.Type {
	case nerveapi.CreateSession:
		return d.handleCreateSession(req)
	case nerveapi.DeleteSession:
		return d.handleDeleteSession(req)
	case nerveapi.ListSessions:
		return nerveapi.OKReply(req.ID, d.Sessions.List())
	case nerveapi.RunGraph:
		return d.handleRunGraph(ctx, req)
	case nerveapi.InterruptGraph:
		return d.handleInterruptGraph(req)
	case nerveapi.ExecuteWorkflow:
		return d.handleExecuteWorkflow(ctx, req)
	case nerveapi.AnswerGate:
		return d.handleAnswerGate(req)
	case nerveapi.GetStatus:
		return nerveapi.OKReply(req.ID, nerveapi.StatusResult{
			Sessions: d.Sessions.List(),
			Uptime:   time.Since(d.startedAt).String(),
			Version:  "1",
		})
	default:
		log.Warn("unknown command type")
		return nerveapi.ErrReply(req.ID, "invalid_request_error", fmt.Sprintf("unknown command type %q", req.Type))
	}
}

func (d *Dispatcher) handleCreateSession(req nerveapi.Request) nerveapi.Reply {
	var params nerveapi.CreateSessionParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nerveapi.ErrReply(req.ID, "invalid_request_error", err.Error())
	}
	s := d.Sessions.Create(params.WorkspaceRoot)
	return nerveapi.OKReply(req.ID, nerveapi.CreateSessionResult{SessionID: s.ID})
}

func (d *Dispatcher) handleDeleteSession(req nerveapi.Request) nerveapi.Reply {
	var params struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nerveapi.ErrReply(req.ID, "invalid_request_error", err.Error())
	}
	if err := d.Sessions.Delete(params.SessionID); err != nil {
		return nerveapi.ErrReply(req.ID, "not_found_error", err.Error())
	}
	return nerveapi.OKReply(req.ID, nil)
}

func (d *Dispatcher) handleRunGraph(ctx context.Context, req nerveapi.Request) nerveapi.Reply {
	var params nerveapi.RunGraphParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nerveapi.ErrReply(req.ID, "invalid_request_error", err.Error())
	}
	s, ok := d.Sessions.Get(params.SessionID)
	if !ok {
		return nerveapi.ErrReply(req.ID, "not_found_error", fmt.Sprintf("session %q not found", params.SessionID))
	}
	s.Touch()
	g, ok := d.Graphs.Graph(params.SessionID, params.GraphID)
	if !ok {
		return nerveapi.ErrReply(req.ID, "not_found_error", fmt.Sprintf("graph %q not found", params.GraphID))
	}

	ec := execctx.New(ctx, params.SessionID, params.Input, 0)
	results, err := g.Execute(ec.Context(), ec)
	if err != nil {
		return nerveapi.ErrReply(req.ID, "execution_error", err.Error())
	}
	return nerveapi.OKReply(req.ID, results)
}

func (d *Dispatcher) handleInterruptGraph(req nerveapi.Request) nerveapi.Reply {
	var params struct {
		SessionID string `json:"session_id"`
		GraphID   string `json:"graph_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nerveapi.ErrReply(req.ID, "invalid_request_error", err.Error())
	}
	g, ok := d.Graphs.Graph(params.SessionID, params.GraphID)
	if !ok {
		return nerveapi.ErrReply(req.ID, "not_found_error", fmt.Sprintf("graph %q not found", params.GraphID))
	}
	if err := g.Interrupt(); err != nil {
		return nerveapi.ErrReply(req.ID, "execution_error", err.Error())
	}
	return nerveapi.OKReply(req.ID, nil)
}

func (d *Dispatcher) handleExecuteWorkflow(ctx context.Context, req nerveapi.Request) nerveapi.Reply {
	var params nerveapi.ExecuteWorkflowParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nerveapi.ErrReply(req.ID, "invalid_request_error", err.Error())
	}
	s, ok := d.Sessions.Get(params.SessionID)
	if !ok {
		return nerveapi.ErrReply(req.ID, "not_found_error", fmt.Sprintf("session %q not found", params.SessionID))
	}
	s.Touch()
	wf, ok := d.Workflows.Workflow(params.WorkflowID)
	if !ok {
		return nerveapi.ErrReply(req.ID, "not_found_error", fmt.Sprintf("workflow %q not found", params.WorkflowID))
	}

	ec := execctx.New(ctx, params.SessionID, params.Input, 0)
	run := d.Engine.Start(ec.Context(), wf, ec)
	return nerveapi.OKReply(req.ID, map[string]string{"run_id": run.ID, "state": string(run.State())})
}

func (d *Dispatcher) handleAnswerGate(req nerveapi.Request) nerveapi.Reply {
	var params nerveapi.AnswerGateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nerveapi.ErrReply(req.ID, "invalid_request_error", err.Error())
	}
	run, ok := d.Engine.Get(params.RunID)
	if !ok {
		return nerveapi.ErrReply(req.ID, "not_found_error", fmt.Sprintf("run %q not found", params.RunID))
	}
	if err := run.AnswerGate(params.GateID, params.Value); err != nil {
		return nerveapi.ErrReply(req.ID, "not_found_error", err.Error())
	}
	return nerveapi.OKReply(req.ID, nil)
}

// NextSeq returns a monotonically increasing sequence number for tagging
// streamed event replies.
func (d *Dispatcher) NextSeq() int64 {
	return atomic.AddInt64(&d.seq, 1)
}
