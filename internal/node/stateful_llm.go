package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nervehq/nerve/internal/errtax"
	"github.com/nervehq/nerve/internal/execctx"
)

// ToolExecutor invokes a named tool with raw JSON arguments and returns its
// textual result; a non-nil error is captured per-call, not fatal to the
// loop.
type ToolExecutor func(ctx context.Context, name string, argsJSON string) (string, error)

// StatefulLLMConfig bounds a StatefulLLMNode's tool-call loop.
type StatefulLLMConfig struct {
	MaxToolRounds int
	Tools         []ToolDefinition
	Executor      ToolExecutor
}

// StatefulLLMNode retains its message history across executes and drives a
// tool-call loop: complete, inspect tool_calls, execute each tool, append
// results, repeat until the model stops requesting tools or MaxToolRounds
// is reached.
type StatefulLLMNode struct {
	base
	provider Provider
	cfg      StatefulLLMConfig

	mu       sync.Mutex
	messages []ChatMessage
}

// NewStatefulLLMNode constructs a StatefulLLMNode backed by provider.
func NewStatefulLLMNode(id string, provider Provider, cfg StatefulLLMConfig) (*StatefulLLMNode, error) {
	b, err := newBase(id, "stateful_llm")
	if err != nil {
		return nil, err
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 10
	}
	return &StatefulLLMNode{base: b, provider: provider, cfg: cfg}, nil
}

// Clear wipes the accumulated message history.
func (n *StatefulLLMNode) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = nil
}

// StatefulLLMInput appends a new user turn to the node's running history.
type StatefulLLMInput struct {
	UserMessage string
	Model       string
}

// StatefulLLMOutput is the final assistant reply once the tool-call loop settles.
type StatefulLLMOutput struct {
	Content    string `json:"content"`
	ToolRounds int    `json:"tool_rounds"`
}

// Execute appends the new user turn, then loops: complete, check for
// tool_calls, execute each requested tool, append the tool results, and
// complete again — up to MaxToolRounds.
func (n *StatefulLLMNode) Execute(ctx context.Context, ec *execctx.ExecutionContext) (Result, error) {
	in, ok := ec.Input.(StatefulLLMInput)
	if !ok {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.InvalidRequest, "stateful_llm node requires StatefulLLMInput", nil)), nil
	}

	runCtx := n.armCancel(ctx)

	n.mu.Lock()
	n.messages = append(n.messages, ChatMessage{Role: "user", Content: in.UserMessage})
	history := append([]ChatMessage(nil), n.messages...)
	n.mu.Unlock()

	for round := 0; round < n.cfg.MaxToolRounds; round++ {
		if n.wasInterrupted() {
			return Fail(n.Type(), n.ID(), ec.Input, nodeStoppedErr(n.ID())), nil
		}

		resp, err := n.provider.Complete(runCtx, ChatRequest{Messages: history, Tools: n.cfg.Tools, Model: in.Model})
		if err != nil {
			return Fail(n.Type(), n.ID(), ec.Input, err), nil
		}
		ec.Budget.AddTokens(int64(resp.PromptTokens + resp.CompletionTokens))
		history = append(history, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			n.mu.Lock()
			n.messages = history
			n.mu.Unlock()
			out := StatefulLLMOutput{Content: resp.Message.Content, ToolRounds: round}
			return Ok(n.Type(), n.ID(), ec.Input, out), nil
		}

		for _, call := range resp.Message.ToolCalls {
			result, callErr := n.runTool(runCtx, call)
			history = append(history, ChatMessage{Role: "tool", Content: result, ToolCallID: call.ID})
			if callErr != nil {
				history[len(history)-1].Content = fmt.Sprintf("error: %s", callErr)
			}
			ec.Budget.AddCall()
		}
	}

	n.mu.Lock()
	n.messages = history
	n.mu.Unlock()
	return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.Internal, "max tool rounds reached", nil)), nil
}

func (n *StatefulLLMNode) runTool(ctx context.Context, call ToolCall) (string, error) {
	if n.cfg.Executor == nil {
		return "", fmt.Errorf("no tool executor configured for tool %q", call.Name)
	}
	if err := n.validateArgs(call); err != nil {
		return "", err
	}
	return n.cfg.Executor(ctx, call.Name, call.Arguments)
}

// validateArgs checks a tool call's JSON arguments against its declared
// JSON Schema before invoking the executor, so malformed arguments surface
// as a per-call error rather than reaching user code.
func (n *StatefulLLMNode) validateArgs(call ToolCall) error {
	var def *ToolDefinition
	for i := range n.cfg.Tools {
		if n.cfg.Tools[i].Name == call.Name {
			def = &n.cfg.Tools[i]
			break
		}
	}
	if def == nil || def.Parameters == nil {
		return nil
	}
	schemaBytes, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaBytes)); err != nil {
		return nil
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil
	}
	var args any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return fmt.Errorf("tool %q arguments are not valid JSON: %w", call.Name, err)
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("tool %q arguments failed schema validation: %w", call.Name, err)
	}
	return nil
}

// Stop is a no-op: a StatefulLLMNode holds no external resource.
func (n *StatefulLLMNode) Stop() error { return nil }

// ToInfo reports this node's introspection metadata.
func (n *StatefulLLMNode) ToInfo() Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.base.ToInfo(map[string]any{"history_len": len(n.messages)})
}
