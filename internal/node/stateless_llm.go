package node

import (
	"context"

	"github.com/nervehq/nerve/internal/errtax"
	"github.com/nervehq/nerve/internal/execctx"
)

// StatelessLLMInput is what a StatelessLLMNode expects: a system prompt
// plus the single user turn to complete, with no memory of prior calls.
type StatelessLLMInput struct {
	SystemPrompt string
	UserMessage  string
	Model        string
}

// StatelessLLMOutput carries the model's reply text and usage.
type StatelessLLMOutput struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// StatelessLLMNode makes exactly one request per execute call and retains
// no conversation state between calls; subkind selects which backend
// Provider it was built with (OpenRouter or GLM).
type StatelessLLMNode struct {
	base
	provider Provider
	subkind  string
}

// NewStatelessLLMNode constructs a StatelessLLMNode backed by provider,
// tagged with subkind for introspection ("openrouter" or "glm").
func NewStatelessLLMNode(id, subkind string, provider Provider) (*StatelessLLMNode, error) {
	b, err := newBase(id, "stateless_llm")
	if err != nil {
		return nil, err
	}
	return &StatelessLLMNode{base: b, provider: provider, subkind: subkind}, nil
}

// Execute builds a request of the system prompt (omitted when empty) and
// the user message, and completes it.
func (n *StatelessLLMNode) Execute(ctx context.Context, ec *execctx.ExecutionContext) (Result, error) {
	in, ok := ec.Input.(StatelessLLMInput)
	if !ok {
		return Fail(n.Type(), n.ID(), ec.Input, errtax.New(errtax.InvalidRequest, "stateless_llm node requires StatelessLLMInput", nil)), nil
	}

	runCtx := n.armCancel(ctx)

	var messages []ChatMessage
	if in.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: in.SystemPrompt})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: in.UserMessage})

	resp, err := n.provider.Complete(runCtx, ChatRequest{Messages: messages, Model: in.Model})
	if n.wasInterrupted() {
		return Fail(n.Type(), n.ID(), ec.Input, nodeStoppedErr(n.ID())), nil
	}
	if err != nil {
		return Fail(n.Type(), n.ID(), ec.Input, err), nil
	}

	out := StatelessLLMOutput{
		Content:          resp.Message.Content,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}
	ec.Budget.AddTokens(int64(resp.PromptTokens + resp.CompletionTokens))
	return Ok(n.Type(), n.ID(), ec.Input, out), nil
}

// Stop is a no-op: the underlying HTTP client needs no explicit teardown.
func (n *StatelessLLMNode) Stop() error { return nil }

// ToInfo reports this node's introspection metadata, including its subkind.
func (n *StatelessLLMNode) ToInfo() Info {
	return n.base.ToInfo(map[string]any{"subkind": n.subkind})
}
