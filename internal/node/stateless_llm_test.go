package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nervehq/nerve/internal/execctx"
)

type fakeProvider struct {
	lastReq ChatRequest
	resp    ChatResponse
	err     error
}

func (p *fakeProvider) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p.lastReq = req
	return p.resp, p.err
}

func TestStatelessLLMNodeExecuteBuildsTwoMessageRequest(t *testing.T) {
	provider := &fakeProvider{resp: ChatResponse{
		Message:          ChatMessage{Role: "assistant", Content: "hi there"},
		PromptTokens:     10,
		CompletionTokens: 5,
	}}
	n, err := NewStatelessLLMNode("llm1", "openrouter", provider)
	if err != nil {
		t.Fatalf("NewStatelessLLMNode: %v", err)
	}

	ec := execctx.New(context.Background(), "s1", StatelessLLMInput{
		SystemPrompt: "be terse",
		UserMessage:  "hello",
		Model:        "gpt-4o",
	}, time.Minute)

	result, err := n.Execute(ec.Context(), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	if len(provider.lastReq.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(provider.lastReq.Messages))
	}
	if provider.lastReq.Messages[0].Role != "system" || provider.lastReq.Messages[0].Content != "be terse" {
		t.Fatalf("unexpected system message: %+v", provider.lastReq.Messages[0])
	}
	if provider.lastReq.Messages[1].Role != "user" || provider.lastReq.Messages[1].Content != "hello" {
		t.Fatalf("unexpected user message: %+v", provider.lastReq.Messages[1])
	}

	out := result.Output.(StatelessLLMOutput)
	if out.Content != "hi there" {
		t.Fatalf("Content = %q, want %q", out.Content, "hi there")
	}
}

func TestStatelessLLMNodeOmitsEmptySystemPrompt(t *testing.T) {
	provider := &fakeProvider{resp: ChatResponse{Message: ChatMessage{Content: "ok"}}}
	n, err := NewStatelessLLMNode("llm1", "glm", provider)
	if err != nil {
		t.Fatalf("NewStatelessLLMNode: %v", err)
	}

	ec := execctx.New(context.Background(), "s1", StatelessLLMInput{UserMessage: "hello"}, time.Minute)
	if _, err := n.Execute(ec.Context(), ec); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(provider.lastReq.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1 (no system prompt given)", len(provider.lastReq.Messages))
	}
}

func TestStatelessLLMNodeTracksTokenBudget(t *testing.T) {
	provider := &fakeProvider{resp: ChatResponse{Message: ChatMessage{Content: "ok"}, PromptTokens: 7, CompletionTokens: 3}}
	n, err := NewStatelessLLMNode("llm1", "openrouter", provider)
	if err != nil {
		t.Fatalf("NewStatelessLLMNode: %v", err)
	}

	ec := execctx.New(context.Background(), "s1", StatelessLLMInput{UserMessage: "hi"}, time.Minute)
	ec.Budget = execctx.NewBudget(9, 0, 0)

	result, err := n.Execute(ec.Context(), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if !ec.Budget.Exceeded() {
		t.Fatal("expected 10 tokens against a 9-token budget to exceed it")
	}
}

func TestStatelessLLMNodePropagatesProviderError(t *testing.T) {
	providerErr := errors.New("provider down")
	provider := &fakeProvider{err: providerErr}
	n, err := NewStatelessLLMNode("llm1", "openrouter", provider)
	if err != nil {
		t.Fatalf("NewStatelessLLMNode: %v", err)
	}

	ec := execctx.New(context.Background(), "s1", StatelessLLMInput{UserMessage: "hi"}, time.Minute)
	result, err := n.Execute(ec.Context(), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure when the provider errors")
	}
	if result.Error != providerErr.Error() {
		t.Fatalf("Error = %q, want %q", result.Error, providerErr.Error())
	}
}

func TestStatelessLLMNodeRejectsWrongInputType(t *testing.T) {
	n, err := NewStatelessLLMNode("llm1", "openrouter", &fakeProvider{})
	if err != nil {
		t.Fatalf("NewStatelessLLMNode: %v", err)
	}
	ec := execctx.New(context.Background(), "s1", "not the right input", time.Minute)
	result, err := n.Execute(ec.Context(), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success || result.ErrorType != "invalid_request_error" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
