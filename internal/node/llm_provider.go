package node

import (
	"context"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nervehq/nerve/internal/errtax"
)

// ChatMessage is the provider-agnostic chat message shape StatelessLLMNode
// and StatefulLLMNode build requests from.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is one function call an assistant message requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a callable tool an LLM request may offer.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// ChatRequest is what an LLM provider call needs beyond its fixed
// configuration: the conversation so far and the tools on offer.
type ChatRequest struct {
	Messages    []ChatMessage
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float32
}

// ChatResponse is a provider's reply: the assistant's message plus usage.
type ChatResponse struct {
	Message      ChatMessage
	PromptTokens  int
	CompletionTokens int
}

// Provider is implemented by every OpenAI-compatible backend a
// StatelessLLMNode/StatefulLLMNode can call.
type Provider interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// RetryConfig bounds an exponential backoff retry loop:
// delay = min(base * 2^attempt, max).
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Retry calls op until it succeeds, op returns a non-retryable error, ctx
// is done during a backoff wait, or MaxRetries retries (1 + MaxRetries
// attempts) have been made.
func Retry(ctx context.Context, cfg RetryConfig, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == cfg.MaxRetries {
			return lastErr
		}
		delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt)))
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	return errtax.Classify(err).Retryable()
}

// openAICompatProvider is a thin adapter over go-openai's client, shared by
// the OpenRouter and GLM backends since both speak the OpenAI-compatible
// chat completion API against a different base URL.
type openAICompatProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
	retry        RetryConfig
}

func newOpenAICompatProvider(name, apiKey, baseURL, defaultModel string, retry RetryConfig) *openAICompatProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openAICompatProvider{
		client:       openai.NewClientWithConfig(cfg),
		name:         name,
		defaultModel: defaultModel,
		retry:        retry,
	}
}

func (p *openAICompatProvider) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var resp openai.ChatCompletionResponse
	err := Retry(ctx, p.retry, isRetryableErr, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    convertMessages(req.Messages),
			Tools:       convertTools(req.Tools),
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		})
		if callErr != nil {
			return wrapProviderError(p.name, model, callErr)
		}
		return nil
	})
	if err != nil {
		return ChatResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, errtax.New(errtax.API, p.name+": empty choices in response", nil)
	}

	choice := resp.Choices[0].Message
	msg := ChatMessage{Role: choice.Role, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	return ChatResponse{
		Message:          msg,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func convertMessages(msgs []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func convertTools(tools []ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func wrapProviderError(provider, model string, cause error) error {
	msg := strings.ToLower(cause.Error())
	errType := errtax.Classify(cause)
	return errtax.New(errType, provider+" ("+model+") request failed: "+msg, cause)
}

// NewOpenRouterProvider builds a Provider backed by OpenRouter's
// OpenAI-compatible API.
func NewOpenRouterProvider(apiKey, baseURL, defaultModel string, retry RetryConfig) Provider {
	return newOpenAICompatProvider("openrouter", apiKey, baseURL, defaultModel, retry)
}

// NewGLMProvider builds a Provider backed by Zhipu's GLM OpenAI-compatible
// endpoint, using the same adapter as OpenRouter since both speak the
// OpenAI chat completion wire format.
func NewGLMProvider(apiKey, baseURL, defaultModel string, retry RetryConfig) Provider {
	return newOpenAICompatProvider("glm", apiKey, baseURL, defaultModel, retry)
}
