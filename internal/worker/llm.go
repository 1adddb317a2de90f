package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/agentrelay/internal/retry"
)

// LLMOptions configures the langchain-backed worker
type LLMOptions struct {
	Provider    string  `json:"provider"` // "anthropic" or "openai"
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// LLMWorker implements Worker over a langchain model. Session continuity is
// emulated: the full history travels with every invocation, and the session
// handle is an opaque identifier carried across turns.
type LLMWorker struct {
	llm         llms.Model
	options     LLMOptions
	retryConfig retry.RetryConfig
}

// NewLLMWorker creates a worker for the configured provider
func NewLLMWorker(options LLMOptions) (*LLMWorker, error) {
	var model llms.Model
	var err error

	log.Debug().
		Str("provider", options.Provider).
		Str("model", options.Model).
		Msg("Creating LLM worker")

	switch options.Provider {
	case "anthropic":
		model, err = anthropic.New(
			anthropic.WithToken(options.APIKey),
			anthropic.WithModel(options.Model),
		)
	case "openai":
		model, err = openai.New(
			openai.WithToken(options.APIKey),
			openai.WithModel(options.Model),
		)
	default:
		return nil, fmt.Errorf("unsupported worker provider: %s", options.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	return &LLMWorker{
		llm:         model,
		options:     options,
		retryConfig: retry.WorkerRetryConfig(),
	}, nil
}

// Invoke runs one worker turn with retry on transient provider failures
func (w *LLMWorker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	content := make([]llms.MessageContent, 0, len(inv.Messages))
	for _, msg := range inv.Messages {
		content = append(content, llms.TextParts(chatType(msg.Role), msg.Content))
	}

	opts := []llms.CallOption{
		llms.WithTemperature(w.options.Temperature),
	}
	if w.options.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(w.options.MaxTokens))
	}
	if inv.OnEvent != nil {
		onEvent := inv.OnEvent
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			onEvent(StreamEvent{Type: StreamTextChunk, Text: string(chunk)})
			return nil
		}))
	}

	var response *llms.ContentResponse
	result := retry.RetryWithBackoff(ctx, w.retryConfig, func() error {
		var err error
		response, err = w.llm.GenerateContent(ctx, content, opts...)
		return err
	})
	if !result.Success {
		return nil, fmt.Errorf("worker invocation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("worker returned no choices")
	}

	choice := response.Choices[0]
	out := &Result{
		Text:      choice.Content,
		SessionID: inv.SessionID,
	}
	if out.SessionID == "" {
		out.SessionID = uuid.NewString()
	}
	for _, tc := range choice.ToolCalls {
		call := ToolCall{Name: tc.FunctionCall.Name, Input: tc.FunctionCall.Arguments}
		out.ToolCalls = append(out.ToolCalls, call)
		if inv.OnEvent != nil {
			inv.OnEvent(StreamEvent{Type: StreamToolUse, Tool: call.Name})
		}
	}
	// openai reports PromptTokens/CompletionTokens, anthropic
	// InputTokens/OutputTokens
	out.Usage.InputTokens = usageTokens(choice.GenerationInfo, "InputTokens", "PromptTokens")
	out.Usage.OutputTokens = usageTokens(choice.GenerationInfo, "OutputTokens", "CompletionTokens")

	if inv.OnEvent != nil {
		inv.OnEvent(StreamEvent{Type: StreamAgentDone})
	}
	return out, nil
}

// usageTokens reads a token count under whichever key the provider uses
func usageTokens(info map[string]any, keys ...string) int {
	for _, key := range keys {
		if v, ok := info[key].(int); ok {
			return v
		}
	}
	return 0
}

func chatType(role Role) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
