package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kindredco/kindred/pkg/models"
)

// OpenAIProvider implements LLMProvider against OpenAI's chat completions
// API.
//
// Differences from the Anthropic provider worth knowing:
//   - The system prompt rides in the messages array, not a parameter.
//   - Tool calls stream incrementally; id, name, and argument fragments
//     arrive in separate chunks keyed by index and must be accumulated.
//   - Tool results become separate messages with role "tool".
//   - JSON mode is a first-class response_format option.
//
// Safe for concurrent use; each Complete call owns an independent stream.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider. Only APIKey is required.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the default API base URL, mainly for tests.
	BaseURL string

	// MaxRetries caps retry attempts for transient failures. Default 3.
	MaxRetries int

	// RetryDelay is the base delay, scaled linearly per attempt. Default 1s.
	RetryDelay time.Duration

	// DefaultModel is used when the request does not name one.
	DefaultModel string
}

// NewOpenAIProvider validates the config, applies defaults, and builds the
// SDK client.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete sends a completion request and returns a streaming chunk channel.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	messages, err := p.convertMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if req.TopP > 0 {
		chatReq.TopP = req.TopP
	}
	if req.JSONResponse {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	// Linear backoff before the stream starts; nothing to retry once
	// tokens are flowing.
	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !IsRetryable(lastErr) {
			return nil, NewProviderError("openai", model, lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", NewProviderError("openai", model, lastErr))
	}

	chunks := make(chan *CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// processStream converts the OpenAI stream into chunks, accumulating tool
// call fragments by index until the finish reason reports them complete.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	var toolOrder []int
	var inputTokens, outputTokens int

	flushToolCalls := func() {
		for _, index := range toolOrder {
			tc := toolCalls[index]
			if tc != nil && tc.ID != "" && tc.Name != "" {
				chunks <- &CompletionChunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
		toolOrder = nil
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				chunks <- &CompletionChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &CompletionChunk{Error: NewProviderError("openai", "", err), Done: true}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
				toolOrder = append(toolOrder, index)
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Arguments = append(toolCalls[index].Arguments, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
		}
	}
}

// convertMessages translates internal messages into OpenAI chat messages.
// Each tool result becomes its own message with role "tool".
func (p *OpenAIProvider) convertMessages(messages []CompletionMessage, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if len(msg.ToolResults) > 0 && msg.Role != "assistant" {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    string(tr.Result),
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}

		result = append(result, oaiMsg)
	}

	return result, nil
}

func (p *OpenAIProvider) convertTools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			// A bad schema on one tool should not break the rest.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
