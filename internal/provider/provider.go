// Package provider implements LLM provider integrations for the turn
// orchestrator.
//
// Each provider adapts one vendor API to a common streaming contract:
// Complete returns a channel of chunks carrying text deltas, accumulated
// tool calls, token usage, and a terminal Done or Error marker. Providers
// handle retries for transient failures and convert between the internal
// message format and the vendor wire format.
package provider

import (
	"context"
	"encoding/json"

	"github.com/kindredco/kindred/pkg/models"
)

// CompletionMessage is one turn of conversation history sent to a provider.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolDef describes a tool offered to the model. Schema is a JSON Schema
// object for the tool's arguments.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionRequest is a provider-agnostic completion request.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []CompletionMessage
	Tools    []ToolDef

	MaxTokens   int
	Temperature float32
	TopP        float32

	// JSONResponse constrains the model to emit a single JSON object.
	// Used by artifact sub-generation and memory extraction.
	JSONResponse bool
}

// CompletionChunk is one streamed unit of a completion response.
//
// Exactly one of Text, ToolCall, Done, or Error is meaningful per chunk.
// Token counts ride on the Done chunk.
type CompletionChunk struct {
	Text     string
	ToolCall *models.ToolCall
	Done     bool
	Error    error

	InputTokens  int
	OutputTokens int
}

// LLMProvider is the streaming completion contract.
//
// Complete returns immediately with a channel that delivers chunks as they
// arrive. The channel is closed after the terminal Done or Error chunk.
// Implementations must be safe for concurrent use; each call owns an
// independent stream.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}
