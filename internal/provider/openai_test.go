package provider

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kindredco/kindred/pkg/models"
)

func TestOpenAIConvertMessages(t *testing.T) {
	p := &OpenAIProvider{}

	tests := []struct {
		name     string
		messages []CompletionMessage
		system   string
		wantLen  int
	}{
		{
			name: "basic text messages",
			messages: []CompletionMessage{
				{Role: "user", Content: "Hello"},
				{Role: "assistant", Content: "Hi there!"},
			},
			system:  "You are a business coach",
			wantLen: 3,
		},
		{
			name: "assistant with tool calls",
			messages: []CompletionMessage{
				{Role: "user", Content: "Draft a launch plan"},
				{
					Role: "assistant",
					ToolCalls: []models.ToolCall{
						{ID: "call_1", Name: "create_artifact", Arguments: json.RawMessage(`{"title":"Plan"}`)},
					},
				},
			},
			wantLen: 2,
		},
		{
			name: "tool results expand to one message each",
			messages: []CompletionMessage{
				{
					Role: "tool",
					ToolResults: []models.ToolResult{
						{ToolCallID: "call_1", Result: json.RawMessage(`{"ok":true}`)},
						{ToolCallID: "call_2", Result: json.RawMessage(`{"ok":true}`)},
					},
				},
			},
			wantLen: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.convertMessages(tt.messages, tt.system)
			if err != nil {
				t.Fatalf("convertMessages() error = %v", err)
			}
			if len(got) != tt.wantLen {
				t.Errorf("convertMessages() returned %d messages, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestOpenAIConvertMessagesToolResultRole(t *testing.T) {
	p := &OpenAIProvider{}

	got, err := p.convertMessages([]CompletionMessage{
		{
			Role: "tool",
			ToolResults: []models.ToolResult{
				{ToolCallID: "call_1", Result: json.RawMessage(`{"id":"art-1"}`)},
			},
		},
	}, "")
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}
	if got[0].Role != openai.ChatMessageRoleTool {
		t.Errorf("role = %q, want tool", got[0].Role)
	}
	if got[0].ToolCallID != "call_1" {
		t.Errorf("tool call id = %q, want call_1", got[0].ToolCallID)
	}
}

func TestOpenAIConvertToolsBadSchema(t *testing.T) {
	p := &OpenAIProvider{}

	tools := p.convertTools([]ToolDef{
		{Name: "good", Description: "ok", Schema: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad", Description: "broken", Schema: json.RawMessage(`{not json`)},
	})
	if len(tools) != 2 {
		t.Fatalf("convertTools() returned %d tools, want 2", len(tools))
	}
	// The broken schema degrades to an empty object schema.
	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("parameters type = %T, want map", tools[1].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("fallback schema type = %v, want object", params["type"])
	}
}

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("NewOpenAIProvider() with empty key, want error")
	}
}
