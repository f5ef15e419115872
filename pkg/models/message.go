// Package models provides domain types for the Kindred platform.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Conversation represents a chat thread owned by one user within one tenant.
// UpdatedAt is the sole ordering key for conversation lists and is bumped
// after every completed turn.
type Conversation struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`

	// Title is derived once from the first user message (truncated), then
	// opportunistically replaced by a short model-generated title.
	Title string `json:"title,omitempty"`

	// AgentID binds the conversation to an agent persona (optional).
	AgentID string `json:"agent_id,omitempty"`

	// Model is the model identifier used for turns in this conversation.
	Model string `json:"model"`

	// Metadata is a free-form map; the "archived" flag lives here.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Archived reports the metadata archived flag.
func (c *Conversation) Archived() bool {
	if c.Metadata == nil {
		return false
	}
	v, _ := c.Metadata["archived"].(bool)
	return v
}

// Message is one persisted turn half (user or assistant) in a conversation.
// TenantID is duplicated from the conversation for direct filtering.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id"`

	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls and ToolResults are present on assistant messages whose turn
	// triggered artifact generation.
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// Usage carries the provider's final token accounting for the turn.
	Usage *Usage `json:"usage,omitempty"`

	// ParentMessageID enables alternate-branch conversation trees: a sibling
	// set sharing a parent represents alternative continuations.
	ParentMessageID string `json:"parent_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the output of a tool execution. For artifact tools
// the Result payload is the materialized artifact object.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Result     json.RawMessage `json:"result"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Usage is the provider's token accounting for one completed turn.
type Usage struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Agent represents a configured assistant persona. Read-only from the
// orchestrator's perspective.
type Agent struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	// Instructions is the system prompt body.
	Instructions string `json:"instructions"`

	// ArtifactInstructions, when present, licenses the artifact-creation
	// tool for this agent's turns and is appended verbatim to the prompt.
	ArtifactInstructions string `json:"artifact_instructions,omitempty"`

	// KnowledgeBaseID binds the agent to a retrieval corpus (optional).
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`

	Model    string `json:"model"`
	Provider string `json:"provider"`

	// Parameter defaults.
	Temperature float32 `json:"temperature,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
