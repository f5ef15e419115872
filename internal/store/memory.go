package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kindredco/kindred/pkg/models"
)

// MemoryBackend holds all in-memory state for tests and local runs without
// a database. The exported stores are thin views sharing one lock.
type MemoryBackend struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // keyed by conversation id
	memories      map[string]*models.Memory
	agents        map[string]*models.Agent
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		conversations: map[string]*models.Conversation{},
		messages:      map[string][]*models.Message{},
		memories:      map[string]*models.Memory{},
		agents:        map[string]*models.Agent{},
	}
}

// NewMemoryStores wraps a fresh backend in a Stores set.
func NewMemoryStores() (*Stores, *MemoryBackend) {
	b := NewMemoryBackend()
	return &Stores{
		Conversations: &memConversations{b},
		Messages:      &memMessages{b},
		Memories:      &memMemories{b},
		Agents:        &memAgents{b},
	}, b
}

// SeedAgent installs an agent persona.
func (b *MemoryBackend) SeedAgent(agent *models.Agent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *agent
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	b.agents[clone.ID] = &clone
}

type memConversations struct{ b *MemoryBackend }

func (s *memConversations) Create(ctx context.Context, conv *models.Conversation) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	clone := cloneConversation(conv)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = clone.CreatedAt

	// Reflect generated fields back to the caller.
	conv.ID = clone.ID
	conv.CreatedAt = clone.CreatedAt
	conv.UpdatedAt = clone.UpdatedAt

	s.b.conversations[clone.ID] = clone
	return nil
}

func (s *memConversations) Get(ctx context.Context, id, tenantID string) (*models.Conversation, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()

	conv, ok := s.b.conversations[id]
	if !ok || conv.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *memConversations) List(ctx context.Context, tenantID, userID string, opts ListOptions) ([]*models.Conversation, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()

	var result []*models.Conversation
	for _, conv := range s.b.conversations {
		if conv.TenantID != tenantID || conv.UserID != userID {
			continue
		}
		if !opts.IncludeArchived && conv.Archived() {
			continue
		}
		result = append(result, cloneConversation(conv))
	}

	// UpdatedAt is the sole ordering key; break ties by id for stability.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (s *memConversations) SetTitle(ctx context.Context, id, tenantID, title string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	conv, ok := s.b.conversations[id]
	if !ok || conv.TenantID != tenantID {
		return ErrNotFound
	}
	conv.Title = title
	return nil
}

func (s *memConversations) SetArchived(ctx context.Context, id, tenantID string, archived bool) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	conv, ok := s.b.conversations[id]
	if !ok || conv.TenantID != tenantID {
		return ErrNotFound
	}
	if conv.Metadata == nil {
		conv.Metadata = map[string]any{}
	}
	conv.Metadata["archived"] = archived
	return nil
}

func (s *memConversations) Touch(ctx context.Context, id, tenantID string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	conv, ok := s.b.conversations[id]
	if !ok || conv.TenantID != tenantID {
		return ErrNotFound
	}
	now := time.Now()
	if !now.After(conv.UpdatedAt) {
		// Clock granularity can land consecutive turns on the same
		// instant; ordering requires strict increase.
		now = conv.UpdatedAt.Add(time.Nanosecond)
	}
	conv.UpdatedAt = now
	return nil
}

func (s *memConversations) ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]*models.Conversation, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()

	var result []*models.Conversation
	for _, conv := range s.b.conversations {
		if conv.Archived() || !conv.UpdatedAt.Before(cutoff) {
			continue
		}
		result = append(result, cloneConversation(conv))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

type memMessages struct{ b *MemoryBackend }

func (s *memMessages) Append(ctx context.Context, msg *models.Message) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt

	s.b.messages[clone.ConversationID] = append(s.b.messages[clone.ConversationID], clone)
	return nil
}

func (s *memMessages) Get(ctx context.Context, id, tenantID string) (*models.Message, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()

	for _, msgs := range s.b.messages {
		for _, m := range msgs {
			if m.ID == id && m.TenantID == tenantID {
				return cloneMessage(m), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *memMessages) List(ctx context.Context, conversationID, tenantID string, limit int) ([]*models.Message, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()

	var result []*models.Message
	for _, m := range s.b.messages[conversationID] {
		if m.TenantID != tenantID {
			continue
		}
		result = append(result, cloneMessage(m))
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *memMessages) Count(ctx context.Context, conversationID, tenantID string) (int, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()

	count := 0
	for _, m := range s.b.messages[conversationID] {
		if m.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

func (s *memMessages) UpdateArtifactContent(ctx context.Context, conversationID, messageID, tenantID, toolCallID, content string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	for _, m := range s.b.messages[conversationID] {
		if m.ID != messageID || m.TenantID != tenantID {
			continue
		}
		for i := range m.ToolResults {
			if m.ToolResults[i].ToolCallID != toolCallID {
				continue
			}
			updated, err := replaceArtifactContent(m.ToolResults[i].Result, content)
			if err != nil {
				return err
			}
			m.ToolResults[i].Result = updated
			return nil
		}
		return ErrNotFound
	}
	return ErrNotFound
}

type memMemories struct{ b *MemoryBackend }

func (s *memMemories) ListByUser(ctx context.Context, userID, tenantID string) ([]*models.Memory, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()

	var result []*models.Memory
	for _, mem := range s.b.memories {
		if mem.UserID == userID && mem.TenantID == tenantID {
			clone := *mem
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Category != result[j].Category {
			return result[i].Category < result[j].Category
		}
		return result[i].Key < result[j].Key
	})
	return result, nil
}

func (s *memMemories) Find(ctx context.Context, userID, tenantID string, category models.MemoryCategory, key string) (*models.Memory, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()

	mem := s.findLocked(userID, tenantID, category, key)
	if mem == nil {
		return nil, ErrNotFound
	}
	clone := *mem
	return &clone, nil
}

func (s *memMemories) findLocked(userID, tenantID string, category models.MemoryCategory, key string) *models.Memory {
	for _, mem := range s.b.memories {
		if mem.UserID == userID && mem.TenantID == tenantID && mem.Category == category && mem.Key == key {
			return mem
		}
	}
	return nil
}

func (s *memMemories) Upsert(ctx context.Context, mem *models.Memory) (string, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	existing := s.findLocked(mem.UserID, mem.TenantID, mem.Category, mem.Key)
	if existing != nil {
		if existing.Value == mem.Value {
			return "noop", nil
		}
		existing.Value = mem.Value
		existing.Source = mem.Source
		existing.UpdatedAt = time.Now()
		mem.ID = existing.ID
		return "update", nil
	}

	clone := *mem
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	now := time.Now()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	mem.ID = clone.ID
	s.b.memories[clone.ID] = &clone
	return "insert", nil
}

func (s *memMemories) Delete(ctx context.Context, id, tenantID string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	mem, ok := s.b.memories[id]
	if !ok || mem.TenantID != tenantID {
		return ErrNotFound
	}
	delete(s.b.memories, id)
	return nil
}

type memAgents struct{ b *MemoryBackend }

func (s *memAgents) Get(ctx context.Context, id, tenantID string) (*models.Agent, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()

	agent, ok := s.b.agents[id]
	if !ok || agent.TenantID != tenantID {
		return nil, ErrNotFound
	}
	clone := *agent
	return &clone, nil
}

// replaceArtifactContent rewrites only the content field of an artifact
// result payload.
func replaceArtifactContent(raw json.RawMessage, content string) (json.RawMessage, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	payload["content"] = content
	return json.Marshal(payload)
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	clone := *c
	if c.Metadata != nil {
		clone.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneMessage(m *models.Message) *models.Message {
	clone := *m
	clone.ToolCalls = append([]models.ToolCall(nil), m.ToolCalls...)
	clone.ToolResults = append([]models.ToolResult(nil), m.ToolResults...)
	if m.Usage != nil {
		u := *m.Usage
		clone.Usage = &u
	}
	return &clone
}
