// Package store persists conversations, messages, memories, and agents.
// Every read/write path filters by tenant id: cross-tenant visibility is a
// correctness violation, not just a policy one.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kindredco/kindred/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist for the given
	// tenant. Lookups with the wrong tenant id are indistinguishable from
	// missing rows.
	ErrNotFound = errors.New("not found")
)

// TitleMaxLen bounds the synchronous fallback title derived from the first
// user utterance.
const TitleMaxLen = 100

// ConversationStore persists conversation threads.
type ConversationStore interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id, tenantID string) (*models.Conversation, error)
	List(ctx context.Context, tenantID, userID string, opts ListOptions) ([]*models.Conversation, error)
	SetTitle(ctx context.Context, id, tenantID, title string) error
	SetArchived(ctx context.Context, id, tenantID string, archived bool) error

	// Touch bumps the ordering timestamp after the assistant message is
	// recorded. UpdatedAt must strictly increase across calls.
	Touch(ctx context.Context, id, tenantID string) error

	// ListIdle returns conversations (across tenants, system maintenance
	// path) not updated since cutoff and not already archived.
	ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]*models.Conversation, error)
}

// ListOptions configures conversation listing.
type ListOptions struct {
	IncludeArchived bool
	Limit           int
	Offset          int
}

// MessageStore persists turn messages.
type MessageStore interface {
	Append(ctx context.Context, msg *models.Message) error
	Get(ctx context.Context, id, tenantID string) (*models.Message, error)
	List(ctx context.Context, conversationID, tenantID string, limit int) ([]*models.Message, error)
	Count(ctx context.Context, conversationID, tenantID string) (int, error)

	// UpdateArtifactContent replaces the content field inside the artifact
	// payload of the tool result matching toolCallID on the given message.
	// Returns ErrNotFound when the message or the matching tool result is
	// absent; the message is left unchanged in that case.
	UpdateArtifactContent(ctx context.Context, conversationID, messageID, tenantID, toolCallID, content string) error
}

// MemoryStore persists durable user facts. Uniqueness of
// (user, tenant, category, key) is logical, enforced by Upsert.
type MemoryStore interface {
	ListByUser(ctx context.Context, userID, tenantID string) ([]*models.Memory, error)
	Find(ctx context.Context, userID, tenantID string, category models.MemoryCategory, key string) (*models.Memory, error)

	// Upsert inserts the fact, or updates the value of an existing fact
	// with the same (user, tenant, category, key). Identical values are a
	// no-op. Returns the operation performed: "insert", "update", "noop".
	Upsert(ctx context.Context, mem *models.Memory) (string, error)

	Delete(ctx context.Context, id, tenantID string) error
}

// AgentStore reads agent personas. Read-only from the orchestrator's
// perspective.
type AgentStore interface {
	Get(ctx context.Context, id, tenantID string) (*models.Agent, error)
}

// Stores groups the storage dependencies handed to the orchestrator.
type Stores struct {
	Conversations ConversationStore
	Messages      MessageStore
	Memories      MemoryStore
	Agents        AgentStore

	closer func() error
}

// Close releases any underlying resources.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Thread walks the parent index from leaf to root and returns the branch
// in chronological order. Messages form an arena keyed by id; siblings
// sharing a parent are alternative continuations and only the selected
// leaf's ancestry is returned.
func Thread(messages []*models.Message, leafID string) []*models.Message {
	byID := make(map[string]*models.Message, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
	}

	var branch []*models.Message
	for id := leafID; id != ""; {
		m, ok := byID[id]
		if !ok {
			break
		}
		branch = append(branch, m)
		id = m.ParentMessageID
	}

	// Reverse into chronological order.
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch
}
