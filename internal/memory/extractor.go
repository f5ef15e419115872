// Package memory implements the post-turn extraction pass that distills
// durable user facts from recent conversation messages.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kindredco/kindred/internal/observability"
	"github.com/kindredco/kindred/internal/provider"
	"github.com/kindredco/kindred/internal/store"
	"github.com/kindredco/kindred/pkg/models"
)

// Config tunes the extraction pass.
type Config struct {
	// MinMessages is the conversation size threshold. Extraction never
	// runs below it. Defaults to 3.
	MinMessages int

	// Window is how many recent messages feed the prompt. Defaults to 10.
	Window int

	// Model runs the extraction call.
	Model string

	// Provider optionally pins a provider name; empty routes by model.
	Provider string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MinMessages <= 0 {
		out.MinMessages = 3
	}
	if out.Window <= 0 {
		out.Window = 10
	}
	return out
}

// Extractor runs after completed turns, on a context detached from the
// originating request. Every failure is logged and swallowed; the
// persisted turn is never affected.
type Extractor struct {
	messages store.MessageStore
	memories store.MemoryStore
	registry *provider.Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
	cfg      Config
}

// NewExtractor wires an extractor.
func NewExtractor(messages store.MessageStore, memories store.MemoryStore, registry *provider.Registry, logger *observability.Logger, metrics *observability.Metrics, cfg Config) *Extractor {
	return &Extractor{
		messages: messages,
		memories: memories,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
	}
}

var extractionSchema = jsonschema.MustCompileString("extraction.json", `{
	"type": "object",
	"properties": {
		"memories": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"category": {"type": "string"},
					"key": {"type": "string", "minLength": 1},
					"value": {"type": "string", "minLength": 1}
				},
				"required": ["category", "key", "value"]
			}
		}
	},
	"required": ["memories"]
}`)

type extractionResult struct {
	Memories []extractedFact `json:"memories"`
}

type extractedFact struct {
	Category models.MemoryCategory `json:"category"`
	Key      string                `json:"key"`
	Value    string                `json:"value"`
}

// ExtractFromConversation runs one extraction pass for the conversation.
func (e *Extractor) ExtractFromConversation(ctx context.Context, conversationID, tenantID, userID string) {
	count, err := e.messages.Count(ctx, conversationID, tenantID)
	if err != nil {
		e.fail(ctx, "counting messages", err)
		return
	}
	if count < e.cfg.MinMessages {
		e.metrics.ExtractionCounter.WithLabelValues("skipped").Inc()
		return
	}

	msgs, err := e.messages.List(ctx, conversationID, tenantID, 0)
	if err != nil {
		e.fail(ctx, "listing messages", err)
		return
	}
	if len(msgs) > e.cfg.Window {
		msgs = msgs[len(msgs)-e.cfg.Window:]
	}

	facts, err := e.extract(ctx, msgs)
	if err != nil {
		e.fail(ctx, "model extraction", err)
		return
	}

	written := 0
	for _, fact := range facts {
		if !models.ValidCategory(fact.Category) {
			e.logger.Debug(ctx, "extraction produced unknown category", "category", string(fact.Category))
			continue
		}
		if strings.TrimSpace(fact.Key) == "" || strings.TrimSpace(fact.Value) == "" {
			continue
		}
		op, err := e.memories.Upsert(ctx, &models.Memory{
			UserID:   userID,
			TenantID: tenantID,
			Category: fact.Category,
			Key:      strings.TrimSpace(fact.Key),
			Value:    strings.TrimSpace(fact.Value),
			Source:   models.SourceAuto,
		})
		if err != nil {
			e.logger.Warn(ctx, "memory upsert failed", "category", string(fact.Category), "key", fact.Key, "error", err)
			continue
		}
		e.metrics.MemoriesUpserted.WithLabelValues(string(fact.Category), op).Inc()
		if op != "noop" {
			written++
		}
	}

	e.metrics.ExtractionCounter.WithLabelValues("ok").Inc()
	e.logger.Info(ctx, "memory extraction finished", "candidates", len(facts), "written", written)
}

func (e *Extractor) fail(ctx context.Context, stage string, err error) {
	e.logger.Warn(ctx, "memory extraction failed", "stage", stage, "error", err)
	e.metrics.ExtractionCounter.WithLabelValues("error").Inc()
}

const extractionSystemPrompt = `You extract durable facts about the user from a coaching conversation.

Return a JSON object: {"memories": [{"category": string, "key": string, "value": string}]}.
Valid categories: %s.
Only include facts the user stated about themselves or their business. Use short snake_case keys. Return {"memories": []} when nothing qualifies.`

// extract issues one JSON-mode completion and validates the result shape.
func (e *Extractor) extract(ctx context.Context, msgs []*models.Message) ([]extractedFact, error) {
	prov, err := e.registry.ForModel(e.cfg.Provider, e.cfg.Model)
	if err != nil {
		return nil, err
	}

	categories := make([]string, len(models.MemoryCategories))
	for i, c := range models.MemoryCategories {
		categories[i] = string(c)
	}

	req := &provider.CompletionRequest{
		Model:        e.cfg.Model,
		System:       fmt.Sprintf(extractionSystemPrompt, strings.Join(categories, ", ")),
		Messages:     []provider.CompletionMessage{{Role: "user", Content: renderTranscript(msgs)}},
		MaxTokens:    1024,
		JSONResponse: true,
	}

	chunks, err := prov.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var raw strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		raw.WriteString(chunk.Text)
	}

	var generic any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw.String())), &generic); err != nil {
		return nil, fmt.Errorf("decode extraction result: %w", err)
	}
	if err := extractionSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("extraction result failed validation: %w", err)
	}

	var result extractionResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw.String())), &result); err != nil {
		return nil, err
	}
	return result.Memories, nil
}

// renderTranscript flattens messages into the prompt transcript. Tool
// machinery is omitted; only spoken turns matter for fact extraction.
func renderTranscript(msgs []*models.Message) string {
	var sb strings.Builder
	sb.WriteString("Conversation transcript:\n\n")
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			sb.WriteString("User: ")
		case models.RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
