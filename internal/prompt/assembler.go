// Package prompt assembles the system prompt for a turn from agent
// instructions, retrieved knowledge, and stored user memories.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/kindredco/kindred/internal/observability"
	"github.com/kindredco/kindred/internal/retrieval"
	"github.com/kindredco/kindred/internal/store"
	"github.com/kindredco/kindred/pkg/models"
)

// defaultInstructions is the fallback persona when no agent is bound.
const defaultInstructions = "You are a helpful assistant for a coaching community platform. " +
	"Answer clearly and concisely, and ask a clarifying question when the request is ambiguous."

// Context is the assembled prompt plus the flags the orchestrator needs to
// decide tool exposure.
type Context struct {
	System string

	// Agent is the resolved persona, nil when none is bound.
	Agent *models.Agent

	// ArtifactsEnabled is true when the agent carries artifact
	// instructions; only then is the artifact tool offered this turn.
	ArtifactsEnabled bool

	HasKnowledge bool
	HasMemories  bool
}

// Input scopes one assembly call.
type Input struct {
	AgentID   string
	UserID    string
	TenantID  string
	Utterance string
}

// Config bounds the knowledge-base section.
type Config struct {
	RetrievalLimit int
	MinScore       float32
}

// Assembler builds system prompts. Retrieval and memory loads are
// advisory: their failures degrade the prompt, never the turn.
type Assembler struct {
	agents   store.AgentStore
	memories store.MemoryStore
	searcher retrieval.Searcher
	logger   *observability.Logger
	cfg      Config
}

// NewAssembler wires an assembler. searcher may be nil when no retrieval
// backend is configured.
func NewAssembler(agents store.AgentStore, memories store.MemoryStore, searcher retrieval.Searcher, logger *observability.Logger, cfg Config) *Assembler {
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = 5
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.7
	}
	return &Assembler{
		agents:   agents,
		memories: memories,
		searcher: searcher,
		logger:   logger,
		cfg:      cfg,
	}
}

// Assemble builds the system prompt for one turn.
//
// Section order is deliberate: base instructions, artifact instructions,
// knowledge block, memory block. Later sections are the first to go if a
// context budget ever truncates, and the persona must survive.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Context, error) {
	result := &Context{}
	var sections []string

	instructions := defaultInstructions
	if in.AgentID != "" {
		agent, err := a.agents.Get(ctx, in.AgentID, in.TenantID)
		if err != nil {
			return nil, fmt.Errorf("load agent: %w", err)
		}
		result.Agent = agent
		if agent.Instructions != "" {
			instructions = agent.Instructions
		}
	}
	sections = append(sections, instructions)

	if result.Agent != nil && result.Agent.ArtifactInstructions != "" {
		sections = append(sections, result.Agent.ArtifactInstructions)
		result.ArtifactsEnabled = true
	}

	if kb := a.knowledgeSection(ctx, result.Agent, in); kb != "" {
		sections = append(sections, kb)
		result.HasKnowledge = true
	}

	if mem := a.memorySection(ctx, in); mem != "" {
		sections = append(sections, mem)
		result.HasMemories = true
	}

	result.System = strings.Join(sections, "\n\n")
	return result, nil
}

// knowledgeSection runs one retrieval call and formats the hits as numbered
// snippets. Any failure or empty result omits the section.
func (a *Assembler) knowledgeSection(ctx context.Context, agent *models.Agent, in Input) string {
	if a.searcher == nil || agent == nil || agent.KnowledgeBaseID == "" || in.Utterance == "" {
		return ""
	}

	snippets, err := a.searcher.Search(ctx, retrieval.Query{
		KnowledgeBaseID: agent.KnowledgeBaseID,
		TenantID:        in.TenantID,
		Text:            in.Utterance,
		Limit:           a.cfg.RetrievalLimit,
		MinScore:        a.cfg.MinScore,
	})
	if err != nil {
		a.logger.Warn(ctx, "knowledge retrieval failed, omitting section", "error", err)
		return ""
	}
	if len(snippets) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Relevant knowledge base excerpts:\n")
	for i, sn := range snippets {
		sb.WriteString(fmt.Sprintf("\n[%d]", i+1))
		if sn.Source != "" {
			sb.WriteString(" (" + sn.Source + ")")
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(sn.Content))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// memorySection renders the user's full memory set grouped by category in
// the fixed category order. Failures omit the section.
func (a *Assembler) memorySection(ctx context.Context, in Input) string {
	memories, err := a.memories.ListByUser(ctx, in.UserID, in.TenantID)
	if err != nil {
		a.logger.Warn(ctx, "memory load failed, omitting section", "error", err)
		return ""
	}
	if len(memories) == 0 {
		return ""
	}

	byCategory := map[models.MemoryCategory][]*models.Memory{}
	for _, mem := range memories {
		byCategory[mem.Category] = append(byCategory[mem.Category], mem)
	}

	var sb strings.Builder
	sb.WriteString("What you know about this user:\n")
	for _, category := range models.MemoryCategories {
		group := byCategory[category]
		if len(group) == 0 {
			continue
		}
		sb.WriteString("\n" + categoryLabel(category) + ":\n")
		for _, mem := range group {
			sb.WriteString("- " + mem.Key + ": " + mem.Value + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func categoryLabel(c models.MemoryCategory) string {
	switch c {
	case models.CategoryBusinessInfo:
		return "Business"
	case models.CategoryTargetAudience:
		return "Target audience"
	case models.CategoryOffers:
		return "Offers"
	case models.CategoryCurrentProjects:
		return "Current projects"
	case models.CategoryChallenges:
		return "Challenges"
	case models.CategoryGoals:
		return "Goals"
	case models.CategoryPersonalInfo:
		return "Personal"
	default:
		return string(c)
	}
}
