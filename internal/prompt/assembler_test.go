package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kindredco/kindred/internal/observability"
	"github.com/kindredco/kindred/internal/retrieval"
	"github.com/kindredco/kindred/internal/store"
	"github.com/kindredco/kindred/pkg/models"
)

type failingSearcher struct{}

func (f *failingSearcher) Search(ctx context.Context, q retrieval.Query) ([]retrieval.Snippet, error) {
	return nil, errors.New("vector index offline")
}

type fixedSearcher struct{ snippets []retrieval.Snippet }

func (f *fixedSearcher) Search(ctx context.Context, q retrieval.Query) ([]retrieval.Snippet, error) {
	return f.snippets, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func seedStores(t *testing.T, agent *models.Agent, memories []*models.Memory) *store.Stores {
	t.Helper()
	stores, backend := store.NewMemoryStores()
	if agent != nil {
		backend.SeedAgent(agent)
	}
	for _, mem := range memories {
		if _, err := stores.Memories.Upsert(context.Background(), mem); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	return stores
}

func TestAssembleSectionOrder(t *testing.T) {
	agent := &models.Agent{
		ID:                   "agent-1",
		TenantID:             "t1",
		Instructions:         "You are Coach Dana.",
		ArtifactInstructions: "When asked for documents, create artifacts.",
		KnowledgeBaseID:      "kb-1",
	}
	stores := seedStores(t, agent, []*models.Memory{
		{UserID: "u1", TenantID: "t1", Category: models.CategoryGoals, Key: "revenue", Value: "50k MRR", Source: models.SourceManual},
	})

	searcher := &fixedSearcher{snippets: []retrieval.Snippet{
		{ID: "c1", Content: "Launch in cohorts of 20.", Source: "playbook.md", Score: 0.9},
	}}
	a := NewAssembler(stores.Agents, stores.Memories, searcher, testLogger(), Config{})

	got, err := a.Assemble(context.Background(), Input{
		AgentID: "agent-1", UserID: "u1", TenantID: "t1", Utterance: "how do I launch?",
	})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if !got.ArtifactsEnabled {
		t.Error("ArtifactsEnabled = false, want true")
	}
	if !got.HasKnowledge || !got.HasMemories {
		t.Errorf("flags = (%v, %v), want both true", got.HasKnowledge, got.HasMemories)
	}

	// Base instructions come first, then artifacts, knowledge, memories.
	idxPersona := strings.Index(got.System, "Coach Dana")
	idxArtifact := strings.Index(got.System, "create artifacts")
	idxKnowledge := strings.Index(got.System, "Launch in cohorts")
	idxMemory := strings.Index(got.System, "revenue: 50k MRR")
	for name, idx := range map[string]int{"persona": idxPersona, "artifact": idxArtifact, "knowledge": idxKnowledge, "memory": idxMemory} {
		if idx < 0 {
			t.Fatalf("section %s missing from prompt:\n%s", name, got.System)
		}
	}
	if !(idxPersona < idxArtifact && idxArtifact < idxKnowledge && idxKnowledge < idxMemory) {
		t.Errorf("section order wrong: persona=%d artifact=%d knowledge=%d memory=%d",
			idxPersona, idxArtifact, idxKnowledge, idxMemory)
	}
}

func TestAssembleNoAgentFallsBack(t *testing.T) {
	stores := seedStores(t, nil, nil)
	a := NewAssembler(stores.Agents, stores.Memories, nil, testLogger(), Config{})

	got, err := a.Assemble(context.Background(), Input{UserID: "u1", TenantID: "t1", Utterance: "hi"})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if got.ArtifactsEnabled {
		t.Error("ArtifactsEnabled = true without an agent, want false")
	}
	if !strings.Contains(got.System, "helpful assistant") {
		t.Errorf("fallback instructions missing:\n%s", got.System)
	}
}

func TestAssembleRetrievalFailureDegrades(t *testing.T) {
	agent := &models.Agent{ID: "agent-1", TenantID: "t1", Instructions: "Persona.", KnowledgeBaseID: "kb-1"}
	stores := seedStores(t, agent, nil)
	a := NewAssembler(stores.Agents, stores.Memories, &failingSearcher{}, testLogger(), Config{})

	got, err := a.Assemble(context.Background(), Input{AgentID: "agent-1", UserID: "u1", TenantID: "t1", Utterance: "q"})
	if err != nil {
		t.Fatalf("Assemble() error = %v, retrieval failure must not abort", err)
	}
	if got.HasKnowledge {
		t.Error("HasKnowledge = true after retrieval failure, want false")
	}
	if strings.Contains(got.System, "knowledge base") {
		t.Errorf("knowledge block present after failure:\n%s", got.System)
	}
}

func TestAssembleMemoryOrderFixed(t *testing.T) {
	stores := seedStores(t, nil, []*models.Memory{
		{UserID: "u1", TenantID: "t1", Category: models.CategoryPersonalInfo, Key: "name", Value: "Sam", Source: models.SourceManual},
		{UserID: "u1", TenantID: "t1", Category: models.CategoryBusinessInfo, Key: "company", Value: "Acme Coaching", Source: models.SourceManual},
	})
	a := NewAssembler(stores.Agents, stores.Memories, nil, testLogger(), Config{})

	got, err := a.Assemble(context.Background(), Input{UserID: "u1", TenantID: "t1", Utterance: "hi"})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	// business_info renders before personal_info regardless of insert order.
	if bi, pi := strings.Index(got.System, "Acme Coaching"), strings.Index(got.System, "Sam"); !(bi >= 0 && pi >= 0 && bi < pi) {
		t.Errorf("category order wrong: business=%d personal=%d\n%s", bi, pi, got.System)
	}
}
