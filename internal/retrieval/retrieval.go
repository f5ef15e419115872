// Package retrieval performs semantic search over knowledge base corpora.
//
// Retrieval is advisory from the orchestrator's point of view: a failed or
// empty search degrades to a prompt without a knowledge section, never to a
// failed turn.
package retrieval

import "context"

// Snippet is one retrieved chunk with its similarity score.
type Snippet struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source,omitempty"`
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
}

// Query scopes a semantic search.
type Query struct {
	KnowledgeBaseID string
	TenantID        string
	Text            string

	// Limit caps returned snippets. Zero means the searcher default.
	Limit int

	// MinScore drops snippets below this cosine similarity.
	MinScore float32
}

// Searcher retrieves relevant snippets for a query.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Snippet, error)
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
