package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// PgVectorSearcher implements Searcher over a pgvector chunk table.
//
// The searcher embeds the query text and ranks chunks by cosine similarity
// using the <=> operator. It can share the connection pool with the main
// store.
type PgVectorSearcher struct {
	db       *sql.DB
	embedder Embedder
}

// NewPgVectorSearcher creates a searcher over an existing connection.
func NewPgVectorSearcher(db *sql.DB, embedder Embedder) (*PgVectorSearcher, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &PgVectorSearcher{db: db, embedder: embedder}, nil
}

// Search embeds the query and returns the closest chunks above MinScore.
func (s *PgVectorSearcher) Search(ctx context.Context, q Query) ([]Snippet, error) {
	if q.KnowledgeBaseID == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	embedding, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.source, c.content,
			1 - (c.embedding <=> $1::vector) as similarity
		FROM kb_chunks c
		WHERE c.knowledge_base_id = $2 AND c.tenant_id = $3
		  AND c.embedding IS NOT NULL
		  AND (1 - (c.embedding <=> $1::vector)) >= $4
		ORDER BY c.embedding <=> $1::vector ASC
		LIMIT $5`,
		encodeEmbedding(embedding), q.KnowledgeBaseID, q.TenantID, q.MinScore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var (
			sn     Snippet
			source sql.NullString
			score  float64
		)
		if err := rows.Scan(&sn.ID, &sn.DocumentID, &source, &sn.Content, &score); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		sn.Source = source.String
		sn.Score = float32(score)
		snippets = append(snippets, sn)
	}
	return snippets, rows.Err()
}

// encodeEmbedding renders a vector in pgvector's text format.
func encodeEmbedding(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}
