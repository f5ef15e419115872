package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

func (s *stubEmbedder) Dimension() int { return len(s.vec) }

func TestSearchReturnsScoredSnippets(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	searcher, err := NewPgVectorSearcher(db, &stubEmbedder{vec: []float32{0.1, 0.2}})
	if err != nil {
		t.Fatalf("NewPgVectorSearcher() error = %v", err)
	}

	mock.ExpectQuery(`SELECT c.id, c.document_id, c.source, c.content`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "document_id", "source", "content", "similarity"}).
			AddRow("ch1", "doc1", "playbook.md", "Launch checklist", 0.91).
			AddRow("ch2", "doc1", nil, "Pricing ladder", 0.78))

	snippets, err := searcher.Search(context.Background(), Query{
		KnowledgeBaseID: "kb1",
		TenantID:        "t1",
		Text:            "how do I launch",
		Limit:           5,
		MinScore:        0.7,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(snippets) != 2 {
		t.Fatalf("Search() returned %d snippets, want 2", len(snippets))
	}
	if snippets[0].Score < snippets[1].Score {
		t.Error("Search() results not ordered by score")
	}
	if snippets[0].Source != "playbook.md" {
		t.Errorf("Source = %q, want playbook.md", snippets[0].Source)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSearchNoKnowledgeBase(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	searcher, _ := NewPgVectorSearcher(db, &stubEmbedder{vec: []float32{0.1}})
	snippets, err := searcher.Search(context.Background(), Query{Text: "anything"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if snippets != nil {
		t.Errorf("Search() without knowledge base = %v, want nil", snippets)
	}
}

func TestSearchEmbedFailure(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	searcher, _ := NewPgVectorSearcher(db, &stubEmbedder{err: errors.New("quota")})
	if _, err := searcher.Search(context.Background(), Query{KnowledgeBaseID: "kb1", TenantID: "t1", Text: "q"}); err == nil {
		t.Fatal("Search() with failing embedder, want error")
	}
}

func TestEncodeEmbedding(t *testing.T) {
	got := encodeEmbedding([]float32{0.5, -1, 2.25})
	want := "[0.5,-1,2.25]"
	if got != want {
		t.Errorf("encodeEmbedding() = %q, want %q", got, want)
	}
}
