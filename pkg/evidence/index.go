// Package evidence keeps the papers and summaries of finished runs in a pgvector
// table so later questions can be answered from evidence already gathered.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/pharma-research/pkg/database"
	"github.com/mikeboe/pharma-research/pkg/research"
	"github.com/mikeboe/pharma-research/pkg/vectorstore"
)

// Chunk kinds stored in metadata.
const (
	KindAbstract = "abstract"
	KindSummary  = "summary"
)

type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

type Store interface {
	AddDocuments(ctx context.Context, docs []vectorstore.Document) error
	SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, filter map[string]interface{}) ([]vectorstore.SimilaritySearchResult, error)
	DeleteByMetadata(ctx context.Context, filter map[string]interface{}) (int64, error)
}

type Splitter interface {
	SplitPaper(title, body string) ([]string, error)
}

// Index embeds run output into Store.
type Index struct {
	Embedder Embedder
	Store    Store
	Splitter Splitter
	Logger   *slog.Logger
}

// Setup prepares the pgvector table and returns a store over it.
func Setup(ctx context.Context, db *database.PostgresDB, table string, dimensions int) (*vectorstore.PGVectorStore, error) {
	if err := db.EnsureVectorExtension(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure vector extension: %w", err)
	}
	if err := db.CreateEmbeddingsTable(ctx, table, dimensions); err != nil {
		return nil, err
	}
	return vectorstore.NewPGVectorStore(db.Pool, table)
}

// IndexRun stores every paper abstract and summary of a run. Re-indexing the
// same run replaces its previous chunks. It returns the number of chunks written.
func (ix *Index) IndexRun(ctx context.Context, runID string, out research.QueryOutput) (int, error) {
	if runID == "" {
		return 0, fmt.Errorf("run id is required")
	}

	base := map[string]interface{}{
		"run_id":  runID,
		"drug":    normalize(out.Drug),
		"disease": normalize(out.Disease),
	}

	var docs []vectorstore.Document
	for _, p := range out.Papers {
		chunks, err := ix.Splitter.SplitPaper(p.Title, p.Abstract)
		if err != nil {
			ix.logger().Warn("Failed to split abstract", "title", p.Title, "error", err)
			continue
		}
		for _, c := range chunks {
			docs = append(docs, document(base, c, KindAbstract, p.Title, p.Link, 0))
		}
	}

	links := make(map[string]string, len(out.Papers))
	for _, p := range out.Papers {
		links[p.Title] = p.Link
	}
	for _, s := range out.Summaries {
		if len(s.KeyPoints) == 0 {
			continue
		}
		text := "Title: " + s.Title + "\n\n- " + strings.Join(s.KeyPoints, "\n- ")
		docs = append(docs, document(base, text, KindSummary, s.Title, links[s.Title], s.Score))
	}

	if _, err := ix.Store.DeleteByMetadata(ctx, map[string]interface{}{"run_id": runID}); err != nil {
		return 0, fmt.Errorf("failed to clear previous chunks: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := ix.Embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vecs) != len(docs) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(docs))
	}
	for i := range docs {
		docs[i].Embedding = vecs[i]
	}

	if err := ix.Store.AddDocuments(ctx, docs); err != nil {
		return 0, err
	}

	ix.logger().Info("Indexed run evidence", "run_id", runID, "chunks", len(docs))
	return len(docs), nil
}

func document(base map[string]interface{}, content, kind, title, link string, score float64) vectorstore.Document {
	meta := make(map[string]interface{}, len(base)+4)
	for k, v := range base {
		meta[k] = v
	}
	meta["kind"] = kind
	meta["title"] = title
	meta["link"] = link
	if kind == KindSummary {
		meta["score"] = score
	}
	return vectorstore.Document{Content: content, Metadata: meta}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (ix *Index) logger() *slog.Logger {
	if ix.Logger == nil {
		return slog.Default()
	}
	return ix.Logger
}
