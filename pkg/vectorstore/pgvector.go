package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Document is one evidence chunk with its embedding. Metadata carries run_id,
// drug, disease, title and link.
type Document struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
	Embedding []float32              `json:"embedding,omitempty"`
}

// PGVectorStore stores evidence chunks in a pgvector table.
type PGVectorStore struct {
	pool      *pgxpool.Pool
	tableName string
}

// maxIdentifierLen is the PostgreSQL identifier limit.
const maxIdentifierLen = 63

// checkTableName accepts lowercase-led names made of letters, digits and
// underscores so the name can be interpolated after sanitizing.
func checkTableName(name string) error {
	if name == "" || len(name) > maxIdentifierLen {
		return fmt.Errorf("invalid table name %q: must be 1-%d characters", name, maxIdentifierLen)
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case i > 0 && (r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'):
		default:
			return fmt.Errorf("invalid table name %q: unexpected %q at position %d", name, r, i)
		}
	}
	return nil
}

// NewPGVectorStore opens a store over an existing table.
func NewPGVectorStore(pool *pgxpool.Pool, tableName string) (*PGVectorStore, error) {
	if err := checkTableName(tableName); err != nil {
		return nil, err
	}
	return &PGVectorStore{
		pool:      pool,
		tableName: tableName,
	}, nil
}

func (vs *PGVectorStore) table() string {
	return pgx.Identifier{vs.tableName}.Sanitize()
}

// AddDocuments adds documents with embeddings to the vector store
func (vs *PGVectorStore) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (content, metadata, embedding)
		VALUES ($1, $2, $3)
	`, vs.table())

	batch := &pgx.Batch{}
	for _, doc := range docs {
		metadataJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		embedding := pgvector.NewVector(doc.Embedding)
		batch.Queue(query, doc.Content, metadataJSON, embedding)
	}

	br := vs.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
	}

	return nil
}

// SimilaritySearchResult represents a search result with score
type SimilaritySearchResult struct {
	Document Document
	Score    float64
}

// SimilaritySearch returns the topK documents closest to queryEmbedding by
// cosine distance, restricted to rows whose metadata matches filter (see
// buildMetadataQuery). A nil filter searches the whole table.
func (vs *PGVectorStore) SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, filter map[string]interface{}) ([]SimilaritySearchResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	args := []interface{}{pgvector.NewVector(queryEmbedding)}
	where, err := vs.buildMetadataQuery(filter, &args)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata filter: %w", err)
	}
	args = append(args, topK)

	query := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d
	`, vs.table(), where, len(args))

	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute similarity search: %w", err)
	}
	defer rows.Close()

	var results []SimilaritySearchResult
	for rows.Next() {
		var (
			doc   Document
			meta  []byte
			score float64
		)
		if err := rows.Scan(&doc.ID, &doc.Content, &meta, &score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		results = append(results, SimilaritySearchResult{Document: doc, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}

// DeleteByMetadata removes every row matching filter and reports how many
// went. An empty filter is refused so a typo cannot wipe the table.
func (vs *PGVectorStore) DeleteByMetadata(ctx context.Context, filter map[string]interface{}) (int64, error) {
	if len(filter) == 0 {
		return 0, fmt.Errorf("refusing to delete without a metadata filter")
	}

	var args []interface{}
	where, err := vs.buildMetadataQuery(filter, &args)
	if err != nil {
		return 0, fmt.Errorf("failed to build metadata filter: %w", err)
	}

	tag, err := vs.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, vs.table(), where), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// buildMetadataQuery turns a filter into a WHERE clause over the jsonb metadata
// column, appending placeholder values to args. Plain keys are containment
// matches; $and and $or take a list of filters and $not takes one. Keys are
// visited in sorted order so the same filter always yields the same SQL.
func (vs *PGVectorStore) buildMetadataQuery(filter map[string]interface{}, args *[]interface{}) (string, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conditions []string
	for _, key := range keys {
		cond, err := vs.metadataCondition(key, filter[key], args)
		if err != nil {
			return "", err
		}
		if cond != "" {
			conditions = append(conditions, cond)
		}
	}

	if len(conditions) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conditions, " AND "), nil
}

func (vs *PGVectorStore) metadataCondition(key string, value interface{}, args *[]interface{}) (string, error) {
	switch key {
	case "$and", "$or":
		list, ok := value.([]interface{})
		if !ok {
			return "", fmt.Errorf("value for %s must be a list of conditions", key)
		}
		parts := make([]string, 0, len(list))
		for _, item := range list {
			sub, ok := item.(map[string]interface{})
			if !ok {
				return "", fmt.Errorf("item in %s list must be a JSON object", key)
			}
			q, err := vs.buildMetadataQuery(sub, args)
			if err != nil {
				return "", err
			}
			parts = append(parts, "("+q+")")
		}
		if len(parts) == 0 {
			return "", nil
		}
		op := " AND "
		if key == "$or" {
			op = " OR "
		}
		return "(" + strings.Join(parts, op) + ")", nil

	case "$not":
		sub, ok := value.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("value for $not must be a JSON object")
		}
		q, err := vs.buildMetadataQuery(sub, args)
		if err != nil {
			return "", err
		}
		return "NOT (" + q + ")", nil
	}

	pair, err := json.Marshal(map[string]interface{}{key: value})
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata pair: %w", err)
	}
	*args = append(*args, pair)
	return fmt.Sprintf("metadata @> $%d", len(*args)), nil
}
