package evidence

import (
	"context"
	"fmt"
	"strings"
)

// Query narrows a semantic search over stored evidence.
type Query struct {
	Text    string `json:"query"`
	Drug    string `json:"drug,omitempty"`
	Disease string `json:"disease,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Kind    string `json:"kind,omitempty"`
	TopK    int    `json:"top_k,omitempty"`
}

// Hit is one matching chunk.
type Hit struct {
	Content string  `json:"content"`
	Title   string  `json:"title"`
	Link    string  `json:"link"`
	Kind    string  `json:"kind"`
	RunID   string  `json:"run_id"`
	Score   float64 `json:"score"`
}

func (q Query) filter() map[string]interface{} {
	f := map[string]interface{}{}
	if q.Drug != "" {
		f["drug"] = normalize(q.Drug)
	}
	if q.Disease != "" {
		f["disease"] = normalize(q.Disease)
	}
	if q.RunID != "" {
		f["run_id"] = q.RunID
	}
	if q.Kind != "" {
		f["kind"] = q.Kind
	}
	return f
}

// Search embeds q.Text and returns the closest chunks.
func (ix *Index) Search(ctx context.Context, q Query) ([]Hit, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, fmt.Errorf("query text is required")
	}
	if q.TopK <= 0 || q.TopK > 50 {
		q.TopK = 5
	}

	vec, err := ix.Embedder.EmbedText(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	results, err := ix.Store.SimilaritySearch(ctx, vec, q.TopK, q.filter())
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			Content: r.Document.Content,
			Title:   metaString(r.Document.Metadata, "title"),
			Link:    metaString(r.Document.Metadata, "link"),
			Kind:    metaString(r.Document.Metadata, "kind"),
			RunID:   metaString(r.Document.Metadata, "run_id"),
			Score:   r.Score,
		})
	}
	return hits, nil
}

// Format renders hits as plain text for tool responses.
func Format(hits []Hit) string {
	if len(hits) == 0 {
		return "No stored evidence matched the query."
	}
	var sb strings.Builder
	for i, h := range hits {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[Source]: %s (%s)\n[Similarity]: %.3f\n[Content]: %s", h.Title, h.Link, h.Score, h.Content)
	}
	return sb.String()
}

func metaString(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
