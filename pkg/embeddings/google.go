package embeddings

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// DefaultDimensions matches the evidence table's vector column.
const DefaultDimensions = 1536

// GoogleEmbedder wraps Gemini embeddings
type GoogleEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int32
}

// NewGoogleEmbedder creates a Gemini API embedder. dimensions <= 0 uses DefaultDimensions.
func NewGoogleEmbedder(ctx context.Context, model, apiKey string, dimensions int) (*GoogleEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google api key is empty")
	}
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini API client: %w", err)
	}

	return &GoogleEmbedder{
		client:     client,
		model:      model,
		dimensions: int32(dimensions),
	}, nil
}

// Dimensions is the length of every returned vector.
func (e *GoogleEmbedder) Dimensions() int {
	return int(e.dimensions)
}

// EmbedText generates embeddings for a single text
func (e *GoogleEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts embeds texts in batches of maxBatch, one request per batch.
func (e *GoogleEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	const maxBatch = 100
	result := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))

		contents := make([]*genai.Content, 0, end-start)
		for _, text := range texts[start:end] {
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}

		dims := e.dimensions
		res, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
			OutputDimensionality: &dims,
			TaskType:             "RETRIEVAL_DOCUMENT",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to embed text: %w", err)
		}
		if len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("expected %d embeddings, got %d", end-start, len(res.Embeddings))
		}

		for _, emb := range res.Embeddings {
			if len(emb.Values) == 0 {
				return nil, fmt.Errorf("empty embedding returned")
			}
			result = append(result, emb.Values)
		}
	}

	return result, nil
}
