package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mikeboe/pharma-research/pkg/httputil"
	"github.com/mikeboe/pharma-research/pkg/research"
)

// mistralOCRURL is a var so tests can point it at an httptest server.
var mistralOCRURL = "https://api.mistral.ai/v1/ocr"

type PdfScrapeResponsePage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type OcrResponse struct {
	Pages []PdfScrapeResponsePage `json:"pages"`
}

// MistralOCR extracts the text of a PDF with the Mistral OCR API. It is the
// full text fetcher used by the summarizer.
type MistralOCR struct {
	APIKey string
	Model  string
	Client *http.Client
	// MaxPages limits how many pages are kept; zero keeps all.
	MaxPages int
	Logger   *slog.Logger
}

func NewMistralOCR(apiKey string) *MistralOCR {
	return &MistralOCR{
		APIKey:   apiKey,
		Model:    "mistral-ocr-latest",
		Client:   &http.Client{Timeout: 2 * time.Minute},
		MaxPages: 12,
		Logger:   slog.Default(),
	}
}

// FetchText returns the Markdown of the document at link, page by page.
func (m *MistralOCR) FetchText(ctx context.Context, link string) (string, error) {
	if m.APIKey == "" {
		return "", fmt.Errorf("MISTRAL_API_KEY is not set")
	}
	link = strings.Replace(link, "http://", "https://", 1)

	reqBody := map[string]any{
		"model": m.Model,
		"document": map[string]string{
			"type":         "document_url",
			"document_url": link,
		},
		"include_image_base64": false,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mistralOCRURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.APIKey)

	m.logger(ctx).Info("Fetching full text", "url", link)

	resp, err := httputil.DoWithRetry(ctx, m.Client, req, 0)
	if err != nil {
		return "", fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OCR request failed with status: %s, body: %s", resp.Status, string(body))
	}

	var ocrResponse OcrResponse
	if err := json.Unmarshal(body, &ocrResponse); err != nil {
		return "", fmt.Errorf("failed to unmarshal OCR response: %w", err)
	}

	pages := ocrResponse.Pages
	if m.MaxPages > 0 && len(pages) > m.MaxPages {
		pages = pages[:m.MaxPages]
	}

	var b strings.Builder
	for _, page := range pages {
		fmt.Fprintf(&b, "- Page %d -\n", page.Index)
		b.WriteString(page.Markdown)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()), nil
}

// logger prefers the run logger carried by ctx.
func (m *MistralOCR) logger(ctx context.Context) *slog.Logger {
	return research.LoggerFrom(ctx, m.Logger)
}
