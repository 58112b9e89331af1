package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// FullTextFetcher retrieves the body of a paper from its link.
type FullTextFetcher interface {
	FetchText(ctx context.Context, link string) (string, error)
}

// LLMAnalyst implements TaskDeriver, PaperSummarizer and ReportWriter on top of a
// langchaingo model.
type LLMAnalyst struct {
	LLM        llms.Model
	Logger     *slog.Logger
	FullText   FullTextFetcher
	MaxRetries int
	RetryDelay time.Duration
	// ExcerptRunes caps how much full text goes into a summarization prompt.
	ExcerptRunes int
}

// NewLLMAnalyst returns an analyst with the retry defaults used by the service.
func NewLLMAnalyst(llm llms.Model) *LLMAnalyst {
	return &LLMAnalyst{
		LLM:          llm,
		Logger:       slog.Default(),
		MaxRetries:   3,
		RetryDelay:   time.Second,
		ExcerptRunes: 6000,
	}
}

// generateWithRetry attempts to generate content and validates it using the provided function.
// It retries up to MaxRetries times if the LLM fails or the validator returns an error.
func (a *LLMAnalyst) generateWithRetry(ctx context.Context, prompts []llms.MessageContent, validator func(string) error, opts ...llms.CallOption) (string, error) {
	maxRetries := a.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			a.logger(ctx).Warn("Retrying LLM generation", "attempt", i+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(a.RetryDelay * time.Duration(i)): // Linear backoff
			}
		}

		resp, err := a.LLM.GenerateContent(ctx, prompts, opts...)
		if err != nil {
			lastErr = fmt.Errorf("llm generation failed: %w", err)
			if ctx.Err() != nil {
				return "", lastErr
			}
			continue
		}

		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("llm returned no choices")
			continue
		}

		content := resp.Choices[0].Content
		if err := validator(content); err != nil {
			lastErr = fmt.Errorf("validation failed: %w", err)
			continue
		}

		return content, nil
	}

	return "", fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
}

// logger prefers the run logger carried by ctx.
func (a *LLMAnalyst) logger(ctx context.Context) *slog.Logger {
	return LoggerFrom(ctx, a.Logger)
}

const tasksSchema = `Return the JSON object directly without any formatting or additional text. The JSON object should have the following structure:{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "A concise literature search query"},
    "tasks": {
      "type": "array",
      "items": {"type": "string"},
      "description": "3 to 5 specific research sub-questions, most important first"
    }
  },
  "required": ["query", "tasks"]
}`

// DeriveTasks asks the model for a search query and prioritized sub-tasks.
func (a *LLMAnalyst) DeriveTasks(ctx context.Context, drug, disease string) (Plan, error) {
	systemPrompt := `You are a pharmaceutical research planner.
Break the evaluation of a drug for a disease into focused literature search tasks
covering efficacy, safety, mechanism of action and clinical trial evidence.`

	input := fmt.Sprintf("Drug: %s\nDisease: %s", drug, disease)

	var plan Plan
	_, err := a.generateWithRetry(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt+"\n\n# Response Format: \n\n"+tasksSchema),
		llms.TextParts(llms.ChatMessageTypeHuman, input),
	}, func(content string) error {
		plan = Plan{}
		if err := json.Unmarshal([]byte(stripCodeFence(content)), &plan); err != nil {
			return fmt.Errorf("json parse error: %w (content: %s)", err, content)
		}
		if len(plan.Tasks) == 0 {
			return fmt.Errorf("empty tasks list")
		}
		return nil
	}, llms.WithJSONMode())
	if err != nil {
		return Plan{}, err
	}

	a.logger(ctx).Info("Derived tasks", "query", plan.Query, "tasks", plan.Tasks)
	return plan, nil
}

const summarySchema = `{"type": "object", "properties": {"key_points": {"type": "array", "items": {"type": "string"}}, "score": {"type": "number", "description": "relevance of the paper to the drug and disease, 0-10"}}, "required": ["key_points", "score"]}`

// Summarize extracts key points and a 0-10 relevance score for one paper. When a
// full text fetcher is configured and the paper carries a PDF link, the body is
// used instead of the abstract; fetch failures fall back to the abstract.
func (a *LLMAnalyst) Summarize(ctx context.Context, drug, disease string, p Paper) (Summary, error) {
	body := p.Abstract
	if a.FullText != nil && p.PDFLink != "" {
		text, err := a.FullText.FetchText(ctx, p.PDFLink)
		if err != nil {
			a.logger(ctx).Warn("Failed to fetch full text, using abstract", "link", p.PDFLink, "error", err)
		} else if text != "" {
			body = excerpt(text, a.ExcerptRunes)
		}
	}
	if strings.TrimSpace(body) == "" {
		return Summary{}, fmt.Errorf("paper %q has no text to summarize", p.Title)
	}

	systemPrompt := `You are a biomedical literature reviewer.
Summarize the paper as 3 to 5 short key points focused on what it says about the drug and disease.
Score its relevance from 0 (unrelated) to 10 (direct clinical evidence).`

	input := fmt.Sprintf("Drug: %s\nDisease: %s\n\nTitle: %s\n\n%s", drug, disease, p.Title, body)

	var resp struct {
		KeyPoints []string `json:"key_points"`
		Score     float64  `json:"score"`
	}
	_, err := a.generateWithRetry(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt+"\n\n# Response Format:\n"+summarySchema),
		llms.TextParts(llms.ChatMessageTypeHuman, input),
	}, func(content string) error {
		resp.KeyPoints, resp.Score = nil, 0
		if err := json.Unmarshal([]byte(stripCodeFence(content)), &resp); err != nil {
			return fmt.Errorf("json parse error: %w", err)
		}
		if len(resp.KeyPoints) == 0 {
			return fmt.Errorf("no key points")
		}
		return nil
	}, llms.WithJSONMode())
	if err != nil {
		return Summary{}, err
	}

	return Summary{Title: p.Title, KeyPoints: resp.KeyPoints, Score: resp.Score}, nil
}

// WriteReport compiles the summaries into a Markdown report.
func (a *LLMAnalyst) WriteReport(ctx context.Context, req ReportRequest) (string, error) {
	a.logger(ctx).Info("Compiling final report", "summaries", len(req.Summaries))

	links := make(map[string]string, len(req.Papers))
	for _, p := range req.Papers {
		links[p.Title] = p.Link
	}

	var evidence strings.Builder
	for _, s := range req.Summaries {
		fmt.Fprintf(&evidence, "## %s (score %.1f)\nLink: %s\n", s.Title, s.Score, links[s.Title])
		for _, kp := range s.KeyPoints {
			fmt.Fprintf(&evidence, "- %s\n", kp)
		}
		evidence.WriteString("\n")
	}

	prompt := fmt.Sprintf(`Write a research report on the use of %s for %s.
Research questions:
- %s

Use only the following paper summaries as evidence:

%s

Format as Markdown with Introduction, Key Findings, Safety, Evidence Quality and Conclusion. Cite papers by title.`,
		req.Drug, req.Disease, strings.Join(req.Tasks, "\n- "), evidence.String())

	return a.generateWithRetry(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, func(content string) error {
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("empty report")
		}
		return nil
	})
}

// stripCodeFence removes a ```json fence some models wrap around JSON mode output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// excerpt truncates on rune boundaries to avoid invalid UTF-8.
func excerpt(text string, n int) string {
	if n <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) > n {
		return string(runes[:n])
	}
	return text
}
