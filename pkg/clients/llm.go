package clients

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/pharma-research/pkg/config"
)

// Models holds the two tiers the pipeline uses: a fast model for per-paper work
// and a reasoning model for planning and the final report.
type Models struct {
	Fast      llms.Model
	Reasoning llms.Model
}

// NewModels builds both tiers for the configured provider.
func NewModels(ctx context.Context, cfg *config.Config) (Models, error) {
	switch cfg.LLMProvider {
	case "google", "":
		fast, err := GoogleAi(ctx, cfg.GoogleApiKey, ModelType(cfg.FastModel))
		if err != nil {
			return Models{}, err
		}
		reasoningModel := ModelType(cfg.ReasoningModel)
		if reasoningModel == "" {
			reasoningModel = ProModel
		}
		reasoning, err := GoogleAi(ctx, cfg.GoogleApiKey, reasoningModel)
		if err != nil {
			return Models{}, err
		}
		return Models{Fast: fast, Reasoning: reasoning}, nil

	case "anthropic":
		fastModel := ModelType(cfg.FastModel)
		if fastModel == "" {
			fastModel = Claude35Haiku
		}
		fast, err := AnthropicAI(cfg.AnthropicApiKey, fastModel)
		if err != nil {
			return Models{}, err
		}
		reasoning, err := AnthropicAI(cfg.AnthropicApiKey, ModelType(cfg.ReasoningModel))
		if err != nil {
			return Models{}, err
		}
		return Models{Fast: fast, Reasoning: reasoning}, nil
	}
	return Models{}, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
}
