package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	LLMProvider     string
	GoogleApiKey    string
	AnthropicApiKey string
	ReasoningModel  string
	FastModel       string
	EmbeddingModel  string

	DatabaseURL    string
	CollectionName string
	ChunkSize      int
	ChunkOverlap   int

	RedisURL       string
	SearchCacheTTL time.Duration
	SearchBackends []string
	OpenAlexEmail  string
	MistralApiKey  string

	MaxPapers              int
	PapersPerQuery         int
	SearchConcurrency      int
	SummaryConcurrency     int
	StageTimeout           time.Duration
	PaperTimeout           time.Duration
	RequestTimeout         time.Duration
	RetrievalFailurePolicy string
}

// Load reads .env when present and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port: getEnv("PORT", "8081"),

		LLMProvider:     strings.ToLower(getEnv("LLM_PROVIDER", "google")),
		GoogleApiKey:    getEnv("GOOGLE_API_KEY", ""),
		AnthropicApiKey: getEnv("ANTHROPIC_API_KEY", ""),
		ReasoningModel:  getEnv("REASONING_MODEL", ""),
		FastModel:       getEnv("FAST_MODEL", ""),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "gemini-embedding-001"),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		CollectionName: getEnv("COLLECTION_NAME", "pharma_evidence"),
		ChunkSize:      getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap:   getEnvAsInt("CHUNK_OVERLAP", 200),

		RedisURL:       getEnv("REDIS_URL", ""),
		SearchCacheTTL: getEnvAsDuration("SEARCH_CACHE_TTL", 24*time.Hour),
		SearchBackends: getEnvAsList("SEARCH_BACKENDS", []string{"arxiv", "openalex"}),
		OpenAlexEmail:  getEnv("OPENALEX_EMAIL", ""),
		MistralApiKey:  getEnv("MISTRAL_API_KEY", ""),

		MaxPapers:              getEnvAsInt("MAX_PAPERS", 10),
		PapersPerQuery:         getEnvAsInt("PAPERS_PER_QUERY", 3),
		SearchConcurrency:      getEnvAsInt("SEARCH_CONCURRENCY", 3),
		SummaryConcurrency:     getEnvAsInt("SUMMARY_CONCURRENCY", 3),
		StageTimeout:           getEnvAsDuration("STAGE_TIMEOUT", 5*time.Minute),
		PaperTimeout:           getEnvAsDuration("PAPER_TIMEOUT", 45*time.Second),
		RequestTimeout:         getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Minute),
		RetrievalFailurePolicy: getEnv("RETRIEVAL_FAILURE_POLICY", "degrade"),
	}
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case "google":
		if c.GoogleApiKey == "" {
			return fmt.Errorf("GOOGLE_API_KEY is required when LLM_PROVIDER=google")
		}
	case "anthropic":
		if c.AnthropicApiKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	if len(c.SearchBackends) == 0 {
		return fmt.Errorf("SEARCH_BACKENDS must name at least one backend")
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
