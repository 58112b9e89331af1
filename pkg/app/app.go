// Package app builds the research engine and its optional backends from
// configuration. Both the HTTP server and the CLI start from here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mikeboe/pharma-research/pkg/cache"
	"github.com/mikeboe/pharma-research/pkg/clients"
	"github.com/mikeboe/pharma-research/pkg/config"
	"github.com/mikeboe/pharma-research/pkg/database"
	"github.com/mikeboe/pharma-research/pkg/embeddings"
	"github.com/mikeboe/pharma-research/pkg/evidence"
	"github.com/mikeboe/pharma-research/pkg/metrics"
	"github.com/mikeboe/pharma-research/pkg/research"
	"github.com/mikeboe/pharma-research/pkg/research/tools"
	"github.com/mikeboe/pharma-research/pkg/splitter"
)

// Options selects which optional backends Build connects.
type Options struct {
	// Storage connects Postgres for run history and the evidence index.
	Storage bool
	// MetricsNamespace enables the Prometheus collector when non-empty.
	MetricsNamespace string
}

// App is a fully wired engine plus whatever optional backends were configured.
// DB, Cache, Evidence and Metrics are nil when disabled.
type App struct {
	Config   *config.Config
	Engine   *research.Engine
	DB       *database.PostgresDB
	Cache    *cache.RedisCache
	Evidence *evidence.Index
	Metrics  *metrics.Collector

	closers []func()
}

// Build validates cfg and constructs every component. Errors are returned as
// *research.InitializationError naming the component that failed.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &research.InitializationError{Component: "config", Err: err}
	}

	a := &App{Config: cfg}
	if opts.MetricsNamespace != "" {
		a.Metrics = metrics.NewCollector(opts.MetricsNamespace)
	}

	if cfg.RedisURL != "" {
		c, err := cache.New(ctx, cache.Config{
			URL:        cfg.RedisURL,
			KeyPrefix:  "pharma-research:",
			DefaultTTL: cfg.SearchCacheTTL,
		})
		if err != nil {
			// The cache only saves upstream calls.
			logger.Warn("Search cache disabled", "error", err)
		} else {
			a.Cache = c
			a.closers = append(a.closers, func() { _ = c.Close() })
		}
	}

	searcher, err := a.searcher(logger)
	if err != nil {
		a.Close()
		return nil, &research.InitializationError{Component: "paper searcher", Err: err}
	}

	models, err := clients.NewModels(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, &research.InitializationError{Component: "llm", Err: err}
	}

	reasoning := research.NewLLMAnalyst(models.Reasoning)
	reasoning.Logger = logger
	fast := research.NewLLMAnalyst(models.Fast)
	fast.Logger = logger
	if cfg.MistralApiKey != "" {
		ocr := tools.NewMistralOCR(cfg.MistralApiKey)
		ocr.Logger = logger
		fast.FullText = ocr
	}

	policy, err := research.ParseFailurePolicy(cfg.RetrievalFailurePolicy)
	if err != nil {
		a.Close()
		return nil, &research.InitializationError{Component: "config", Err: err}
	}

	graphOpts := []research.GraphOption{
		research.WithStageTimeout(cfg.StageTimeout),
		research.WithLogger(logger),
	}
	if a.Metrics != nil {
		graphOpts = append(graphOpts, research.WithObserver(a.Metrics))
	}

	a.Engine, err = research.NewEngine(research.Capabilities{
		Deriver:    reasoning,
		Searcher:   searcher,
		Summarizer: fast,
		Writer:     reasoning,
	}, research.EngineConfig{
		RetrievalPolicy:    policy,
		PapersPerQuery:     cfg.PapersPerQuery,
		MaxPapers:          cfg.MaxPapers,
		SearchConcurrency:  cfg.SearchConcurrency,
		SummaryConcurrency: cfg.SummaryConcurrency,
		PaperTimeout:       cfg.PaperTimeout,
	}, graphOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	if opts.Storage && cfg.DatabaseURL != "" {
		if err := a.connectStorage(ctx, logger); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

func (a *App) searcher(logger *slog.Logger) (*tools.MultiSearcher, error) {
	httpClient := &http.Client{Timeout: 60 * time.Second}

	var backends []tools.Backend
	for _, name := range a.Config.SearchBackends {
		var b tools.Backend
		switch strings.ToLower(name) {
		case "arxiv":
			s := tools.NewArxivSearcher(httpClient)
			s.Logger = logger
			b = s
		case "openalex":
			s := tools.NewOpenAlexSearcher(httpClient, a.Config.OpenAlexEmail)
			s.Logger = logger
			b = s
		default:
			return nil, fmt.Errorf("unknown search backend %q", name)
		}
		if a.Cache != nil {
			b = &tools.CachedSearcher{Next: b, Cache: a.Cache, TTL: a.Config.SearchCacheTTL, Logger: logger}
		}
		backends = append(backends, b)
	}

	m := tools.NewMultiSearcher(backends...)
	m.Logger = logger
	return m, nil
}

func (a *App) connectStorage(ctx context.Context, logger *slog.Logger) error {
	db, err := database.NewPostgresDB(ctx, a.Config.DatabaseURL)
	if err != nil {
		return &research.InitializationError{Component: "database", Err: err}
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if err := db.InitSchema(ctx); err != nil {
		return &research.InitializationError{Component: "database schema", Err: err}
	}

	if a.Config.GoogleApiKey == "" {
		logger.Info("Evidence index disabled: GOOGLE_API_KEY is needed for embeddings")
		return nil
	}

	embedder, err := embeddings.NewGoogleEmbedder(ctx, a.Config.EmbeddingModel, a.Config.GoogleApiKey, embeddings.DefaultDimensions)
	if err != nil {
		return &research.InitializationError{Component: "embeddings", Err: err}
	}
	store, err := evidence.Setup(ctx, db, a.Config.CollectionName, embedder.Dimensions())
	if err != nil {
		return &research.InitializationError{Component: "evidence index", Err: err}
	}

	a.Evidence = &evidence.Index{
		Embedder: embedder,
		Store:    store,
		Splitter: splitter.NewRecursiveCharacterTextSplitter(a.Config.ChunkSize, a.Config.ChunkOverlap),
		Logger:   logger,
	}
	return nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
