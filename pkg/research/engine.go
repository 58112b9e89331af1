package research

import (
	"context"
	"fmt"
	"time"
)

// Capabilities are the external collaborators the pipeline calls.
type Capabilities struct {
	Deriver    TaskDeriver
	Searcher   PaperSearcher
	Summarizer PaperSummarizer
	Writer     ReportWriter
}

// EngineConfig holds the stage tuning knobs.
type EngineConfig struct {
	RetrievalPolicy    FailurePolicy
	PapersPerQuery     int
	MaxPapers          int
	SearchConcurrency  int
	SummaryConcurrency int
	PaperTimeout       time.Duration
}

// DefaultEngineConfig mirrors the service defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RetrievalPolicy:    PolicyDegrade,
		PapersPerQuery:     3,
		MaxPapers:          10,
		SearchConcurrency:  3,
		SummaryConcurrency: 3,
		PaperTimeout:       45 * time.Second,
	}
}

// Engine validates requests, runs the compiled graph and projects the result.
// One Engine serves any number of concurrent requests.
type Engine struct {
	graph *Graph
}

// NewEngine compiles the four-stage graph once.
func NewEngine(caps Capabilities, cfg EngineConfig, opts ...GraphOption) (*Engine, error) {
	switch {
	case caps.Deriver == nil:
		return nil, &InitializationError{Component: "task deriver", Err: fmt.Errorf("not configured")}
	case caps.Searcher == nil:
		return nil, &InitializationError{Component: "paper searcher", Err: fmt.Errorf("not configured")}
	case caps.Summarizer == nil:
		return nil, &InitializationError{Component: "summarizer", Err: fmt.Errorf("not configured")}
	case caps.Writer == nil:
		return nil, &InitializationError{Component: "report writer", Err: fmt.Errorf("not configured")}
	}

	graph, err := Compile([]Stage{
		&TaskStage{Deriver: caps.Deriver},
		&RetrievalStage{
			Searcher:      caps.Searcher,
			Policy:        cfg.RetrievalPolicy,
			PapersPerTask: cfg.PapersPerQuery,
			MaxPapers:     cfg.MaxPapers,
			Concurrency:   cfg.SearchConcurrency,
		},
		&SummaryStage{
			Summarizer:   caps.Summarizer,
			Concurrency:  cfg.SummaryConcurrency,
			PaperTimeout: cfg.PaperTimeout,
		},
		&ReportStage{Writer: caps.Writer},
	}, opts...)
	if err != nil {
		return nil, &InitializationError{Component: "workflow graph", Err: err}
	}

	return &Engine{graph: graph}, nil
}

// Stages returns the compiled execution order.
func (e *Engine) Stages() []string {
	return e.graph.Order()
}

// Run executes the pipeline for one request. Invalid input is rejected before any
// stage runs.
func (e *Engine) Run(ctx context.Context, in QueryInput, opts ...RunOption) (QueryOutput, error) {
	if err := in.Validate(); err != nil {
		return QueryOutput{}, err
	}

	final, err := e.graph.Execute(ctx, NewState(in.Drug, in.Disease), opts...)
	if err != nil {
		return QueryOutput{}, err
	}
	return final.Output(), nil
}
