package research

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Stage is one step of the pipeline. It reads the sections named by Requires and
// returns an update that sets exactly the section named by Provides.
type Stage interface {
	Name() string
	Requires() []Key
	Provides() Key
	Run(ctx context.Context, s State) (Update, error)
}

// StageObserver receives per-stage timings and degraded outcomes.
type StageObserver interface {
	ObserveStage(stage string, d time.Duration, err error)
	ObserveDegraded(stage string, reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration, error) {}
func (nopObserver) ObserveDegraded(string, string)            {}

// GraphOption configures a graph at compile time.
type GraphOption func(*Graph)

// WithStageTimeout bounds every stage invocation. Zero disables the bound.
func WithStageTimeout(d time.Duration) GraphOption {
	return func(g *Graph) { g.stageTimeout = d }
}

// WithObserver attaches a metrics observer.
func WithObserver(o StageObserver) GraphOption {
	return func(g *Graph) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithLogger sets the default logger used when a run does not provide one.
func WithLogger(l *slog.Logger) GraphOption {
	return func(g *Graph) {
		if l != nil {
			g.logger = l
		}
	}
}

// RunOption configures a single execution.
type RunOption func(*runConfig)

type runConfig struct {
	logger *slog.Logger
	hook   func(stage string, s State)
}

// WithRunLogger routes the logs of one execution to l.
func WithRunLogger(l *slog.Logger) RunOption {
	return func(rc *runConfig) {
		if l != nil {
			rc.logger = l
		}
	}
}

// WithStateHook is called with the merged state after every stage.
func WithStateHook(fn func(stage string, s State)) RunOption {
	return func(rc *runConfig) { rc.hook = fn }
}

// Graph is a compiled, immutable stage ordering. It holds no per-run data and can
// be executed concurrently.
type Graph struct {
	order        []Stage
	stageTimeout time.Duration
	observer     StageObserver
	logger       *slog.Logger
}

// Compile validates the declared dependencies and fixes the execution order.
func Compile(stages []Stage, opts ...GraphOption) (*Graph, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("graph has no stages")
	}

	byName := make(map[string]Stage, len(stages))
	providers := make(map[Key]string, len(stages))
	for _, st := range stages {
		if st == nil {
			return nil, fmt.Errorf("nil stage")
		}
		name := st.Name()
		if name == "" {
			return nil, fmt.Errorf("stage with empty name")
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("duplicate stage name: %s", name)
		}
		byName[name] = st

		key := st.Provides()
		if key == KeyInput {
			return nil, fmt.Errorf("stage %s cannot provide %s: inputs are fixed at creation", name, key)
		}
		if owner, taken := providers[key]; taken {
			return nil, fmt.Errorf("stages %s and %s both provide %s", owner, name, key)
		}
		providers[key] = name
	}

	// edges: provider -> consumer
	edges := make(map[string][]string, len(stages))
	for _, st := range stages {
		for _, k := range st.Requires() {
			if k == KeyInput {
				continue
			}
			provider, ok := providers[k]
			if !ok {
				return nil, fmt.Errorf("stage %s requires %s, which no stage provides", st.Name(), k)
			}
			if provider == st.Name() {
				return nil, fmt.Errorf("stage %s requires its own output %s", st.Name(), k)
			}
			edges[provider] = append(edges[provider], st.Name())
		}
	}

	if err := detectCycles(stages, edges); err != nil {
		return nil, err
	}

	g := &Graph{
		order:    topoOrder(stages, providers),
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func detectCycles(stages []Stage, edges map[string][]string) error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(name string) bool
	visit = func(name string) bool {
		visited[name] = true
		onStack[name] = true
		for _, next := range edges[name] {
			if !visited[next] {
				if visit(next) {
					return true
				}
			} else if onStack[next] {
				return true
			}
		}
		onStack[name] = false
		return false
	}

	for _, st := range stages {
		if !visited[st.Name()] && visit(st.Name()) {
			return fmt.Errorf("cycle detected in graph involving stage: %s", st.Name())
		}
	}
	return nil
}

// topoOrder picks, on every pass, the first declared stage whose dependencies
// have all been placed. The graph is known to be acyclic here.
func topoOrder(stages []Stage, providers map[Key]string) []Stage {
	placed := make(map[string]bool, len(stages))
	order := make([]Stage, 0, len(stages))

	for len(order) < len(stages) {
		for _, st := range stages {
			if placed[st.Name()] {
				continue
			}
			ready := true
			for _, k := range st.Requires() {
				if k == KeyInput {
					continue
				}
				if !placed[providers[k]] {
					ready = false
					break
				}
			}
			if ready {
				placed[st.Name()] = true
				order = append(order, st)
				break
			}
		}
	}
	return order
}

// Order returns the stage names in execution order.
func (g *Graph) Order() []string {
	names := make([]string, len(g.order))
	for i, st := range g.order {
		names[i] = st.Name()
	}
	return names
}

// Execute runs every stage once, in order, threading the merged state forward.
// The first failure halts the run and is returned as a *StageError; no partial
// state is returned with it.
func (g *Graph) Execute(ctx context.Context, s State, opts ...RunOption) (State, error) {
	rc := runConfig{logger: g.logger}
	for _, opt := range opts {
		opt(&rc)
	}
	logger := rc.logger

	for _, st := range g.order {
		name := st.Name()

		if err := ctx.Err(); err != nil {
			logger.Warn("Run cancelled before stage", "stage", name, "error", err)
			return State{}, &StageError{Stage: name, Err: err}
		}
		for _, k := range st.Requires() {
			if !s.Has(k) {
				return State{}, &StageError{Stage: name, Err: fmt.Errorf("%w: %s", ErrMissingInput, k)}
			}
		}

		logger.Info("Starting stage", "stage", name)
		start := time.Now()
		update, err := g.runStage(ContextWithLogger(ctx, logger.With("stage", name)), st, s)
		elapsed := time.Since(start)
		g.observer.ObserveStage(name, elapsed, err)

		if err != nil {
			logger.Error("Stage failed", "stage", name, "duration", elapsed, "error", err)
			return State{}, &StageError{Stage: name, Err: err}
		}

		if err := checkOwnership(st, update); err != nil {
			logger.Error("Stage violated write ownership", "stage", name, "error", err)
			return State{}, &StageError{Stage: name, Err: err}
		}

		next, err := s.Merge(update)
		if err != nil {
			return State{}, &StageError{Stage: name, Err: err}
		}
		s = next

		for _, reason := range update.degradations() {
			logger.Warn("Stage degraded", "stage", name, "reason", reason)
			g.observer.ObserveDegraded(name, reason)
		}
		logger.Info("Stage complete", "stage", name, "duration", elapsed)

		if rc.hook != nil {
			rc.hook(name, s)
		}
	}

	return s, nil
}

func (g *Graph) runStage(ctx context.Context, st Stage, s State) (update Update, err error) {
	stageCtx := ctx
	if g.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, g.stageTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			update = Update{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	update, err = st.Run(stageCtx, s)
	if err == nil && stageCtx.Err() != nil {
		// A stage that outlived its deadline or the request may have degraded
		// because of it; its output is not trusted.
		return Update{}, stageCtx.Err()
	}
	return update, err
}

func checkOwnership(st Stage, u Update) error {
	keys := u.Keys()
	if len(keys) != 1 || keys[0] != st.Provides() {
		return fmt.Errorf("%w: declared %s, wrote %v", ErrOwnership, st.Provides(), keys)
	}
	return nil
}

func (u Update) degradations() []string {
	var reasons []string
	if u.Retrieval != nil {
		reasons = append(reasons, u.Retrieval.Warnings...)
	}
	if u.Summarization != nil {
		for _, sk := range u.Summarization.Skipped {
			reasons = append(reasons, fmt.Sprintf("summary skipped: %s: %s", sk.Title, sk.Reason))
		}
	}
	return reasons
}
