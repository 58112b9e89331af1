package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

type stubDeriver struct {
	plan  Plan
	err   error
	calls atomic.Int32
}

func (d *stubDeriver) DeriveTasks(_ context.Context, drug, disease string) (Plan, error) {
	d.calls.Add(1)
	if d.err != nil {
		return Plan{}, d.err
	}
	if d.plan.Query == "" && len(d.plan.Tasks) == 0 {
		return Plan{
			Query: drug + " " + disease,
			Tasks: []string{drug + " efficacy " + disease, drug + " safety"},
		}, nil
	}
	return d.plan, nil
}

type stubSearcher struct {
	byQuery map[string][]Paper
	fail    map[string]error
	all     []Paper
	calls   atomic.Int32
	mu      sync.Mutex
	queries []string
}

func (s *stubSearcher) Search(_ context.Context, query string, limit int) ([]Paper, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if err, ok := s.fail[query]; ok {
		return nil, err
	}
	if s.byQuery != nil {
		return s.byQuery[query], nil
	}
	return s.all, nil
}

type stubSummarizer struct {
	failTitles map[string]bool
	calls      atomic.Int32
}

func (s *stubSummarizer) Summarize(_ context.Context, drug, disease string, p Paper) (Summary, error) {
	s.calls.Add(1)
	if s.failTitles[p.Title] {
		return Summary{}, errors.New("summarizer unavailable")
	}
	return Summary{
		Title:     p.Title,
		KeyPoints: []string{fmt.Sprintf("%s relates to %s in %s", drug, disease, p.Title)},
		Score:     float64(len(p.Title) % 10),
	}, nil
}

type stubWriter struct {
	err   error
	calls atomic.Int32
}

func (w *stubWriter) WriteReport(_ context.Context, req ReportRequest) (string, error) {
	w.calls.Add(1)
	if w.err != nil {
		return "", w.err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s / %s\n", req.Drug, req.Disease)
	for _, s := range req.Summaries {
		fmt.Fprintf(&b, "- %s: %s\n", s.Title, strings.Join(s.KeyPoints, "; "))
	}
	return b.String(), nil
}

func threePapers() []Paper {
	return []Paper{
		{Title: "Paper One", Abstract: "first", Link: "https://example.org/1"},
		{Title: "Paper Two", Abstract: "second", Link: "https://example.org/2"},
		{Title: "Paper Three", Abstract: "third", Link: "https://example.org/3"},
	}
}

// funcStage lets graph tests declare arbitrary dependency shapes.
type funcStage struct {
	name     string
	requires []Key
	provides Key
	run      func(ctx context.Context, s State) (Update, error)
}

func (f *funcStage) Name() string    { return f.name }
func (f *funcStage) Requires() []Key { return f.requires }
func (f *funcStage) Provides() Key   { return f.provides }

func (f *funcStage) Run(ctx context.Context, s State) (Update, error) {
	if f.run == nil {
		return Update{}, nil
	}
	return f.run(ctx, s)
}
