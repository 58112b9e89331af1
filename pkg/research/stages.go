package research

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"
)

// TaskDeriver turns a drug/disease pair into a retrieval plan.
type TaskDeriver interface {
	DeriveTasks(ctx context.Context, drug, disease string) (Plan, error)
}

// PaperSearcher finds papers for a free-text query.
type PaperSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]Paper, error)
}

// PaperSummarizer condenses one paper in the context of the drug and disease.
type PaperSummarizer interface {
	Summarize(ctx context.Context, drug, disease string, p Paper) (Summary, error)
}

// ReportRequest is everything the report writer gets to see.
type ReportRequest struct {
	Drug      string
	Disease   string
	Tasks     []string
	Papers    []Paper
	Summaries []Summary
}

// ReportWriter synthesizes the final report.
type ReportWriter interface {
	WriteReport(ctx context.Context, req ReportRequest) (string, error)
}

// FailurePolicy decides what the retrieval stage does when a search fails.
type FailurePolicy string

const (
	// PolicyDegrade records a warning per failed query and continues.
	PolicyDegrade FailurePolicy = "degrade"
	// PolicyAbort fails the run on the first search error.
	PolicyAbort FailurePolicy = "abort"
)

// ParseFailurePolicy maps a config value to a policy. Empty means degrade.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyDegrade:
		return PolicyDegrade, nil
	case PolicyAbort:
		return PolicyAbort, nil
	}
	return "", fmt.Errorf("unknown retrieval failure policy: %q", s)
}

// BaseQuery is the retrieval query used when the deriver does not supply one.
func BaseQuery(drug, disease string) string {
	return fmt.Sprintf("%s %s", drug, disease)
}

// --- Task derivation ---

type TaskStage struct {
	Deriver TaskDeriver
}

func (t *TaskStage) Name() string    { return "derive_tasks" }
func (t *TaskStage) Requires() []Key { return []Key{KeyInput} }
func (t *TaskStage) Provides() Key   { return KeyPlan }

func (t *TaskStage) Run(ctx context.Context, s State) (Update, error) {
	plan, err := t.Deriver.DeriveTasks(ctx, s.Drug(), s.Disease())
	if err != nil {
		return Update{}, fmt.Errorf("task derivation: %w", err)
	}

	plan.Query = strings.TrimSpace(plan.Query)
	if plan.Query == "" {
		plan.Query = BaseQuery(s.Drug(), s.Disease())
	}

	tasks := make([]string, 0, len(plan.Tasks))
	for _, task := range plan.Tasks {
		if task = strings.TrimSpace(task); task != "" {
			tasks = append(tasks, task)
		}
	}
	plan.Tasks = tasks

	return Update{Plan: &plan}, nil
}

// --- Retrieval ---

type RetrievalStage struct {
	Searcher      PaperSearcher
	Policy        FailurePolicy
	PapersPerTask int
	MaxPapers     int
	Concurrency   int
}

func (r *RetrievalStage) Name() string    { return "retrieve_papers" }
func (r *RetrievalStage) Requires() []Key { return []Key{KeyPlan} }
func (r *RetrievalStage) Provides() Key   { return KeyPapers }

func (r *RetrievalStage) Run(ctx context.Context, s State) (Update, error) {
	plan, _ := s.Plan()

	queries := make([]string, 0, len(plan.Tasks)+1)
	if plan.Query != "" {
		queries = append(queries, plan.Query)
	}
	queries = append(queries, plan.Tasks...)

	perQuery := r.PapersPerTask
	if perQuery <= 0 {
		perQuery = 5
	}

	// one slot per query keeps the merge order equal to the task order
	results := make([][]Paper, len(queries))
	errs := make([]error, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit(r.Concurrency))
	for i, q := range queries {
		g.Go(func() error {
			papers, err := r.Searcher.Search(gctx, q, perQuery)
			if err != nil {
				errs[i] = err
				if r.Policy == PolicyAbort {
					return fmt.Errorf("search %q: %w", q, err)
				}
				return nil
			}
			results[i] = papers
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Update{}, err
	}

	var warnings []string
	var all []Paper
	for i := range queries {
		if errs[i] != nil {
			warnings = append(warnings, fmt.Sprintf("search %q failed: %v", queries[i], errs[i]))
			continue
		}
		all = append(all, results[i]...)
	}

	papers := dedupeByTitle(all)
	if r.MaxPapers > 0 && len(papers) > r.MaxPapers {
		papers = papers[:r.MaxPapers]
	}

	return Update{Retrieval: &Retrieval{Papers: papers, Warnings: warnings}}, nil
}

func dedupeByTitle(papers []Paper) []Paper {
	out := make([]Paper, 0, len(papers))
	seen := make(map[string]bool, len(papers))
	for _, p := range papers {
		key := NormalizeTitle(p.Title)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// NormalizeTitle lowercases a title, strips punctuation and collapses whitespace.
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// --- Summarization ---

type SummaryStage struct {
	Summarizer   PaperSummarizer
	Concurrency  int
	PaperTimeout time.Duration
}

func (m *SummaryStage) Name() string    { return "summarize_papers" }
func (m *SummaryStage) Requires() []Key { return []Key{KeyInput, KeyPapers} }
func (m *SummaryStage) Provides() Key   { return KeySummaries }

func (m *SummaryStage) Run(ctx context.Context, s State) (Update, error) {
	retrieval, _ := s.Retrieval()
	papers := retrieval.Papers

	results := make([]*Summary, len(papers))
	failures := make([]error, len(papers))

	g := new(errgroup.Group)
	g.SetLimit(limit(m.Concurrency))
	for i, p := range papers {
		g.Go(func() error {
			paperCtx := ctx
			if m.PaperTimeout > 0 {
				var cancel context.CancelFunc
				paperCtx, cancel = context.WithTimeout(ctx, m.PaperTimeout)
				defer cancel()
			}
			sum, err := m.Summarizer.Summarize(paperCtx, s.Drug(), s.Disease(), p)
			if err != nil {
				// a failed paper is omitted, not fatal
				failures[i] = err
				return nil
			}
			// summaries are matched to papers by title
			sum.Title = p.Title
			results[i] = &sum
			return nil
		})
	}
	_ = g.Wait()

	// Per-paper timeouts degrade; running out of stage time fails the stage.
	if err := ctx.Err(); err != nil {
		return Update{}, err
	}

	logger := LoggerFrom(ctx, nil)
	out := Summarization{Summaries: make([]Summary, 0, len(papers))}
	for i, sum := range results {
		if sum == nil {
			reason := "no summary produced"
			if failures[i] != nil {
				reason = failures[i].Error()
			}
			logger.Warn("Paper summary skipped", "title", papers[i].Title, "error", reason)
			out.Skipped = append(out.Skipped, SkippedPaper{Title: papers[i].Title, Reason: reason})
			continue
		}
		out.Summaries = append(out.Summaries, *sum)
	}
	return Update{Summarization: &out}, nil
}

// --- Report synthesis ---

type ReportStage struct {
	Writer ReportWriter
}

func (rs *ReportStage) Name() string { return "synthesize_report" }
func (rs *ReportStage) Requires() []Key {
	return []Key{KeyInput, KeyPlan, KeyPapers, KeySummaries}
}
func (rs *ReportStage) Provides() Key { return KeyReport }

func (rs *ReportStage) Run(ctx context.Context, s State) (Update, error) {
	sum, _ := s.Summarization()
	if len(sum.Summaries) == 0 {
		return Update{Report: &Report{Text: NoEvidenceReport(s.Drug(), s.Disease())}}, nil
	}

	plan, _ := s.Plan()
	retrieval, _ := s.Retrieval()
	text, err := rs.Writer.WriteReport(ctx, ReportRequest{
		Drug:      s.Drug(),
		Disease:   s.Disease(),
		Tasks:     plan.Tasks,
		Papers:    retrieval.Papers,
		Summaries: sum.Summaries,
	})
	if err != nil {
		return Update{}, fmt.Errorf("report synthesis: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return Update{}, ErrEmptyReport
	}
	return Update{Report: &Report{Text: text}}, nil
}

// NoEvidenceReport is the report produced when no paper could be summarized.
func NoEvidenceReport(drug, disease string) string {
	return fmt.Sprintf(`# %s for %s

No evidence was found. The literature search returned no papers that could be summarized for %s in the treatment of %s.

Consider broadening the search terms or checking alternative drug names.`, drug, disease, drug, disease)
}

func limit(n int) int {
	if n <= 0 {
		return 3
	}
	return n
}
