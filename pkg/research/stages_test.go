package research

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateWithPlan(t *testing.T, plan Plan) State {
	t.Helper()
	s, err := NewState("Metformin", "Type 2 Diabetes").Merge(Update{Plan: &plan})
	require.NoError(t, err)
	return s
}

func stateWithPapers(t *testing.T, papers []Paper) State {
	t.Helper()
	s := stateWithPlan(t, Plan{Query: "q"})
	s, err := s.Merge(Update{Retrieval: &Retrieval{Papers: papers}})
	require.NoError(t, err)
	return s
}

func TestTaskStage_FillsBaseQueryAndDropsBlankTasks(t *testing.T) {
	st := &TaskStage{Deriver: &stubDeriver{plan: Plan{Tasks: []string{" efficacy ", "", "safety"}}}}

	u, err := st.Run(context.Background(), NewState("Metformin", "Type 2 Diabetes"))
	require.NoError(t, err)
	require.NotNil(t, u.Plan)
	assert.Equal(t, "Metformin Type 2 Diabetes", u.Plan.Query)
	assert.Equal(t, []string{"efficacy", "safety"}, u.Plan.Tasks)
}

func TestTaskStage_DeriverFailureIsFatal(t *testing.T) {
	st := &TaskStage{Deriver: &stubDeriver{err: errors.New("model unavailable")}}
	_, err := st.Run(context.Background(), NewState("Metformin", "Type 2 Diabetes"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestRetrievalStage_MergesInTaskOrderAndDedupes(t *testing.T) {
	searcher := &stubSearcher{byQuery: map[string][]Paper{
		"q":      {{Title: "Alpha"}, {Title: "Beta"}},
		"task 1": {{Title: "beta."}, {Title: "Gamma"}},
		"task 2": {{Title: "Delta"}},
	}}
	st := &RetrievalStage{Searcher: searcher, Concurrency: 3}

	u, err := st.Run(context.Background(), stateWithPlan(t, Plan{Query: "q", Tasks: []string{"task 1", "task 2"}}))
	require.NoError(t, err)

	var titles []string
	for _, p := range u.Retrieval.Papers {
		titles = append(titles, p.Title)
	}
	assert.Equal(t, []string{"Alpha", "Beta", "Gamma", "Delta"}, titles)
	assert.Empty(t, u.Retrieval.Warnings)
	assert.Equal(t, int32(3), searcher.calls.Load())
}

func TestRetrievalStage_CapsAtMaxPapers(t *testing.T) {
	searcher := &stubSearcher{all: []Paper{{Title: "A"}, {Title: "B"}, {Title: "C"}}}
	st := &RetrievalStage{Searcher: searcher, MaxPapers: 2}

	u, err := st.Run(context.Background(), stateWithPlan(t, Plan{Query: "q"}))
	require.NoError(t, err)
	assert.Len(t, u.Retrieval.Papers, 2)
}

func TestRetrievalStage_ZeroHitsIsValid(t *testing.T) {
	st := &RetrievalStage{Searcher: &stubSearcher{}}

	u, err := st.Run(context.Background(), stateWithPlan(t, Plan{Query: "q"}))
	require.NoError(t, err)
	require.NotNil(t, u.Retrieval)
	assert.NotNil(t, u.Retrieval.Papers)
	assert.Empty(t, u.Retrieval.Papers)
	assert.Empty(t, u.Retrieval.Warnings)
}

func TestRetrievalStage_DegradePolicy(t *testing.T) {
	searcher := &stubSearcher{
		byQuery: map[string][]Paper{"task 1": {{Title: "Survivor"}}},
		fail:    map[string]error{"q": errors.New("HTTP 503")},
	}
	st := &RetrievalStage{Searcher: searcher, Policy: PolicyDegrade}

	u, err := st.Run(context.Background(), stateWithPlan(t, Plan{Query: "q", Tasks: []string{"task 1"}}))
	require.NoError(t, err)
	require.Len(t, u.Retrieval.Papers, 1)
	assert.Equal(t, "Survivor", u.Retrieval.Papers[0].Title)
	require.Len(t, u.Retrieval.Warnings, 1)
	assert.Contains(t, u.Retrieval.Warnings[0], "HTTP 503")
}

func TestRetrievalStage_DegradeWhenEverythingFails(t *testing.T) {
	searcher := &stubSearcher{fail: map[string]error{"q": errors.New("rate limited")}}
	st := &RetrievalStage{Searcher: searcher}

	u, err := st.Run(context.Background(), stateWithPlan(t, Plan{Query: "q"}))
	require.NoError(t, err)
	assert.Empty(t, u.Retrieval.Papers)
	assert.Len(t, u.Retrieval.Warnings, 1)
}

func TestRetrievalStage_AbortPolicy(t *testing.T) {
	searcher := &stubSearcher{fail: map[string]error{"q": errors.New("rate limited")}}
	st := &RetrievalStage{Searcher: searcher, Policy: PolicyAbort}

	_, err := st.Run(context.Background(), stateWithPlan(t, Plan{Query: "q"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyDegrade, p)

	p, err = ParseFailurePolicy(" ABORT ")
	require.NoError(t, err)
	assert.Equal(t, PolicyAbort, p)

	_, err = ParseFailurePolicy("retry")
	assert.Error(t, err)
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "metformin and cancer risk", NormalizeTitle("  Metformin, and   Cancer Risk! "))
	assert.Equal(t, NormalizeTitle("Beta."), NormalizeTitle("beta"))
	assert.Equal(t, "", NormalizeTitle("?!"))
}

func TestSummaryStage_OmitsFailedPaper(t *testing.T) {
	papers := threePapers()
	st := &SummaryStage{Summarizer: &stubSummarizer{failTitles: map[string]bool{"Paper Two": true}}}

	u, err := st.Run(context.Background(), stateWithPapers(t, papers))
	require.NoError(t, err)
	require.Len(t, u.Summarization.Summaries, 2)
	assert.Equal(t, "Paper One", u.Summarization.Summaries[0].Title)
	assert.Equal(t, "Paper Three", u.Summarization.Summaries[1].Title)
	assert.Equal(t, []SkippedPaper{{Title: "Paper Two", Reason: "summarizer unavailable"}}, u.Summarization.Skipped)
}

type renamingSummarizer struct{}

func (renamingSummarizer) Summarize(_ context.Context, _, _ string, _ Paper) (Summary, error) {
	return Summary{Title: "whatever the model said", KeyPoints: []string{"k"}}, nil
}

func TestSummaryStage_TitleFollowsPaper(t *testing.T) {
	st := &SummaryStage{Summarizer: renamingSummarizer{}}

	u, err := st.Run(context.Background(), stateWithPapers(t, threePapers()))
	require.NoError(t, err)
	for i, sum := range u.Summarization.Summaries {
		assert.Equal(t, threePapers()[i].Title, sum.Title)
	}
}

type slowSummarizer struct{}

func (slowSummarizer) Summarize(ctx context.Context, _, _ string, p Paper) (Summary, error) {
	if p.Title == "Paper Two" {
		<-ctx.Done()
		return Summary{}, ctx.Err()
	}
	return Summary{KeyPoints: []string{"ok"}}, nil
}

func TestSummaryStage_PerPaperTimeout(t *testing.T) {
	st := &SummaryStage{Summarizer: slowSummarizer{}, PaperTimeout: 10 * time.Millisecond}

	u, err := st.Run(context.Background(), stateWithPapers(t, threePapers()))
	require.NoError(t, err)
	assert.Len(t, u.Summarization.Summaries, 2)
	require.Len(t, u.Summarization.Skipped, 1)
	assert.Equal(t, "Paper Two", u.Summarization.Skipped[0].Title)
	assert.Equal(t, context.DeadlineExceeded.Error(), u.Summarization.Skipped[0].Reason)
}

type blockingSummarizer struct {
	calls atomic.Int32
}

func (b *blockingSummarizer) Summarize(ctx context.Context, _, _ string, _ Paper) (Summary, error) {
	b.calls.Add(1)
	<-ctx.Done()
	return Summary{}, ctx.Err()
}

func TestSummaryStage_StageDeadlineFails(t *testing.T) {
	st := &SummaryStage{Summarizer: &blockingSummarizer{}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	u, err := st.Run(ctx, stateWithPapers(t, threePapers()))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, u.Summarization)
}

func TestSummaryStage_NoPapers(t *testing.T) {
	sum := &stubSummarizer{}
	st := &SummaryStage{Summarizer: sum}

	u, err := st.Run(context.Background(), stateWithPapers(t, nil))
	require.NoError(t, err)
	assert.NotNil(t, u.Summarization.Summaries)
	assert.Empty(t, u.Summarization.Summaries)
	assert.Zero(t, sum.calls.Load())
}

func TestReportStage_NoEvidenceSkipsWriter(t *testing.T) {
	w := &stubWriter{}
	s := stateWithPapers(t, nil)
	s, err := s.Merge(Update{Summarization: &Summarization{Summaries: []Summary{}}})
	require.NoError(t, err)

	u, err := (&ReportStage{Writer: w}).Run(context.Background(), s)
	require.NoError(t, err)
	assert.Contains(t, u.Report.Text, "No evidence was found")
	assert.Contains(t, u.Report.Text, "Metformin")
	assert.Zero(t, w.calls.Load())
}

func TestReportStage_WriterFailureAndEmptyText(t *testing.T) {
	s := stateWithPapers(t, threePapers())
	s, err := s.Merge(Update{Summarization: &Summarization{Summaries: []Summary{{Title: "Paper One"}}}})
	require.NoError(t, err)

	_, err = (&ReportStage{Writer: &stubWriter{err: errors.New("quota")}}).Run(context.Background(), s)
	assert.ErrorContains(t, err, "quota")

	_, err = (&ReportStage{Writer: emptyWriter{}}).Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrEmptyReport)
}

type emptyWriter struct{}

func (emptyWriter) WriteReport(context.Context, ReportRequest) (string, error) { return "  ", nil }
