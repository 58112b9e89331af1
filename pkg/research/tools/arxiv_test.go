package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/pharma-research/pkg/research"
)

const arxivFeedXML = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2301.00001v1</id>
    <title>Metformin and
      Glycemic Control</title>
    <summary>  Metformin lowers HbA1c in adults.  </summary>
    <published>2023-01-01T00:00:00Z</published>
    <link href="http://arxiv.org/abs/2301.00001v1" rel="alternate" type="text/html"/>
    <link title="pdf" href="http://arxiv.org/pdf/2301.00001v1" rel="related" type="application/pdf"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2301.00002v2</id>
    <title>Lactic Acidosis Risk</title>
    <summary>Rare adverse events.</summary>
    <link href="http://arxiv.org/abs/2301.00002v2" rel="alternate" type="text/html"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2301.00003v1</id>
    <title>   </title>
  </entry>
</feed>`

func withArxivServer(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	old := arxivAPIBase
	arxivAPIBase = ts.URL
	t.Cleanup(func() { arxivAPIBase = old })
}

func TestArxivSearcher_Search(t *testing.T) {
	var gotQuery, gotMax string
	withArxivServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("search_query")
		gotMax = r.URL.Query().Get("max_results")
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(arxivFeedXML))
	})

	s := NewArxivSearcher(http.DefaultClient)
	s.Limiter = nil

	papers, err := s.Search(context.Background(), "metformin  diabetes", 4)
	require.NoError(t, err)

	assert.Equal(t, "all:metformin AND all:diabetes", gotQuery)
	assert.Equal(t, "4", gotMax)
	require.Len(t, papers, 2)
	assert.Equal(t, "Metformin and Glycemic Control", papers[0].Title)
	assert.Equal(t, "Metformin lowers HbA1c in adults.", papers[0].Abstract)
	assert.Equal(t, "http://arxiv.org/pdf/2301.00001v1", papers[0].Link)
	assert.Equal(t, "http://arxiv.org/pdf/2301.00001v1", papers[0].PDFLink)
	assert.Equal(t, "http://arxiv.org/abs/2301.00002v2", papers[1].Link)
	assert.Empty(t, papers[1].PDFLink)
}

func TestArxivSearcher_HTTPError(t *testing.T) {
	withArxivServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	s := NewArxivSearcher(http.DefaultClient)
	s.Limiter = nil

	_, err := s.Search(context.Background(), "metformin", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestArxivSearcher_EmptyQuery(t *testing.T) {
	_, err := NewArxivSearcher(nil).Search(context.Background(), "  ", 3)
	assert.Error(t, err)
}

func TestArxivSearcher_LimiterHonoursContext(t *testing.T) {
	s := NewArxivSearcher(http.DefaultClient)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Search(ctx, "metformin", 3)
	assert.Error(t, err)
}

type recordingFetcher struct {
	links []string
}

func (f *recordingFetcher) FetchText(_ context.Context, link string) (string, error) {
	f.links = append(f.links, link)
	return "Full text: metformin reduced HbA1c by 1.1% over 24 weeks.", nil
}

type cannedLLM struct {
	prompts []string
}

func (m *cannedLLM) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	var b strings.Builder
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if tp, ok := part.(llms.TextContent); ok {
				b.WriteString(tp.Text)
			}
		}
	}
	m.prompts = append(m.prompts, b.String())
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: `{"key_points":["lowers HbA1c"],"score":8}`}}}, nil
}

func (m *cannedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestArxivPaper_SummarizedFromFullText(t *testing.T) {
	withArxivServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(arxivFeedXML))
	})
	s := NewArxivSearcher(http.DefaultClient)
	s.Limiter = nil

	papers, err := s.Search(context.Background(), "metformin", 3)
	require.NoError(t, err)
	require.NotEmpty(t, papers)

	llm := &cannedLLM{}
	fetcher := &recordingFetcher{}
	analyst := research.NewLLMAnalyst(llm)
	analyst.FullText = fetcher

	sum, err := analyst.Summarize(context.Background(), "Metformin", "Type 2 Diabetes", papers[0])
	require.NoError(t, err)
	assert.Equal(t, papers[0].Title, sum.Title)
	assert.Equal(t, []string{"http://arxiv.org/pdf/2301.00001v1"}, fetcher.links)
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "reduced HbA1c by 1.1%")

	// The second entry has no PDF link, so its abstract is used.
	_, err = analyst.Summarize(context.Background(), "Metformin", "Type 2 Diabetes", papers[1])
	require.NoError(t, err)
	assert.Len(t, fetcher.links, 1)
	assert.Contains(t, llm.prompts[1], "Rare adverse events.")
}
