package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mikeboe/pharma-research/pkg/httputil"
	"github.com/mikeboe/pharma-research/pkg/research"
)

// openAlexSearchBase is a var so tests can point it at an httptest server.
var openAlexSearchBase = "https://api.openalex.org/works"

// OpenAlexSearcher queries the OpenAlex works index, which covers PubMed
// indexed journals that arXiv does not.
type OpenAlexSearcher struct {
	Client *http.Client
	// Email is sent as mailto to get into the polite pool.
	Email      string
	MaxRetries int
	Logger     *slog.Logger
}

func NewOpenAlexSearcher(client *http.Client, email string) *OpenAlexSearcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OpenAlexSearcher{Client: client, Email: email, Logger: slog.Default()}
}

func (o *OpenAlexSearcher) Name() string { return "openalex" }

// Search returns up to limit works for query, most relevant first.
func (o *OpenAlexSearcher) Search(ctx context.Context, query string, limit int) ([]research.Paper, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty OpenAlex query")
	}
	if limit <= 0 {
		limit = 5
	}
	if limit > 200 {
		limit = 200
	}

	params := url.Values{
		"search":   {query},
		"per_page": {strconv.Itoa(limit)},
		"page":     {"1"},
		"filter":   {"has_abstract:true"},
	}
	if o.Email != "" {
		params.Set("mailto", o.Email)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, openAlexSearchBase+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := httputil.DoWithRetry(ctx, o.Client, req, o.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("OpenAlex API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OpenAlex API returned HTTP %d", resp.StatusCode)
	}

	var oar openAlexResponse
	if err := json.NewDecoder(resp.Body).Decode(&oar); err != nil {
		return nil, fmt.Errorf("parsing OpenAlex response: %w", err)
	}

	papers := make([]research.Paper, 0, len(oar.Results))
	for _, work := range oar.Results {
		title := collapseSpace(work.Title)
		if title == "" {
			continue
		}
		papers = append(papers, research.Paper{
			Title:    title,
			Abstract: reconstructAbstract(work.AbstractInvertedIndex),
			Link:     work.link(),
			PDFLink:  work.BestOALocation.PDFURL,
		})
	}

	o.logger(ctx).Info("OpenAlex search complete", "query", query, "results", len(papers))
	return papers, nil
}

func (w openAlexWork) link() string {
	switch {
	case w.OpenAccess.OAURL != "":
		return w.OpenAccess.OAURL
	case w.DOI != "":
		return w.DOI
	default:
		return w.ID
	}
}

// logger prefers the run logger carried by ctx.
func (o *OpenAlexSearcher) logger(ctx context.Context) *slog.Logger {
	return research.LoggerFrom(ctx, o.Logger)
}

// reconstructAbstract turns OpenAlex's abstract_inverted_index (word to
// positions) back into text.
func reconstructAbstract(invertedIndex map[string][]int) string {
	if len(invertedIndex) == 0 {
		return ""
	}

	type posWord struct {
		pos  int
		word string
	}
	var pairs []posWord
	for word, positions := range invertedIndex {
		for _, pos := range positions {
			pairs = append(pairs, posWord{pos: pos, word: word})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].pos < pairs[j].pos })

	words := make([]string, len(pairs))
	for i, p := range pairs {
		words[i] = p.word
	}
	return strings.Join(words, " ")
}

type openAlexResponse struct {
	Results []openAlexWork `json:"results"`
}

type openAlexWork struct {
	ID                    string             `json:"id"`
	Title                 string             `json:"title"`
	DOI                   string             `json:"doi"`
	AbstractInvertedIndex map[string][]int   `json:"abstract_inverted_index"`
	OpenAccess            openAlexOpenAccess `json:"open_access"`
	BestOALocation        openAlexLocation   `json:"best_oa_location"`
}

type openAlexLocation struct {
	PDFURL string `json:"pdf_url"`
}

type openAlexOpenAccess struct {
	IsOA  bool   `json:"is_oa"`
	OAURL string `json:"oa_url"`
}
