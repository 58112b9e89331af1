package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mikeboe/pharma-research/pkg/httputil"
	"github.com/mikeboe/pharma-research/pkg/research"
)

// arxivAPIBase is a var so tests can point it at an httptest server.
var arxivAPIBase = "https://export.arxiv.org/api/query"

// ArxivEntry struct to hold arXiv entry data
type ArxivEntry struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Link      []ArxivLink `xml:"link"`
}

// ArxivLink struct to hold arXiv link data
type ArxivLink struct {
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
	Rel  string `xml:"rel,attr"`
}

// ArxivFeed struct to hold the entire arXiv feed
type ArxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []ArxivEntry `xml:"entry"`
}

// ArxivSearcher queries the arXiv Atom API. arXiv asks clients to keep to one
// request every three seconds, so calls share a limiter.
type ArxivSearcher struct {
	Client     *http.Client
	Limiter    *rate.Limiter
	MaxRetries int
	Logger     *slog.Logger
}

// NewArxivSearcher returns a searcher with the polite arXiv rate.
func NewArxivSearcher(client *http.Client) *ArxivSearcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ArxivSearcher{
		Client:  client,
		Limiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
		Logger:  slog.Default(),
	}
}

// Name identifies the backend in logs and warnings.
func (a *ArxivSearcher) Name() string { return "arxiv" }

// Search returns up to limit papers for query.
func (a *ArxivSearcher) Search(ctx context.Context, query string, limit int) ([]research.Paper, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty arXiv query")
	}
	if limit <= 0 {
		limit = 5
	}

	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	params := url.Values{}
	params.Add("search_query", "all:"+strings.Join(strings.Fields(query), " AND all:"))
	params.Add("max_results", strconv.Itoa(limit))
	params.Add("start", "0")
	params.Add("sortBy", "relevance")
	apiURL := arxivAPIBase + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	a.logger(ctx).Info("Searching arXiv", "query", query, "max_results", limit)

	resp, err := httputil.DoWithRetry(ctx, a.Client, req, a.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		a.logger(ctx).Error("API returned non-200 status code", "status", resp.StatusCode, "body", string(bodyBytes))
		return nil, fmt.Errorf("arXiv API returned HTTP %d", resp.StatusCode)
	}

	var feed ArxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XML: %w", err)
	}

	papers := make([]research.Paper, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		title := collapseSpace(entry.Title)
		if title == "" {
			continue
		}
		papers = append(papers, research.Paper{
			Title:    title,
			Abstract: collapseSpace(entry.Summary),
			Link:     entry.link(),
			PDFLink:  entry.pdfLink(),
		})
	}

	a.logger(ctx).Info("arXiv search complete", "query", query, "results", len(papers))
	return papers, nil
}

// link prefers the PDF, then the abstract page, then the entry id.
func (e ArxivEntry) link() string {
	if pdf := e.pdfLink(); pdf != "" {
		return pdf
	}
	for _, l := range e.Link {
		if l.Rel == "alternate" && l.Href != "" {
			return l.Href
		}
	}
	return strings.TrimSpace(e.ID)
}

// pdfLink returns the link arXiv types as application/pdf. arXiv PDF URLs
// carry no extension, so the type attribute is the only reliable marker.
func (e ArxivEntry) pdfLink() string {
	for _, l := range e.Link {
		if l.Type == "application/pdf" && l.Href != "" {
			return l.Href
		}
	}
	return ""
}

// logger prefers the run logger carried by ctx.
func (a *ArxivSearcher) logger(ctx context.Context) *slog.Logger {
	return research.LoggerFrom(ctx, a.Logger)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
