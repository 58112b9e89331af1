package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/pharma-research/pkg/research"
)

// Backend is a named literature source.
type Backend interface {
	research.PaperSearcher
	Name() string
}

// MultiSearcher queries every backend in parallel and interleaves the results so
// each source is represented. It only fails when every backend fails.
type MultiSearcher struct {
	Backends []Backend
	Logger   *slog.Logger
}

func NewMultiSearcher(backends ...Backend) *MultiSearcher {
	return &MultiSearcher{Backends: backends, Logger: slog.Default()}
}

func (m *MultiSearcher) Name() string {
	names := make([]string, len(m.Backends))
	for i, b := range m.Backends {
		names[i] = b.Name()
	}
	return strings.Join(names, "+")
}

func (m *MultiSearcher) Search(ctx context.Context, query string, limit int) ([]research.Paper, error) {
	if len(m.Backends) == 0 {
		return nil, fmt.Errorf("no search backends configured")
	}

	results := make([][]research.Paper, len(m.Backends))
	errs := make([]error, len(m.Backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range m.Backends {
		g.Go(func() error {
			papers, err := b.Search(gctx, query, limit)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", b.Name(), err)
				m.logger(ctx).Warn("Search backend failed", "backend", b.Name(), "query", query, "error", err)
				return nil
			}
			results[i] = papers
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(m.Backends) {
		return nil, errors.Join(errs...)
	}

	return interleave(results, limit), nil
}

// interleave takes one paper from each backend in turn, skipping titles already
// taken, until limit papers are collected.
func interleave(results [][]research.Paper, limit int) []research.Paper {
	seen := make(map[string]bool)
	var out []research.Paper
	for i := 0; ; i++ {
		progressed := false
		for _, papers := range results {
			if i >= len(papers) {
				continue
			}
			progressed = true
			key := research.NormalizeTitle(papers[i].Title)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, papers[i])
			if limit > 0 && len(out) == limit {
				return out
			}
		}
		if !progressed {
			return out
		}
	}
}

// logger prefers the run logger carried by ctx.
func (m *MultiSearcher) logger(ctx context.Context) *slog.Logger {
	return research.LoggerFrom(ctx, m.Logger)
}
