package tools

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/pharma-research/pkg/research"
)

type fakeBackend struct {
	name   string
	papers []research.Paper
	err    error
	calls  int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Search(context.Context, string, int) ([]research.Paper, error) {
	f.calls++
	return f.papers, f.err
}

func titles(papers []research.Paper) []string {
	out := make([]string, len(papers))
	for i, p := range papers {
		out[i] = p.Title
	}
	return out
}

func TestMultiSearcher_InterleavesAndDedupes(t *testing.T) {
	a := &fakeBackend{name: "arxiv", papers: []research.Paper{{Title: "A1"}, {Title: "Shared"}, {Title: "A3"}}}
	b := &fakeBackend{name: "openalex", papers: []research.Paper{{Title: "shared"}, {Title: "B2"}}}

	m := NewMultiSearcher(a, b)
	papers, err := m.Search(context.Background(), "q", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "shared", "B2", "A3"}, titles(papers))
	assert.Equal(t, "arxiv+openalex", m.Name())
}

func TestMultiSearcher_RespectsLimit(t *testing.T) {
	a := &fakeBackend{name: "a", papers: []research.Paper{{Title: "A1"}, {Title: "A2"}}}
	b := &fakeBackend{name: "b", papers: []research.Paper{{Title: "B1"}, {Title: "B2"}}}

	papers, err := NewMultiSearcher(a, b).Search(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "B1", "A2"}, titles(papers))
}

func TestMultiSearcher_OneBackendDown(t *testing.T) {
	a := &fakeBackend{name: "a", err: errors.New("HTTP 503")}
	b := &fakeBackend{name: "b", papers: []research.Paper{{Title: "B1"}}}

	papers, err := NewMultiSearcher(a, b).Search(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, titles(papers))
}

func TestMultiSearcher_AllBackendsDown(t *testing.T) {
	a := &fakeBackend{name: "a", err: errors.New("HTTP 503")}
	b := &fakeBackend{name: "b", err: errors.New("timeout")}

	_, err := NewMultiSearcher(a, b).Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a: HTTP 503")
	assert.Contains(t, err.Error(), "b: timeout")
}

func TestMultiSearcher_NoBackends(t *testing.T) {
	_, err := NewMultiSearcher().Search(context.Background(), "q", 3)
	assert.Error(t, err)
}

func TestMultiSearcher_LogsToRunLogger(t *testing.T) {
	a := &fakeBackend{name: "a", err: errors.New("HTTP 503")}
	b := &fakeBackend{name: "b", papers: []research.Paper{{Title: "B1"}}}

	var process, run bytes.Buffer
	m := NewMultiSearcher(a, b)
	m.Logger = slog.New(slog.NewTextHandler(&process, nil))
	ctx := research.ContextWithLogger(context.Background(), slog.New(slog.NewTextHandler(&run, nil)))

	_, err := m.Search(ctx, "q", 3)
	require.NoError(t, err)
	assert.Contains(t, run.String(), `msg="Search backend failed" backend=a`)
	assert.Empty(t, process.String())
}
