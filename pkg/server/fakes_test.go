package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/pharma-research/pkg/database"
	"github.com/mikeboe/pharma-research/pkg/evidence"
	"github.com/mikeboe/pharma-research/pkg/research"
)

// fakeAnalyst implements every pipeline capability with canned answers.
type fakeAnalyst struct {
	papers   []research.Paper
	writeErr error
}

func (f *fakeAnalyst) DeriveTasks(_ context.Context, drug, disease string) (research.Plan, error) {
	return research.Plan{Query: drug + " " + disease}, nil
}

func (f *fakeAnalyst) Search(context.Context, string, int) ([]research.Paper, error) {
	return f.papers, nil
}

func (f *fakeAnalyst) Summarize(ctx context.Context, _, _ string, p research.Paper) (research.Summary, error) {
	research.LoggerFrom(ctx, nil).Info("Summarizing paper", "title", p.Title)
	return research.Summary{Title: p.Title, KeyPoints: []string{"finding from " + p.Title}, Score: 5}, nil
}

func (f *fakeAnalyst) WriteReport(_ context.Context, req research.ReportRequest) (string, error) {
	if f.writeErr != nil {
		return "", f.writeErr
	}
	return "Report on " + req.Drug + " for " + req.Disease, nil
}

func newFakeEngine(f *fakeAnalyst) *research.Engine {
	e, err := research.NewEngine(research.Capabilities{
		Deriver:    f,
		Searcher:   f,
		Summarizer: f,
		Writer:     f,
	}, research.DefaultEngineConfig())
	if err != nil {
		panic(err)
	}
	return e
}

func twoPapers() []research.Paper {
	return []research.Paper{
		{Title: "Metformin and HbA1c", Abstract: "a", Link: "https://example.org/1"},
		{Title: "Metformin safety", Abstract: "b", Link: "https://example.org/2"},
	}
}

// countingPipeline records whether it ran and returns a fixed result.
type countingPipeline struct {
	out   research.QueryOutput
	err   error
	calls atomic.Int32
}

func (p *countingPipeline) Run(_ context.Context, in research.QueryInput, _ ...research.RunOption) (research.QueryOutput, error) {
	p.calls.Add(1)
	if p.err != nil {
		return research.QueryOutput{}, p.err
	}
	out := p.out
	out.Drug, out.Disease = in.Drug, in.Disease
	return out, nil
}

type memRunStore struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]*database.Run
	snapshots map[uuid.UUID]int
	logs      map[uuid.UUID][]database.LogEntry
	createErr error
}

func newMemRunStore() *memRunStore {
	return &memRunStore{
		runs:      map[uuid.UUID]*database.Run{},
		snapshots: map[uuid.UUID]int{},
		logs:      map[uuid.UUID][]database.LogEntry{},
	}
}

func (m *memRunStore) CreateRun(_ context.Context, id uuid.UUID, drug, disease string) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.runs[id] = &database.Run{ID: id, Drug: drug, Disease: disease, Status: database.StatusRunning, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *memRunStore) SaveState(_ context.Context, id uuid.UUID, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return database.ErrNotFound
	}
	r.State = state
	m.snapshots[id]++
	return nil
}

func (m *memRunStore) CompleteRun(_ context.Context, id uuid.UUID, output []byte, report string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return database.ErrNotFound
	}
	r.Status, r.Output, r.Report = database.StatusCompleted, output, &report
	return nil
}

func (m *memRunStore) FailRun(_ context.Context, id uuid.UUID, stage, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return database.ErrNotFound
	}
	r.Status, r.Error = database.StatusFailed, &reason
	if stage != "" {
		r.FailedStage = &stage
	}
	return nil
}

func (m *memRunStore) GetRun(_ context.Context, id uuid.UUID) (*database.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRunStore) ListRuns(context.Context, int) ([]database.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []database.Run{}
	for _, r := range m.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memRunStore) InsertLog(_ context.Context, runID uuid.UUID, ts time.Time, level, message string, metadata []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.logs[runID]
	m.logs[runID] = append(entries, database.LogEntry{
		ID: len(entries) + 1, Timestamp: ts, Level: level, Message: message, Metadata: metadata,
	})
	return nil
}

func (m *memRunStore) GetRunLogs(_ context.Context, runID uuid.UUID) ([]database.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]database.LogEntry(nil), m.logs[runID]...), nil
}

func (m *memRunStore) only() *database.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		cp := *r
		return &cp
	}
	return nil
}

type fakeEvidence struct {
	mu      sync.Mutex
	indexed []string
	hits    []evidence.Hit
	lastQ   evidence.Query
}

func (f *fakeEvidence) IndexRun(_ context.Context, runID string, _ research.QueryOutput) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, runID)
	return 3, nil
}

func (f *fakeEvidence) Search(_ context.Context, q evidence.Query) ([]evidence.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQ = q
	return f.hits, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

var errRedisDown = errors.New("dial tcp: connection refused")
