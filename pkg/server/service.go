package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mikeboe/pharma-research/pkg/database"
	"github.com/mikeboe/pharma-research/pkg/evidence"
	"github.com/mikeboe/pharma-research/pkg/metrics"
	"github.com/mikeboe/pharma-research/pkg/research"
)

// ErrDisabled is returned by optional features whose backing store is not configured.
var ErrDisabled = errors.New("feature not enabled")

// Pipeline runs one research request.
type Pipeline interface {
	Run(ctx context.Context, in research.QueryInput, opts ...research.RunOption) (research.QueryOutput, error)
}

// RunStore keeps run history and per-run logs.
type RunStore interface {
	LogSink
	CreateRun(ctx context.Context, id uuid.UUID, drug, disease string) error
	SaveState(ctx context.Context, id uuid.UUID, state []byte) error
	CompleteRun(ctx context.Context, id uuid.UUID, output []byte, report string) error
	FailRun(ctx context.Context, id uuid.UUID, stage, reason string) error
	GetRun(ctx context.Context, id uuid.UUID) (*database.Run, error)
	ListRuns(ctx context.Context, limit int) ([]database.Run, error)
	GetRunLogs(ctx context.Context, runID uuid.UUID) ([]database.LogEntry, error)
}

// EvidenceIndex stores finished runs for semantic search.
type EvidenceIndex interface {
	IndexRun(ctx context.Context, runID string, out research.QueryOutput) (int, error)
	Search(ctx context.Context, q evidence.Query) ([]evidence.Hit, error)
}

// Pinger is a dependency reported by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Service wires the pipeline to the optional history, evidence and metrics
// backends. Runs and Evidence may be nil.
type Service struct {
	Pipeline       Pipeline
	Runs           RunStore
	Evidence       EvidenceIndex
	Metrics        *metrics.Collector
	Checks         map[string]Pinger
	Logger         *slog.Logger
	RequestTimeout time.Duration

	wg sync.WaitGroup
}

func NewService(p Pipeline, logger *slog.Logger) *Service {
	return &Service{
		Pipeline:       p,
		Logger:         logger,
		RequestTimeout: 10 * time.Minute,
		Checks:         map[string]Pinger{},
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Research validates the request, runs the pipeline and records the outcome.
// The returned run id is uuid.Nil when history is disabled or could not be
// written.
func (s *Service) Research(ctx context.Context, in research.QueryInput) (uuid.UUID, research.QueryOutput, error) {
	if err := in.Validate(); err != nil {
		s.recordRun("rejected", 0)
		return uuid.Nil, research.QueryOutput{}, err
	}

	if s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
		defer cancel()
	}

	runID := uuid.New()
	logger := s.logger().With("run_id", runID.String())
	opts := []research.RunOption{}

	history := s.Runs != nil
	if history {
		if err := s.Runs.CreateRun(ctx, runID, in.Drug, in.Disease); err != nil {
			logger.Warn("Failed to record run, continuing without history", "error", err)
			history = false
		}
	}
	if history {
		logger = slog.New(NewDBLogHandler(s.Runs, runID, s.logger().Handler())).With("run_id", runID.String())
		opts = append(opts, research.WithStateHook(s.saveState(ctx, runID, logger)))
	}
	opts = append(opts, research.WithRunLogger(logger))

	logger.Info("Research run started", "drug", in.Drug, "disease", in.Disease)
	start := time.Now()
	out, err := s.Pipeline.Run(ctx, in, opts...)
	elapsed := time.Since(start)

	// Bookkeeping must still land when the request was cancelled.
	bg := context.WithoutCancel(ctx)

	if err != nil {
		s.recordRun("failed", elapsed)
		stage := ""
		var serr *research.StageError
		if errors.As(err, &serr) {
			stage = serr.Stage
		}
		logger.Error("Research run failed", "stage", stage, "error", err)
		if history {
			if ferr := s.Runs.FailRun(bg, runID, stage, err.Error()); ferr != nil {
				s.logger().Error("Failed to mark run failed", "run_id", runID, "error", ferr)
			}
			return runID, research.QueryOutput{}, err
		}
		return uuid.Nil, research.QueryOutput{}, err
	}

	s.recordRun("completed", elapsed)
	logger.Info("Research run completed",
		"papers", len(out.Papers),
		"summaries", len(out.Summaries),
		"duration", elapsed)

	if history {
		data, merr := json.Marshal(out)
		if merr == nil {
			merr = s.Runs.CompleteRun(bg, runID, data, out.FinalReport)
		}
		if merr != nil {
			s.logger().Error("Failed to save final output", "run_id", runID, "error", merr)
		}
	}

	if s.Evidence != nil && len(out.Papers) > 0 {
		s.indexAsync(bg, runID, out, logger)
	}

	if !history {
		return uuid.Nil, out, nil
	}
	return runID, out, nil
}

func (s *Service) saveState(ctx context.Context, runID uuid.UUID, logger *slog.Logger) func(string, research.State) {
	return func(stage string, st research.State) {
		data, err := json.Marshal(st)
		if err != nil {
			logger.Error("Failed to marshal state", "stage", stage, "error", err)
			return
		}
		if err := s.Runs.SaveState(context.WithoutCancel(ctx), runID, data); err != nil {
			logger.Error("Failed to save state to DB", "stage", stage, "error", err)
		}
	}
}

// indexAsync embeds the run output in the background so the response is not
// held up by the embedding calls.
func (s *Service) indexAsync(ctx context.Context, runID uuid.UUID, out research.QueryOutput, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()

		n, err := s.Evidence.IndexRun(ctx, runID.String(), out)
		if err != nil {
			logger.Warn("Failed to index evidence", "error", err)
			return
		}
		logger.Info("Evidence indexed", "chunks", n)
	}()
}

// Wait blocks until background indexing has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) recordRun(status string, d time.Duration) {
	if s.Metrics != nil {
		s.Metrics.RecordRun(status, d)
	}
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]database.Run, error) {
	if s.Runs == nil {
		return nil, ErrDisabled
	}
	return s.Runs.ListRuns(ctx, limit)
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*database.Run, error) {
	if s.Runs == nil {
		return nil, ErrDisabled
	}
	return s.Runs.GetRun(ctx, id)
}

func (s *Service) GetRunLogs(ctx context.Context, id uuid.UUID) ([]database.LogEntry, error) {
	if s.Runs == nil {
		return nil, ErrDisabled
	}
	if _, err := s.Runs.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return s.Runs.GetRunLogs(ctx, id)
}

func (s *Service) SearchEvidence(ctx context.Context, q evidence.Query) ([]evidence.Hit, error) {
	if s.Evidence == nil {
		return nil, ErrDisabled
	}
	return s.Evidence.Search(ctx, q)
}

// Health pings every registered dependency and returns their status by name.
func (s *Service) Health(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	status := make(map[string]string, len(s.Checks))
	healthy := true
	for name, p := range s.Checks {
		if err := p.Ping(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	return status, healthy
}
