package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/chemalyze/internal/logging"
)

// Status describes what a session workspace currently holds.
type Status struct {
	State         string      `json:"state"`
	HasExtraction bool        `json:"hasExtraction"`
	HasAnalysis   bool        `json:"hasAnalysis"`
	LastRun       *RunSummary `json:"lastRun,omitempty"`
}

// RunSummary is the client-visible part of a run log entry.
type RunSummary struct {
	RunID      string `json:"runId"`
	Stage      string `json:"stage"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"durationMs"`
}

// StageMetrics represents aggregated insights for one stage.
type StageMetrics struct {
	Stage             string  `json:"stage"`
	TotalRuns         int64   `json:"total_runs"`
	SuccessfulRuns    int64   `json:"successful_runs"`
	SuccessRate       float64 `json:"success_rate"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

// LatestResult returns the last analysis produced for session, preferring the
// cached copy and falling back to the final artifact.
func (uc *PipelineUseCase) LatestResult(ctx context.Context, session string) (string, bool, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.latest_result", "")
	var cached string
	err := uc.withRedisRetry(ctx, "", "cache.get.result", func() error {
		value, err := uc.cache.Get(ctx, resultKey(session))
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	if err == nil {
		return cached, true, nil
	}
	if !isCacheMiss(err) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	text, ok, err := uc.store.GetFinal(session)
	if err != nil {
		return "", false, &PipelineError{Kind: ErrStorage, Stage: StageAnalysis, Message: "Failed to read generated analysis", Err: err}
	}
	return text, ok, nil
}

// Status reports the transient run state and which artifacts exist for session.
func (uc *PipelineUseCase) Status(ctx context.Context, session string) (*Status, error) {
	status := &Status{State: StateIdle}

	if state, err := uc.cache.Get(ctx, stateKey(session)); err == nil && state != "" {
		status.State = state
	} else if err != nil && !isCacheMiss(err) {
		logging.WithOperation(uc.logger, "cache.get.state", "").Warn("failed to read run state", zap.Error(err))
	}

	_, hasExtraction, err := uc.store.GetIntermediate(session)
	if err != nil {
		return nil, &PipelineError{Kind: ErrStorage, Stage: StageRecognition, Message: "Failed to read extracted text", Err: err}
	}
	_, hasAnalysis, err := uc.store.GetFinal(session)
	if err != nil {
		return nil, &PipelineError{Kind: ErrStorage, Stage: StageAnalysis, Message: "Failed to read generated analysis", Err: err}
	}
	status.HasExtraction = hasExtraction
	status.HasAnalysis = hasAnalysis

	if uc.recorder != nil {
		last, err := uc.latestRun(ctx, session)
		if err != nil {
			logging.WithOperation(uc.logger, "usecase.status", "").Warn("failed to load last run", zap.Error(err))
		}
		status.LastRun = last
	}
	return status, nil
}

func (uc *PipelineUseCase) latestRun(ctx context.Context, session string) (*RunSummary, error) {
	var latest *RunSummary
	var latestAt int64
	for _, stage := range []string{StageRecognition, StageAnalysis} {
		log, err := uc.recorder.LatestRun(ctx, session, stage)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		if at := log.CreatedAt.UnixNano(); latest == nil || at > latestAt {
			latestAt = at
			latest = &RunSummary{RunID: log.RunID, Stage: log.Stage, Success: log.Success, DurationMs: log.DurationMs}
		}
	}
	return latest, nil
}

// GetMetricsSummary aggregates stage metrics from persisted run logs.
func (uc *PipelineUseCase) GetMetricsSummary(ctx context.Context) ([]StageMetrics, error) {
	if uc.recorder == nil {
		return nil, ErrMetricsUnavailable
	}
	rows, err := uc.recorder.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := make([]StageMetrics, 0, len(rows))
	for _, row := range rows {
		metrics := StageMetrics{
			Stage:             row.Stage,
			TotalRuns:         row.TotalCount,
			SuccessfulRuns:    row.SuccessCount,
			AverageDurationMs: row.AverageDurationMs,
		}
		if row.TotalCount > 0 {
			metrics.SuccessRate = float64(row.SuccessCount) / float64(row.TotalCount)
		}
		summary = append(summary, metrics)
	}
	return summary, nil
}
