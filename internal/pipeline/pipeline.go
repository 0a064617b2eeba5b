// Package pipeline implements the per-content-item analysis run state
// machine. Every mutator no-ops when the run, or the step it targets,
// is already terminal, which keeps transitions idempotent under
// at-least-once delivery and out-of-order arrival. Reinitialization is
// the only path that reopens a terminal step.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/config"
	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/store"
)

// StepEnqueuer re-enqueues analysis step jobs during reinitialization.
// The worker wiring implements it over the dedup layer.
type StepEnqueuer interface {
	EnqueueStep(ctx context.Context, run *domain.PipelineRun, step domain.StepName) (uuid.UUID, error)
}

// Service coordinates pipeline run state transitions.
type Service struct {
	runs     store.PipelineRunStore
	enqueuer StepEnqueuer
	caps     map[domain.StepName]int
	logger   *slog.Logger
}

// NewService creates a pipeline service. Reinitialize caps come from
// configuration keyed by step name; a step absent from the map is
// never reinitialized.
func NewService(runs store.PipelineRunStore, enqueuer StepEnqueuer, cfg config.PipelineConfig, log *slog.Logger) *Service {
	caps := make(map[domain.StepName]int, len(cfg.ReinitializeCaps))
	for name, cap := range cfg.ReinitializeCaps {
		caps[domain.StepName(name)] = cap
	}
	return &Service{
		runs:     runs,
		enqueuer: enqueuer,
		caps:     caps,
		logger:   log.With("component", "pipeline_service"),
	}
}

// Start creates a new run for the content item with every required
// step pending and persists it.
func (s *Service) Start(ctx context.Context, contentItemID uuid.UUID, accountID int64, required []domain.StepName) (uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	run, err := domain.NewPipelineRun(contentItemID, accountID, required)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create pipeline run: %w", err)
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return uuid.Nil, fmt.Errorf("failed to persist pipeline run: %w", err)
	}

	log.Info("pipeline run started",
		"run_id", run.ID,
		"content_item_id", contentItemID,
		"account_id", accountID,
		"required_steps", len(required))
	return run.ID, nil
}

// MarkStepQueued records that the step's job has been placed on a
// queue. Re-queueing an already-queued step overwrites the job id only,
// so a duplicate enqueue race settles on whichever job id arrived last.
func (s *Service) MarkStepQueued(ctx context.Context, runID uuid.UUID, step domain.StepName, queueName string, jobID uuid.UUID) (*domain.PipelineRun, error) {
	return s.mutateStep(ctx, runID, step, func(log *slog.Logger, state *domain.StepState) {
		now := time.Now().UTC()
		if state.Status == domain.StepStatusQueued && state.JobID != jobID {
			log.Info("step already queued, overwriting job id",
				"run_id", runID,
				"step", step,
				"previous_job_id", state.JobID,
				"job_id", jobID)
			state.JobID = jobID
			return
		}
		state.Status = domain.StepStatusQueued
		state.QueueName = queueName
		state.JobID = jobID
		state.QueuedAt = &now
	})
}

// MarkStepRunning records that a worker has picked up the step,
// incrementing its attempt counter.
func (s *Service) MarkStepRunning(ctx context.Context, runID uuid.UUID, step domain.StepName) (*domain.PipelineRun, error) {
	return s.mutateStep(ctx, runID, step, func(_ *slog.Logger, state *domain.StepState) {
		now := time.Now().UTC()
		state.Status = domain.StepStatusRunning
		state.Attempts++
		state.StartedAt = &now
	})
}

// MarkStepCompleted records a successful step outcome with its result
// metadata.
func (s *Service) MarkStepCompleted(ctx context.Context, runID uuid.UUID, step domain.StepName, result map[string]any) (*domain.PipelineRun, error) {
	return s.mutateStep(ctx, runID, step, func(_ *slog.Logger, state *domain.StepState) {
		now := time.Now().UTC()
		state.Status = domain.StepStatusCompleted
		state.Result = result
		state.LastError = ""
		state.FinishedAt = &now
	})
}

// MarkStepFailed records a failed step outcome with the error message.
func (s *Service) MarkStepFailed(ctx context.Context, runID uuid.UUID, step domain.StepName, errMsg string) (*domain.PipelineRun, error) {
	return s.mutateStep(ctx, runID, step, func(_ *slog.Logger, state *domain.StepState) {
		now := time.Now().UTC()
		state.Status = domain.StepStatusFailed
		state.LastError = errMsg
		state.FinishedAt = &now
	})
}

// mutateStep loads the run, applies the mutation if the run is still
// live and the step is required, and saves it. A terminal run, or a
// step already in a terminal status, returns the current state
// unmodified: a late duplicate delivery must never regress a finished
// step or inflate its attempt count.
func (s *Service) mutateStep(ctx context.Context, runID uuid.UUID, step domain.StepName, apply func(*slog.Logger, *domain.StepState)) (*domain.PipelineRun, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline run: %w", err)
	}

	if run.Terminal() {
		log.Debug("ignoring step transition for terminal run",
			"run_id", runID,
			"step", step,
			"run_status", run.Status)
		return run, nil
	}

	if !run.Requires(step) {
		return nil, fmt.Errorf("%w: step %q not in required set for run %s", store.ErrInvalidEntity, step, runID)
	}

	state, ok := run.Steps[step]
	if !ok {
		state = &domain.StepState{Status: domain.StepStatusPending}
		run.Steps[step] = state
	}

	if state.Status.Terminal() {
		log.Debug("ignoring transition for terminal step",
			"run_id", runID,
			"step", step,
			"step_status", state.Status)
		return run, nil
	}

	apply(log, state)
	run.UpdatedAt = time.Now().UTC()

	if err := s.runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save pipeline run: %w", err)
	}
	return run, nil
}

// GetRun loads a run by id.
func (s *Service) GetRun(ctx context.Context, runID uuid.UUID) (*domain.PipelineRun, error) {
	return s.runs.GetByID(ctx, runID)
}

// MarkPipelineFinished moves the run to a terminal status and logs the
// step and timing rollup. Callers invoke it once all required steps
// reach a terminal per-step status, or force it on a hard failure
// path. Finishing an already-terminal run is a no-op that returns the
// current state.
func (s *Service) MarkPipelineFinished(ctx context.Context, runID uuid.UUID, status domain.RunStatus, details string) (*domain.PipelineRun, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal run status", store.ErrInvalidEntity, status)
	}

	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline run: %w", err)
	}

	if run.Terminal() {
		log.Debug("ignoring finish for terminal run",
			"run_id", runID,
			"run_status", run.Status)
		return run, nil
	}

	now := time.Now().UTC()
	run.Status = status
	run.StatusDetails = details
	run.FinishedAt = &now
	run.UpdatedAt = now

	if err := s.runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save pipeline run: %w", err)
	}

	rollup := run.Rollup()
	log.Info("pipeline run finished",
		"run_id", runID,
		"content_item_id", run.ContentItemID,
		"account_id", run.AccountID,
		"status", status,
		"steps_completed", rollup.Completed,
		"steps_failed", rollup.Failed,
		"steps_pending", rollup.Pending,
		"total_elapsed", rollup.TotalElapsed)
	return run, nil
}
