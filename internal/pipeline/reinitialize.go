package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/store"
)

// Skip reasons reported by ReinitializeFailedSteps.
const (
	SkipRunNotFound   = "run_not_found"
	SkipRunTerminal   = "run_terminal"
	SkipStepNotFailed = "step_not_failed"
	SkipStepNotMapped = "step_not_mapped"
	SkipCapExceeded   = "reinitialize_cap_exceeded"
	SkipEnqueueFailed = "enqueue_failed"
)

// StepOutcome reports what happened to one step during a
// reinitialization pass.
type StepOutcome struct {
	Step       domain.StepName `json:"step"`
	Requeued   bool            `json:"requeued"`
	JobID      uuid.UUID       `json:"job_id,omitempty"`
	SkipReason string          `json:"skip_reason,omitempty"`
}

// ReinitializeReport summarizes a reinitialization pass over a run.
type ReinitializeReport struct {
	RunID    uuid.UUID     `json:"run_id"`
	Outcomes []StepOutcome `json:"outcomes"`
}

// Requeued counts the steps that were re-enqueued.
func (r ReinitializeReport) Requeued() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Requeued {
			n++
		}
	}
	return n
}

// ReinitializeFailedSteps re-enqueues every failed required step of the
// run that still has reinitialize budget. Each step kind carries its
// own attempt cap; exceeding the cap, an unmapped step name, a missing
// run, or a terminal run all report the step as skipped rather than
// returning an error. A failure while re-enqueueing one step is
// isolated to that step; the rest of the batch proceeds.
func (s *Service) ReinitializeFailedSteps(ctx context.Context, runID uuid.UUID) (ReinitializeReport, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)
	report := ReinitializeReport{RunID: runID}

	run, err := s.runs.GetByID(ctx, runID)
	if store.IsNotFoundError(err) {
		log.Warn("reinitialize requested for unknown run", "run_id", runID)
		report.Outcomes = append(report.Outcomes, StepOutcome{SkipReason: SkipRunNotFound})
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("failed to load pipeline run: %w", err)
	}

	if run.Terminal() {
		log.Info("reinitialize requested for terminal run",
			"run_id", runID,
			"run_status", run.Status)
		for _, step := range run.RequiredSteps {
			report.Outcomes = append(report.Outcomes, StepOutcome{Step: step, SkipReason: SkipRunTerminal})
		}
		return report, nil
	}

	dirty := false
	for _, step := range run.RequiredSteps {
		outcome := s.reinitializeStep(ctx, log, run, step)
		if outcome.Requeued {
			dirty = true
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	if dirty {
		run.UpdatedAt = time.Now().UTC()
		if err := s.runs.Save(ctx, run); err != nil {
			return report, fmt.Errorf("failed to save pipeline run: %w", err)
		}
	}
	return report, nil
}

func (s *Service) reinitializeStep(ctx context.Context, log *slog.Logger, run *domain.PipelineRun, step domain.StepName) StepOutcome {
	state, ok := run.Steps[step]
	if !ok || state.Status != domain.StepStatusFailed {
		return StepOutcome{Step: step, SkipReason: SkipStepNotFailed}
	}

	maxAttempts, mapped := s.caps[step]
	if !mapped {
		log.Warn("no reinitialize cap configured for step",
			"run_id", run.ID,
			"step", step)
		return StepOutcome{Step: step, SkipReason: SkipStepNotMapped}
	}
	if state.ReinitializeAttempts >= maxAttempts {
		log.Info("reinitialize cap reached for step",
			"run_id", run.ID,
			"step", step,
			"attempts", state.ReinitializeAttempts,
			"cap", maxAttempts)
		return StepOutcome{Step: step, SkipReason: SkipCapExceeded}
	}

	jobID, err := s.enqueuer.EnqueueStep(ctx, run, step)
	if err != nil {
		// Isolated per step: log and report, never abort the batch.
		log.Warn("failed to re-enqueue step",
			"run_id", run.ID,
			"step", step,
			"error", err)
		return StepOutcome{Step: step, SkipReason: SkipEnqueueFailed}
	}

	now := time.Now().UTC()
	state.Status = domain.StepStatusQueued
	state.ReinitializeAttempts++
	state.JobID = jobID
	state.QueuedAt = &now
	state.StartedAt = nil
	state.FinishedAt = nil

	log.Info("step reinitialized",
		"run_id", run.ID,
		"step", step,
		"job_id", jobID,
		"reinitialize_attempts", state.ReinitializeAttempts)
	return StepOutcome{Step: step, Requeued: true, JobID: jobID}
}
