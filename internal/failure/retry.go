package failure

import (
	"context"
	"fmt"

	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/retrypolicy"
	"github.com/calvora/cadence/internal/store"
)

// RetryReport summarizes one automatic retry pass.
type RetryReport struct {
	Scanned         int `json:"scanned"`
	Enqueued        int `json:"enqueued"`
	SkippedTerminal int `json:"skipped_terminal"`
	Failed          int `json:"failed"`
}

// EnqueueAutomaticRetries selects retryable failures outside their
// cooldown window and re-enqueues each with its captured arguments
// unchanged. Failures correlated to a pipeline run are skipped when
// that run, or the specific failed step, has already reached a
// terminal status: the pipeline abandoned or completed that work
// through another path and re-enqueueing it would be redundant.
//
// The re-enqueue deliberately bypasses the dedup layer. The original
// enqueue's marker may still be live, and a retry must not collapse
// against the very job being retried.
func (s *Service) EnqueueAutomaticRetries(ctx context.Context) (RetryReport, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)
	report := RetryReport{}

	candidates, err := s.failures.ListRetryCandidates(ctx, s.cfg.Limit, s.cfg.MaxAttempts, s.cfg.Cooldown)
	if err != nil {
		return report, fmt.Errorf("failed to list retry candidates: %w", err)
	}
	report.Scanned = len(candidates)

	for _, candidate := range candidates {
		terminal, err := s.pipelineTerminal(ctx, candidate)
		if err != nil {
			report.Failed++
			log.Warn("failed to resolve pipeline state for retry candidate",
				"failure_id", candidate.ID,
				"error", err)
			continue
		}
		if terminal {
			report.SkippedTerminal++
			log.Info("skipping retry for terminal pipeline work",
				"failure_id", candidate.ID,
				"run_id", candidate.RunID,
				"step", candidate.Step)
			continue
		}

		delay := s.engine.Delay(candidate.RetryAttempts+1, retrypolicy.Category(candidate.ErrorClass))
		jobID, err := s.enqueuer.EnqueueDelayed(ctx, candidate.JobClass, candidate.ArgsSnapshot, delay)
		if err != nil {
			report.Failed++
			log.Warn("failed to re-enqueue failed job",
				"failure_id", candidate.ID,
				"job_class", candidate.JobClass,
				"error", err)
			continue
		}

		if err := s.failures.MarkRetryAttempt(ctx, candidate.ID, s.now().UTC()); err != nil {
			log.Warn("failed to mark retry attempt",
				"failure_id", candidate.ID,
				"error", err)
		}
		report.Enqueued++
		log.Info("failure re-enqueued",
			"failure_id", candidate.ID,
			"job_class", candidate.JobClass,
			"job_id", jobID,
			"attempt", candidate.RetryAttempts+1,
			"delay", delay)
	}

	return report, nil
}

// pipelineTerminal reports whether the failure's correlated run or
// step has already finished. Failures without a run correlation are
// never terminal.
func (s *Service) pipelineTerminal(ctx context.Context, f *domain.JobFailure) (bool, error) {
	if f.RunID == nil {
		return false, nil
	}

	run, err := s.runs.GetByID(ctx, *f.RunID)
	if store.IsNotFoundError(err) {
		// The run is gone; nothing left to retry against.
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if run.Terminal() {
		return true, nil
	}
	if f.Step != "" {
		if state, ok := run.Steps[f.Step]; ok && state.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}
