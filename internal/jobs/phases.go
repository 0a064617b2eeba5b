package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/coordinator"
	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/queue"
	"github.com/calvora/cadence/internal/store"
)

// ContentItem is one captured piece of media to analyze.
type ContentItem struct {
	ID       uuid.UUID `json:"id"`
	MediaURL string    `json:"media_url"`

	// Kind determines which analysis steps the item requires:
	// "video", "image", or "audio".
	Kind string `json:"kind"`
}

// ContentSource hands the phase handlers the items a capture pass
// found. Capture itself (scraping, API pulls) lives outside this
// repo; deployments inject their client here.
type ContentSource interface {
	FetchNewItems(ctx context.Context, accountID int64, phase domain.Phase) ([]ContentItem, error)
}

// WorkspaceProcessor drains the pending workspace-action queue for an
// account.
type WorkspaceProcessor interface {
	ProcessPending(ctx context.Context, accountID int64) (int, error)
}

// NoopContentSource returns no items. Deployments without a capture
// client still get heartbeats, gating, and scheduling.
type NoopContentSource struct{}

// FetchNewItems implements ContentSource.
func (NoopContentSource) FetchNewItems(context.Context, int64, domain.Phase) ([]ContentItem, error) {
	return nil, nil
}

// NoopWorkspaceProcessor processes nothing.
type NoopWorkspaceProcessor struct{}

// ProcessPending implements WorkspaceProcessor.
func (NoopWorkspaceProcessor) ProcessPending(context.Context, int64) (int, error) {
	return 0, nil
}

// requiredStepsFor maps a content kind to its analysis steps.
func requiredStepsFor(kind string) []domain.StepName {
	switch kind {
	case "video":
		return []domain.StepName{domain.StepTranscription, domain.StepVisionTags, domain.StepVideoSummary}
	case "audio":
		return []domain.StepName{domain.StepTranscription}
	default:
		return []domain.StepName{domain.StepVisionTags, domain.StepOCR, domain.StepFaceMatch}
	}
}

// phaseHandler builds the handler for one processing phase. The
// account is re-checked at execution time: a phase job can sit queued
// long enough for its account to be deleted or disabled, and stale
// work for such accounts is dropped, not failed.
func (d Deps) phaseHandler(phase domain.Phase) func(ctx context.Context, job queue.Job) error {
	return func(ctx context.Context, job queue.Job) error {
		var args coordinator.PhaseArgs
		if err := json.Unmarshal(job.Args, &args); err != nil {
			return fmt.Errorf("%w: %v", queue.ErrInvalidArguments, err)
		}
		if args.AccountID <= 0 {
			return fmt.Errorf("%w: missing account id", queue.ErrInvalidArguments)
		}

		account, err := d.Accounts.GetByID(ctx, args.AccountID)
		if store.IsNotFoundError(err) {
			d.Logger.Warn("dropping phase job for unknown account",
				"account_id", args.AccountID,
				"phase", phase)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load account: %w", err)
		}
		if !account.Enabled {
			d.Logger.Info("dropping phase job for disabled account",
				"account_id", args.AccountID,
				"phase", phase)
			return nil
		}

		if phase == domain.PhaseWorkspaceActions {
			return d.runWorkspacePhase(ctx, args.AccountID)
		}
		return d.runCapturePhase(ctx, args.AccountID, phase)
	}
}

func (d Deps) runWorkspacePhase(ctx context.Context, accountID int64) error {
	processed, err := d.Workspace.ProcessPending(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to process workspace actions: %w", err)
	}
	d.Logger.Info("workspace actions processed",
		"account_id", accountID,
		"processed", processed)
	return nil
}

// runCapturePhase fetches the phase's new content items and starts one
// pipeline run per item, enqueueing every required analysis step. A
// failure while starting one item's run stops the pass; the items
// already started keep their step jobs and the captured failure drives
// a retry of the phase.
func (d Deps) runCapturePhase(ctx context.Context, accountID int64, phase domain.Phase) error {
	items, err := d.Source.FetchNewItems(ctx, accountID, phase)
	if err != nil {
		return fmt.Errorf("failed to fetch new content: %w", err)
	}

	for _, item := range items {
		if err := d.startAnalysis(ctx, accountID, item); err != nil {
			return fmt.Errorf("failed to start analysis for item %s: %w", item.ID, err)
		}
	}

	d.Logger.Info("capture phase finished",
		"account_id", accountID,
		"phase", phase,
		"items", len(items))
	return nil
}

func (d Deps) startAnalysis(ctx context.Context, accountID int64, item ContentItem) error {
	required := requiredStepsFor(item.Kind)
	runID, err := d.Pipeline.Start(ctx, item.ID, accountID, required)
	if err != nil {
		return err
	}

	for _, step := range required {
		res, err := d.Deduper.EnqueueWithDedup(ctx, JobClassAnalysisStep, StepArgs{
			RunID:         runID,
			ContentItemID: item.ID,
			AccountID:     accountID,
			Step:          string(step),
			MediaURL:      item.MediaURL,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue step %s: %w", step, err)
		}
		if !res.Enqueued {
			continue
		}
		if _, err := d.Pipeline.MarkStepQueued(ctx, runID, step, queuePipeline, res.JobID); err != nil {
			return fmt.Errorf("failed to mark step %s queued: %w", step, err)
		}
	}
	return nil
}
