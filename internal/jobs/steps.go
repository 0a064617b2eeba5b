package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/dedup"
	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/pipeline"
	"github.com/calvora/cadence/internal/queue"
	"github.com/calvora/cadence/internal/retrypolicy"
)

// StepArgs is the payload of an analysis step job.
type StepArgs struct {
	RunID         uuid.UUID `json:"run_id"`
	ContentItemID uuid.UUID `json:"content_item_id"`
	AccountID     int64     `json:"account_id"`
	Step          string    `json:"step"`
	MediaURL      string    `json:"media_url,omitempty"`
}

// StepExecutor performs the actual analysis work for one step.
type StepExecutor interface {
	Execute(ctx context.Context, step domain.StepName, args StepArgs) (map[string]any, error)
}

// handleAnalysisStep drives one step through the pipeline state
// machine: running, then completed or failed. The execute-once guard
// absorbs duplicate deliveries of the same step job; the state
// machine's terminal checks absorb anything the guard's TTL lets
// through.
func (d Deps) handleAnalysisStep(ctx context.Context, job queue.Job) error {
	var args StepArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrInvalidArguments, err)
	}
	step := domain.StepName(args.Step)

	workID := fmt.Sprintf("step:%s:%s", args.RunID, step)
	_, err := d.Deduper.ExecuteOnce(ctx, workID, func(ctx context.Context) error {
		run, err := d.Pipeline.MarkStepRunning(ctx, args.RunID, step)
		if err != nil {
			return err
		}
		if run.Terminal() {
			// Late duplicate for a finished run; nothing to do.
			return nil
		}
		if state, ok := run.Steps[step]; ok && state.Status.Terminal() {
			// The step already finished under an earlier delivery; the
			// state machine refused the transition, so skip the work too.
			return nil
		}

		result, execErr := d.Steps.Execute(ctx, step, args)
		if execErr != nil {
			if _, markErr := d.Pipeline.MarkStepFailed(ctx, args.RunID, step, execErr.Error()); markErr != nil {
				d.Logger.Error("failed to record step failure",
					"run_id", args.RunID,
					"step", step,
					"error", markErr)
			}
			d.finishRunIfDone(ctx, args.RunID)
			return execErr
		}

		if _, err := d.Pipeline.MarkStepCompleted(ctx, args.RunID, step, result); err != nil {
			return err
		}
		d.finishRunIfDone(ctx, args.RunID)
		return nil
	})
	return err
}

// finishRunIfDone moves the run to its terminal status once every
// required step has finished. Bookkeeping errors are logged and
// swallowed; a rollup failure must not fail the step that triggered it.
func (d Deps) finishRunIfDone(ctx context.Context, runID uuid.UUID) {
	run, err := d.Pipeline.GetRun(ctx, runID)
	if err != nil {
		d.Logger.Warn("failed to load run for completion check",
			"run_id", runID,
			"error", err)
		return
	}
	if run.Terminal() || !run.AllStepsTerminal() {
		return
	}

	rollup := run.Rollup()
	status := domain.RunStatusCompleted
	details := ""
	if rollup.Failed > 0 {
		status = domain.RunStatusFailed
		details = fmt.Sprintf("%d of %d steps failed", rollup.Failed, len(run.RequiredSteps))
	}
	if _, err := d.Pipeline.MarkPipelineFinished(ctx, runID, status, details); err != nil {
		d.Logger.Warn("failed to finish pipeline run",
			"run_id", runID,
			"error", err)
	}
}

// StepJobEnqueuer enqueues analysis step jobs through the dedup layer.
// It implements pipeline.StepEnqueuer for reinitialization and is also
// used by the phase handlers when a run starts.
type StepJobEnqueuer struct {
	Deduper *dedup.Deduper
}

// EnqueueStep implements pipeline.StepEnqueuer.
func (e StepJobEnqueuer) EnqueueStep(ctx context.Context, run *domain.PipelineRun, step domain.StepName) (uuid.UUID, error) {
	res, err := e.Deduper.EnqueueWithDedup(ctx, JobClassAnalysisStep, StepArgs{
		RunID:         run.ID,
		ContentItemID: run.ContentItemID,
		AccountID:     run.AccountID,
		Step:          string(step),
	})
	if err != nil {
		return uuid.Nil, err
	}
	if !res.Enqueued {
		return uuid.Nil, fmt.Errorf("step enqueue collapsed on dedup marker %s", res.Key)
	}
	return res.JobID, nil
}

var _ pipeline.StepEnqueuer = StepJobEnqueuer{}

// aiServiceError tags analysis backend failures with their retry
// category so the policy engine books them under ai_service instead of
// the generic network bucket.
type aiServiceError struct {
	err error
}

func (e *aiServiceError) Error() string { return e.err.Error() }

func (e *aiServiceError) Unwrap() error { return e.err }

func (e *aiServiceError) RetryCategory() retrypolicy.Category {
	return retrypolicy.CategoryAIService
}

// AIServiceExecutor runs analysis steps against the local AI sidecar's
// HTTP API.
type AIServiceExecutor struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewAIServiceExecutor creates an executor against the sidecar at
// baseURL.
func NewAIServiceExecutor(baseURL string, timeout time.Duration, log *slog.Logger) *AIServiceExecutor {
	return &AIServiceExecutor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  log.With("component", "ai_executor"),
	}
}

// stepEndpoint maps a step to its sidecar route.
func stepEndpoint(step domain.StepName) (string, bool) {
	switch step {
	case domain.StepTranscription:
		return "/transcribe/audio", true
	case domain.StepVisionTags, domain.StepOCR:
		return "/analyze/image", true
	case domain.StepFaceMatch:
		return "/face/embedding", true
	case domain.StepVideoSummary:
		return "/analyze/video", true
	default:
		return "", false
	}
}

// Execute implements StepExecutor. Backend errors come back wrapped
// with the ai_service retry category.
func (e *AIServiceExecutor) Execute(ctx context.Context, step domain.StepName, args StepArgs) (map[string]any, error) {
	endpoint, ok := stepEndpoint(step)
	if !ok {
		return nil, fmt.Errorf("no analysis endpoint for step %q", step)
	}

	payload, err := json.Marshal(map[string]any{
		"media_url":       args.MediaURL,
		"content_item_id": args.ContentItemID,
		"analysis":        string(step),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &aiServiceError{err: fmt.Errorf("analysis request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &aiServiceError{err: fmt.Errorf("analysis backend returned %d for %s", resp.StatusCode, endpoint)}
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &aiServiceError{err: fmt.Errorf("failed to decode analysis response: %w", err)}
	}
	return result, nil
}

// Interface guards.
var (
	_ StepExecutor            = (*AIServiceExecutor)(nil)
	_ retrypolicy.Categorizer = (*aiServiceError)(nil)
)
