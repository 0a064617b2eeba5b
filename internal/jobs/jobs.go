// Package jobs binds job classes to handlers over the broker: the
// per-account coordinator tick, fan-out batch continuations, the four
// processing phases, analysis step execution, and the periodic failure
// retry sweep.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/coordinator"
	"github.com/calvora/cadence/internal/dedup"
	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/failure"
	"github.com/calvora/cadence/internal/fanout"
	"github.com/calvora/cadence/internal/pipeline"
	"github.com/calvora/cadence/internal/queue"
	"github.com/calvora/cadence/internal/store"
)

// JobClassAnalysisStep executes one pipeline analysis step.
const JobClassAnalysisStep = "jobs.AnalysisStep"

// JobClassFailureRetrySweep runs one automatic retry pass over the
// failure audit trail.
const JobClassFailureRetrySweep = "jobs.FailureRetrySweep"

// Queue lanes for the scheduling and pipeline job classes.
const (
	queueScheduling = "scheduling"
	queuePipeline   = "pipeline"
)

// Deps carries the services the handlers dispatch into.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Fanout      *fanout.Scheduler
	Pipeline    *pipeline.Service
	Failures    *failure.Service
	Deduper     *dedup.Deduper
	Accounts    store.AccountStore
	Steps       StepExecutor
	Source      ContentSource
	Workspace   WorkspaceProcessor
	Logger      *slog.Logger
}

// RegisterAll binds every job class to its lane and handler and
// installs the broker hooks: failure capture on error, dedup marker
// cleanup on completion.
func RegisterAll(broker *queue.MemoryBroker, deps Deps) {
	log := deps.Logger.With("component", "jobs")

	broker.Register(fanout.JobClassAccountTick, queueScheduling, domain.JobCategoryProfile,
		queue.HandlerFunc(deps.handleAccountTick))
	broker.Register(fanout.JobClassFanoutBatch, queueScheduling, domain.JobCategoryProfile,
		queue.HandlerFunc(deps.handleFanoutBatch))
	broker.Register(JobClassFailureRetrySweep, queueScheduling, domain.JobCategoryProfile,
		queue.HandlerFunc(deps.handleFailureRetrySweep))

	for _, phase := range domain.PhasesByPriority {
		broker.Register(phase.JobClass(), phase.QueueName(), categoryFor(phase),
			queue.HandlerFunc(deps.phaseHandler(phase)))
	}

	broker.Register(JobClassAnalysisStep, queuePipeline, domain.JobCategoryProfile,
		queue.HandlerFunc(deps.handleAnalysisStep))

	broker.SetErrorHandler(func(job queue.Job, err error) {
		deps.captureJobFailure(job, err)
	})
	broker.SetCompletionHandler(func(job queue.Job) {
		deps.Deduper.ClearForJob(context.Background(), job.ID)
	})

	log.Info("job classes registered")
}

// categoryFor maps a phase to its backlog gate category. The
// profile-scan fallback is deliberately outside the gating set.
func categoryFor(phase domain.Phase) domain.JobCategory {
	switch phase {
	case domain.PhaseStorySync:
		return domain.JobCategoryStory
	case domain.PhaseFeedCapture:
		return domain.JobCategoryFeed
	case domain.PhaseWorkspaceActions:
		return domain.JobCategoryWorkspace
	default:
		return domain.JobCategoryProfile
	}
}

func (d Deps) handleAccountTick(ctx context.Context, job queue.Job) error {
	var args fanout.TickArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrInvalidArguments, err)
	}
	if args.AccountID <= 0 {
		return fmt.Errorf("%w: missing account id", queue.ErrInvalidArguments)
	}

	trigger := args.Trigger
	if trigger == "" {
		trigger = coordinator.TriggerScheduler
	}
	_, err := d.Coordinator.Run(ctx, args.AccountID, trigger)
	return err
}

func (d Deps) handleFanoutBatch(ctx context.Context, job queue.Job) error {
	var args fanout.BatchArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrInvalidArguments, err)
	}

	scope := args.Scope
	if scope == "" {
		scope = fanout.ScopeEnabledAccounts
	}
	_, err := d.Fanout.EnqueueBatch(ctx, scope, args.CursorID, args.BatchSize)
	return err
}

func (d Deps) handleFailureRetrySweep(ctx context.Context, _ queue.Job) error {
	_, err := d.Failures.EnqueueAutomaticRetries(ctx)
	return err
}

// captureJobFailure is the broker error hook. Correlation fields are
// probed from the job arguments so step failures link back to their
// pipeline run without every handler capturing separately.
func (d Deps) captureJobFailure(job queue.Job, err error) {
	ctx := context.Background()

	var probe StepArgs
	_ = json.Unmarshal(job.Args, &probe)

	params := failure.CaptureParams{
		JobClass:  job.Class,
		QueueName: job.Queue,
		Args:      job.Args,
		Err:       err,
		Step:      domain.StepName(probe.Step),
	}
	if probe.AccountID > 0 {
		accountID := probe.AccountID
		params.AccountID = &accountID
	}
	if probe.RunID != uuid.Nil {
		runID := probe.RunID
		params.RunID = &runID
	}

	if _, captureErr := d.Failures.Capture(ctx, params); captureErr != nil {
		d.Logger.Error("failed to capture job failure",
			"job_id", job.ID,
			"job_class", job.Class,
			"error", captureErr)
	}
}
