// Package coordinator implements the strict-priority single-flight
// scheduler that drives per-account processing. Each invocation
// evaluates the phases in priority order and enqueues at most one,
// recording a skip with a reason for every phase it does not enqueue.
// There is no persisted lock; overlapping ticks are tolerated because
// each only enqueues work that is genuinely due and the dedup layer
// collapses the remainder.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/backlog"
	"github.com/calvora/cadence/internal/config"
	"github.com/calvora/cadence/internal/dedup"
	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/aiprobe"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/retrypolicy"
	"github.com/calvora/cadence/internal/store"
)

// Skip reasons recorded in RunResult.SkippedJobs.
const (
	SkipPendingBacklog        = "pending_backlog"
	SkipLocalAIUnhealthy      = "local_ai_unhealthy"
	SkipNotDue                = "not_due"
	SkipHigherPriorityPhase   = "higher_priority_phase_enqueued"
	SkipWorkspaceRefreshError = "workspace_queue_refresh_failed"
	SkipRetryCooldown         = "retry_cooldown"
	SkipAccountDisabled       = "account_disabled"
	SkipDuplicate             = "duplicate"
	SkipEnqueueFailed         = "enqueue_failed"
)

// Trigger sources for RunResult.TriggerSource.
const (
	TriggerScheduler = "scheduler"
	TriggerFanout    = "fanout"
	TriggerManual    = "manual"
)

// BacklogGate is the slice of the backlog package the coordinator
// consumes.
type BacklogGate interface {
	Check(ctx context.Context, accountID int64) (backlog.Status, error)
}

// Enqueuer is the slice of the dedup layer the coordinator consumes.
type Enqueuer interface {
	EnqueueWithDedup(ctx context.Context, class string, args any) (dedup.EnqueueResult, error)
}

// WorkspaceQueue refreshes the pending workspace-action queue before
// the workspace phase is enqueued.
type WorkspaceQueue interface {
	Refresh(ctx context.Context, accountID int64) error
}

// WorkspaceQueueFunc adapts a function to the WorkspaceQueue interface.
type WorkspaceQueueFunc func(ctx context.Context, accountID int64) error

// Refresh implements WorkspaceQueue.
func (f WorkspaceQueueFunc) Refresh(ctx context.Context, accountID int64) error {
	return f(ctx, accountID)
}

// PhaseArgs is the payload of every phase job the coordinator enqueues.
type PhaseArgs struct {
	AccountID int64  `json:"account_id"`
	Phase     string `json:"phase"`
}

// EnqueuedJob records one phase enqueue in a RunResult.
type EnqueuedJob struct {
	Phase    domain.Phase `json:"phase"`
	JobClass string       `json:"job_class"`
	JobID    uuid.UUID    `json:"job_id"`
}

// SkippedJob records one skipped phase and why.
type SkippedJob struct {
	Phase         domain.Phase `json:"phase"`
	Reason        string       `json:"reason"`
	BlockingPhase domain.Phase `json:"blocking_phase,omitempty"`
	ErrorClass    string       `json:"error_class,omitempty"`
}

// RunResult is the structured outcome of one coordinator invocation.
type RunResult struct {
	AccountID     int64          `json:"account_id"`
	EnqueuedJobs  []EnqueuedJob  `json:"enqueued_jobs"`
	SkippedJobs   []SkippedJob   `json:"skipped_jobs"`
	LocalAIHealth aiprobe.Health `json:"local_ai_health"`
	TriggerSource string         `json:"trigger_source"`
	FinishedAt    time.Time      `json:"finished_at"`
}

// Coordinator runs the per-account phase evaluation.
type Coordinator struct {
	states    store.ProcessingStateStore
	gate      BacklogGate
	probe     aiprobe.Probe
	enqueuer  Enqueuer
	workspace WorkspaceQueue
	phases    config.PhaseConfig
	logger    *slog.Logger

	// now is injectable so tests can control due-timestamp comparisons.
	now func() time.Time
}

// New creates a coordinator.
func New(states store.ProcessingStateStore, gate BacklogGate, probe aiprobe.Probe, enqueuer Enqueuer, workspace WorkspaceQueue, phases config.PhaseConfig, log *slog.Logger) *Coordinator {
	return &Coordinator{
		states:    states,
		gate:      gate,
		probe:     probe,
		enqueuer:  enqueuer,
		workspace: workspace,
		phases:    phases,
		logger:    log.With("component", "coordinator"),
		now:       time.Now,
	}
}

// Run evaluates all phases for the account and enqueues at most one.
// The heartbeat is updated on every path, including early returns.
func (c *Coordinator) Run(ctx context.Context, accountID int64, trigger string) (RunResult, error) {
	log := logger.FromContextOrDefault(ctx, c.logger)
	now := c.now().UTC()
	result := RunResult{AccountID: accountID, TriggerSource: trigger}

	state, found, err := c.loadState(ctx, accountID)
	if err != nil {
		return result, err
	}

	if !state.Enabled {
		c.skipAll(&result, SkipAccountDisabled, "")
		return c.finishEarly(ctx, log, state, found, result, now)
	}

	if state.RetryAfterAt != nil && now.Before(*state.RetryAfterAt) {
		log.Info("account in retry cooldown",
			"account_id", accountID,
			"retry_after_at", state.RetryAfterAt)
		c.skipAll(&result, SkipRetryCooldown, "")
		return c.finishEarly(ctx, log, state, found, result, now)
	}

	gateStatus, err := c.gate.Check(ctx, accountID)
	if err != nil {
		// Treat an unreadable gate as blocked: enqueueing on top of
		// unknown backlog risks duplicate heavy work.
		log.Warn("backlog gate check failed, treating as blocked",
			"account_id", accountID,
			"error", err)
		gateStatus = backlog.Status{Blocked: true}
	}
	if gateStatus.Blocked {
		c.skipAll(&result, SkipPendingBacklog, "")
		return c.finishEarly(ctx, log, state, found, result, now)
	}

	result.LocalAIHealth = c.probe.Check(ctx)

	var enqueuedPhase domain.Phase
	for _, phase := range domain.PhasesByPriority {
		if enqueuedPhase != "" {
			result.SkippedJobs = append(result.SkippedJobs, SkippedJob{
				Phase:         phase,
				Reason:        SkipHigherPriorityPhase,
				BlockingPhase: enqueuedPhase,
			})
			continue
		}

		skip, enqueued := c.evaluatePhase(ctx, log, state, phase, result.LocalAIHealth, now)
		if enqueued != nil {
			result.EnqueuedJobs = append(result.EnqueuedJobs, *enqueued)
			enqueuedPhase = phase
			continue
		}
		result.SkippedJobs = append(result.SkippedJobs, *skip)
	}

	return c.finish(ctx, log, state, result, now)
}

// evaluatePhase decides one phase: returns either a skip record or an
// enqueue record, never both.
func (c *Coordinator) evaluatePhase(ctx context.Context, log *slog.Logger, state *domain.AccountProcessingState, phase domain.Phase, health aiprobe.Health, now time.Time) (*SkippedJob, *EnqueuedJob) {
	if phase.AIDependent() && !health.OK {
		return &SkippedJob{Phase: phase, Reason: SkipLocalAIUnhealthy}, nil
	}

	if phase == domain.PhaseWorkspaceActions {
		if err := c.workspace.Refresh(ctx, state.AccountID); err != nil {
			// Never aborts the run; the error class is preserved for
			// the result and the run moves to the next tier.
			log.Warn("workspace queue refresh failed",
				"account_id", state.AccountID,
				"error", err)
			return &SkippedJob{
				Phase:      phase,
				Reason:     SkipWorkspaceRefreshError,
				ErrorClass: string(retrypolicy.Categorize(err)),
			}, nil
		}
	} else {
		if due := state.NextDueAt(phase); now.Before(due) {
			return &SkippedJob{Phase: phase, Reason: SkipNotDue}, nil
		}
	}

	res, err := c.enqueuer.EnqueueWithDedup(ctx, phase.JobClass(), PhaseArgs{
		AccountID: state.AccountID,
		Phase:     string(phase),
	})
	if err != nil {
		log.Warn("failed to enqueue phase job",
			"account_id", state.AccountID,
			"phase", phase,
			"error", err)
		return &SkippedJob{
			Phase:      phase,
			Reason:     SkipEnqueueFailed,
			ErrorClass: string(retrypolicy.Categorize(err)),
		}, nil
	}
	if !res.Enqueued {
		// An identical job is already in flight inside the dedup
		// window. Advance the due-timestamp anyway so the next tick
		// does not hammer the same collapse.
		state.SetNextDueAt(phase, now.Add(c.phaseInterval(phase)))
		return &SkippedJob{Phase: phase, Reason: SkipDuplicate}, nil
	}

	state.SetNextDueAt(phase, now.Add(c.phaseInterval(phase)))
	log.Info("phase enqueued",
		"account_id", state.AccountID,
		"phase", phase,
		"job_id", res.JobID)
	return nil, &EnqueuedJob{Phase: phase, JobClass: phase.JobClass(), JobID: res.JobID}
}

func (c *Coordinator) phaseInterval(phase domain.Phase) time.Duration {
	switch phase {
	case domain.PhaseStorySync:
		return c.phases.StorySyncInterval
	case domain.PhaseFeedCapture:
		return c.phases.FeedCaptureInterval
	case domain.PhaseProfileScan:
		return c.phases.ProfileScanInterval
	default:
		return 0
	}
}

func (c *Coordinator) skipAll(result *RunResult, reason string, blocking domain.Phase) {
	for _, phase := range domain.PhasesByPriority {
		result.SkippedJobs = append(result.SkippedJobs, SkippedJob{
			Phase:         phase,
			Reason:        reason,
			BlockingPhase: blocking,
		})
	}
}

// finishEarly seals a tick that exited before touching any
// due-timestamp: only the heartbeat column needs updating, not the
// whole row. A first-seen account still takes the full upsert so its
// row gets created.
func (c *Coordinator) finishEarly(ctx context.Context, log *slog.Logger, state *domain.AccountProcessingState, found bool, result RunResult, now time.Time) (RunResult, error) {
	if !found {
		return c.finish(ctx, log, state, result, now)
	}

	result.FinishedAt = now
	if err := c.states.Heartbeat(ctx, state.AccountID); err != nil {
		return result, fmt.Errorf("failed to update heartbeat: %w", err)
	}

	log.Info("coordinator tick finished",
		"account_id", state.AccountID,
		"trigger", result.TriggerSource,
		"enqueued", 0,
		"skipped", len(result.SkippedJobs),
		"ai_healthy", result.LocalAIHealth.OK)
	return result, nil
}

// finish stamps the heartbeat, persists the state, and seals the
// result. Persistence failures are returned, but the result is still
// populated so callers can log what the tick decided.
func (c *Coordinator) finish(ctx context.Context, log *slog.Logger, state *domain.AccountProcessingState, result RunResult, now time.Time) (RunResult, error) {
	state.State = domain.AccountStateIdle
	state.LastHeartbeatAt = now
	state.UpdatedAt = now
	result.FinishedAt = now

	if err := c.states.Upsert(ctx, state); err != nil {
		return result, fmt.Errorf("failed to persist processing state: %w", err)
	}

	log.Info("coordinator tick finished",
		"account_id", state.AccountID,
		"trigger", result.TriggerSource,
		"enqueued", len(result.EnqueuedJobs),
		"skipped", len(result.SkippedJobs),
		"ai_healthy", result.LocalAIHealth.OK)
	return result, nil
}

// loadState fetches the account's processing state, initializing a
// fresh record the first time an account is seen. The boolean reports
// whether a persisted row already existed.
func (c *Coordinator) loadState(ctx context.Context, accountID int64) (*domain.AccountProcessingState, bool, error) {
	state, err := c.states.Get(ctx, accountID)
	if store.IsNotFoundError(err) {
		return &domain.AccountProcessingState{
			AccountID: accountID,
			Enabled:   true,
			State:     domain.AccountStateIdle,
		}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load processing state: %w", err)
	}
	return state, true, nil
}
