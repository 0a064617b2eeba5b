// Package backlog implements the sequential processing gate: a pure
// read over pipeline and job-lifecycle state that tells the
// coordinator whether an account still has pending work. It performs
// no writes and is safe to call concurrently.
package backlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/store"
)

// Blocking reason labels reported in Status.BlockingReasons.
const (
	ReasonPendingPipelines = "pending_pipelines"
	ReasonActiveStoryJobs  = "active_story_jobs"
	ReasonActiveFeedJobs   = "active_feed_jobs"
	ReasonActiveWorkspace  = "active_workspace_jobs"
)

// Status is the gate's verdict for one account.
type Status struct {
	Blocked         bool             `json:"blocked"`
	BlockingReasons []string         `json:"blocking_reasons,omitempty"`
	BlockingCounts  map[string]int64 `json:"blocking_counts,omitempty"`
}

// Gate computes backlog status from the run and lifecycle stores.
type Gate struct {
	runs      store.PipelineRunStore
	lifecycle store.JobLifecycleStore
	logger    *slog.Logger
}

// NewGate creates a backlog gate.
func NewGate(runs store.PipelineRunStore, lifecycle store.JobLifecycleStore, log *slog.Logger) *Gate {
	return &Gate{
		runs:      runs,
		lifecycle: lifecycle,
		logger:    log.With("component", "backlog_gate"),
	}
}

// Check reports whether the account is blocked on pending work. The
// account is blocked when it has any non-terminal pipeline run, or any
// queued/running job in the story, feed, or workspace categories.
// Profile-scan jobs never block; that lane is the fallback and must
// stay schedulable.
func (g *Gate) Check(ctx context.Context, accountID int64) (Status, error) {
	log := logger.FromContextOrDefault(ctx, g.logger)

	activeRuns, err := g.runs.CountActiveByAccount(ctx, accountID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to count active pipeline runs: %w", err)
	}

	activeJobs, err := g.lifecycle.CountActiveByCategory(ctx, accountID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to count active jobs: %w", err)
	}

	status := Status{BlockingCounts: make(map[string]int64)}
	add := func(reason string, count int64) {
		if count <= 0 {
			return
		}
		status.Blocked = true
		status.BlockingReasons = append(status.BlockingReasons, reason)
		status.BlockingCounts[reason] = count
	}

	add(ReasonPendingPipelines, activeRuns)
	add(ReasonActiveStoryJobs, activeJobs[domain.JobCategoryStory])
	add(ReasonActiveFeedJobs, activeJobs[domain.JobCategoryFeed])
	add(ReasonActiveWorkspace, activeJobs[domain.JobCategoryWorkspace])

	if status.Blocked {
		log.Debug("account blocked on backlog",
			"account_id", accountID,
			"blocking_reasons", status.BlockingReasons)
	}
	return status, nil
}
