package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobCategory groups job-lifecycle rows for the backlog gate.
type JobCategory string

// Lifecycle categories the backlog gate counts.
const (
	JobCategoryStory     JobCategory = "story"
	JobCategoryFeed      JobCategory = "feed"
	JobCategoryWorkspace JobCategory = "workspace"

	// JobCategoryProfile rows exist for audit completeness but do not
	// participate in backlog gating: the profile-scan fallback must
	// never block itself.
	JobCategoryProfile JobCategory = "profile"
)

// JobLifecycleStatus represents the broker-visible state of an
// enqueued job.
type JobLifecycleStatus string

// Possible lifecycle status values.
const (
	JobLifecycleQueued    JobLifecycleStatus = "queued"
	JobLifecycleRunning   JobLifecycleStatus = "running"
	JobLifecycleCompleted JobLifecycleStatus = "completed"
	JobLifecycleFailed    JobLifecycleStatus = "failed"
)

// Active reports whether the status counts against the backlog gate.
func (s JobLifecycleStatus) Active() bool {
	return s == JobLifecycleQueued || s == JobLifecycleRunning
}

// JobLifecycle is one append-mostly row per enqueued job, written by
// the broker dispatch path. The backlog gate reads aggregate counts of
// these rows; nothing else mutates them after terminal status.
type JobLifecycle struct {
	JobID      uuid.UUID          `json:"job_id"`
	JobClass   string             `json:"job_class"`
	QueueName  string             `json:"queue_name"`
	Category   JobCategory        `json:"category"`
	AccountID  int64              `json:"account_id"`
	Status     JobLifecycleStatus `json:"status"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}
