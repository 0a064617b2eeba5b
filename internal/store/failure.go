package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/domain"
)

// JobFailureStore defines the interface for the failure audit trail.
// Rows are created on any job failure and mutated by retry attempts;
// they are never deleted automatically.
type JobFailureStore interface {
	// Create persists a new failure record.
	Create(ctx context.Context, failure *domain.JobFailure) error

	// GetByID retrieves a failure record by its ID.
	// Returns ErrJobFailureNotFound if the record does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.JobFailure, error)

	// ListRetryCandidates retrieves retryable failures with fewer than
	// maxAttempts retry attempts whose last attempt is older than the
	// cooldown window (or absent), ordered by occurred_at ascending,
	// limited to limit rows. Pipeline terminality filtering is the
	// caller's responsibility.
	ListRetryCandidates(ctx context.Context, limit, maxAttempts int, cooldown time.Duration) ([]*domain.JobFailure, error)

	// MarkRetryAttempt increments retry attempts and stamps
	// last_attempt_at for the failure.
	// Returns ErrJobFailureNotFound if the record does not exist.
	MarkRetryAttempt(ctx context.Context, id uuid.UUID, at time.Time) error

	// List retrieves failure records ordered by occurred_at descending,
	// for dashboard read access.
	List(ctx context.Context, limit, offset int) ([]*domain.JobFailure, error)
}

// JobLifecycleStore defines the interface for broker job-lifecycle
// rows. The backlog gate reads aggregate counts; the broker dispatch
// path writes status transitions.
type JobLifecycleStore interface {
	// Record upserts a lifecycle row for an enqueued job.
	Record(ctx context.Context, row *domain.JobLifecycle) error

	// UpdateStatus transitions a lifecycle row's status.
	UpdateStatus(ctx context.Context, jobID uuid.UUID, status domain.JobLifecycleStatus) error

	// CountActiveByCategory returns the number of queued or running
	// jobs per category for the account. Read-only; callable
	// concurrently without coordination.
	CountActiveByCategory(ctx context.Context, accountID int64) (map[domain.JobCategory]int64, error)

	// ResetStale marks queued rows older than maxAge as failed and
	// returns the affected job IDs. Used by worker startup recovery.
	ResetStale(ctx context.Context, maxAge time.Duration) ([]uuid.UUID, error)
}
