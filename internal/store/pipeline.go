package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/domain"
)

// PipelineRunStore defines the interface for pipeline run persistence.
//
// Save is a whole-record upsert: the pipeline state machine loads a
// run, mutates it in memory, and saves it back. Safety under
// at-least-once delivery comes from the state machine's terminal-status
// checks, not from storage-level locking.
type PipelineRunStore interface {
	// Create persists a new pipeline run.
	// Returns ErrDuplicate if the run ID already exists.
	Create(ctx context.Context, run *domain.PipelineRun) error

	// GetByID retrieves a run by its ID.
	// Returns ErrPipelineRunNotFound if the run does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error)

	// Save persists the current state of an existing run.
	// Returns ErrPipelineRunNotFound if the run does not exist.
	Save(ctx context.Context, run *domain.PipelineRun) error

	// CountActiveByAccount returns the number of non-terminal runs for
	// the account. Used by the backlog gate; read-only.
	CountActiveByAccount(ctx context.Context, accountID int64) (int64, error)

	// ListByAccount retrieves runs for an account ordered by started_at
	// descending, for dashboard read access.
	ListByAccount(ctx context.Context, accountID int64, limit, offset int) ([]*domain.PipelineRun, error)
}
