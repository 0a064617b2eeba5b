package store

import (
	"context"

	"github.com/calvora/cadence/internal/domain"
)

// AccountPage is one page of accounts loaded by cursor pagination.
// Accounts are ordered by id ascending, strictly greater than the
// cursor; NextCursorID is the id of the last row loaded and HasMore
// reports whether any row exists beyond it in the scope.
type AccountPage struct {
	Accounts     []*domain.Account
	NextCursorID int64
	HasMore      bool
}

// AccountStore defines the interface for account read-model access.
type AccountStore interface {
	// GetByID retrieves an account by its unique ID.
	// Returns ErrAccountNotFound if the account does not exist.
	GetByID(ctx context.Context, id int64) (*domain.Account, error)

	// ListEnabledPage loads the next page of enabled accounts with id
	// strictly greater than afterID, ordered by id ascending, limited
	// to limit rows. The ordering contract is exact: the batch fan-out
	// cursor depends on it for reproducibility.
	ListEnabledPage(ctx context.Context, afterID int64, limit int) (*AccountPage, error)
}

// ProcessingStateStore defines the interface for the per-account
// scheduling state owned by the coordinator.
type ProcessingStateStore interface {
	// Get retrieves the processing state for an account.
	// Returns ErrProcessingStateNotFound if no row exists yet.
	Get(ctx context.Context, accountID int64) (*domain.AccountProcessingState, error)

	// Upsert writes the processing state row, creating it when absent.
	// All writes are whole-row upserts; no read-modify-write
	// transaction is required across components.
	Upsert(ctx context.Context, state *domain.AccountProcessingState) error

	// Heartbeat updates only lastHeartbeatAt, used when a tick exits
	// early without touching any due-timestamp.
	Heartbeat(ctx context.Context, accountID int64) error
}
