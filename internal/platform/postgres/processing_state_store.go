package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/store"
)

// PostgresProcessingStateStore implements the
// store.ProcessingStateStore interface using a PostgreSQL database as
// the storage backend.
type PostgresProcessingStateStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresProcessingStateStore creates a new PostgreSQL
// implementation of the ProcessingStateStore interface.
func NewPostgresProcessingStateStore(db store.DBTX, logger *slog.Logger) *PostgresProcessingStateStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresProcessingStateStore{
		db:     db,
		logger: logger.With(slog.String("component", "processing_state_store")),
	}
}

// Ensure PostgresProcessingStateStore implements the interface
var _ store.ProcessingStateStore = (*PostgresProcessingStateStore)(nil)

// Get implements store.ProcessingStateStore.Get.
// Returns store.ErrProcessingStateNotFound if no row exists yet.
func (s *PostgresProcessingStateStore) Get(ctx context.Context, accountID int64) (*domain.AccountProcessingState, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT account_id, enabled, state,
		       next_story_sync_at, next_feed_sync_at, next_profile_scan_at,
		       last_heartbeat_at, retry_after_at, updated_at
		FROM account_processing_states
		WHERE account_id = $1
	`

	var state domain.AccountProcessingState
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&state.AccountID,
		&state.Enabled,
		&state.State,
		&state.NextStorySyncAt,
		&state.NextFeedSyncAt,
		&state.NextProfileScanAt,
		&state.LastHeartbeatAt,
		&state.RetryAfterAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrProcessingStateNotFound
		}
		log.Error("failed to get processing state",
			slog.Int64("account_id", accountID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to get processing state: %w", MapError(err))
	}

	return &state, nil
}

// Upsert implements store.ProcessingStateStore.Upsert as a whole-row
// upsert keyed by account_id.
func (s *PostgresProcessingStateStore) Upsert(ctx context.Context, state *domain.AccountProcessingState) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := state.Validate(); err != nil {
		log.Warn("processing state validation failed during upsert",
			slog.Int64("account_id", state.AccountID),
			slog.String("error", err.Error()))
		return err
	}

	query := `
		INSERT INTO account_processing_states (
			account_id, enabled, state,
			next_story_sync_at, next_feed_sync_at, next_profile_scan_at,
			last_heartbeat_at, retry_after_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			state = EXCLUDED.state,
			next_story_sync_at = EXCLUDED.next_story_sync_at,
			next_feed_sync_at = EXCLUDED.next_feed_sync_at,
			next_profile_scan_at = EXCLUDED.next_profile_scan_at,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			retry_after_at = EXCLUDED.retry_after_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		state.AccountID,
		state.Enabled,
		state.State,
		state.NextStorySyncAt,
		state.NextFeedSyncAt,
		state.NextProfileScanAt,
		state.LastHeartbeatAt,
		state.RetryAfterAt,
		state.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to upsert processing state",
			slog.Int64("account_id", state.AccountID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to upsert processing state: %w", MapError(err))
	}

	return nil
}

// Heartbeat implements store.ProcessingStateStore.Heartbeat. A missing
// row is not an error: the first full tick will create it.
func (s *PostgresProcessingStateStore) Heartbeat(ctx context.Context, accountID int64) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE account_processing_states
		SET last_heartbeat_at = $1, updated_at = $1
		WHERE account_id = $2
	`

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, query, now, accountID); err != nil {
		log.Error("failed to update heartbeat",
			slog.Int64("account_id", accountID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to update heartbeat: %w", MapError(err))
	}

	return nil
}
