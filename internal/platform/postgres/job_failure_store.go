package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/store"
)

// PostgresJobFailureStore implements the store.JobFailureStore
// interface using a PostgreSQL database as the storage backend.
type PostgresJobFailureStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresJobFailureStore creates a new PostgreSQL implementation
// of the JobFailureStore interface.
func NewPostgresJobFailureStore(db store.DBTX, logger *slog.Logger) *PostgresJobFailureStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresJobFailureStore{
		db:     db,
		logger: logger.With(slog.String("component", "job_failure_store")),
	}
}

// Ensure PostgresJobFailureStore implements the interface
var _ store.JobFailureStore = (*PostgresJobFailureStore)(nil)

const jobFailureColumns = `
	id, job_class, queue_name, args_snapshot, error_class, error_message,
	failure_kind, retryable, account_id, run_id, step,
	occurred_at, retry_attempts, last_attempt_at
`

// Create implements store.JobFailureStore.Create.
func (s *PostgresJobFailureStore) Create(ctx context.Context, failure *domain.JobFailure) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := failure.Validate(); err != nil {
		log.Warn("job failure validation failed during create",
			slog.String("failure_id", failure.ID.String()),
			slog.String("error", err.Error()))
		return err
	}

	query := `
		INSERT INTO job_failures (` + jobFailureColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := s.db.ExecContext(ctx, query,
		failure.ID,
		failure.JobClass,
		failure.QueueName,
		failure.ArgsSnapshot,
		failure.ErrorClass,
		failure.ErrorMessage,
		failure.FailureKind,
		failure.Retryable,
		failure.AccountID,
		failure.RunID,
		failure.Step,
		failure.OccurredAt,
		failure.RetryAttempts,
		failure.LastAttemptAt,
	)
	if err != nil {
		log.Error("failed to create job failure",
			slog.String("failure_id", failure.ID.String()),
			slog.String("job_class", failure.JobClass),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to create job failure: %w", MapError(err))
	}

	return nil
}

// GetByID implements store.JobFailureStore.GetByID.
// Returns store.ErrJobFailureNotFound if the record does not exist.
func (s *PostgresJobFailureStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.JobFailure, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + jobFailureColumns + `
		FROM job_failures
		WHERE id = $1
	`

	failure, err := scanJobFailure(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobFailureNotFound
		}
		log.Error("failed to get job failure",
			slog.String("failure_id", id.String()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to get job failure: %w", MapError(err))
	}

	return failure, nil
}

// ListRetryCandidates implements
// store.JobFailureStore.ListRetryCandidates. Pipeline terminality
// filtering stays with the caller; this query only knows about retry
// bookkeeping.
func (s *PostgresJobFailureStore) ListRetryCandidates(ctx context.Context, limit, maxAttempts int, cooldown time.Duration) ([]*domain.JobFailure, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + jobFailureColumns + `
		FROM job_failures
		WHERE retryable
		  AND retry_attempts < $1
		  AND (last_attempt_at IS NULL OR last_attempt_at < $2)
		ORDER BY occurred_at ASC
		LIMIT $3
	`

	cutoff := time.Now().UTC().Add(-cooldown)
	rows, err := s.db.QueryContext(ctx, query, maxAttempts, cutoff, limit)
	if err != nil {
		log.Error("failed to list retry candidates",
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list retry candidates: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	return collectJobFailures(rows)
}

// MarkRetryAttempt implements store.JobFailureStore.MarkRetryAttempt.
func (s *PostgresJobFailureStore) MarkRetryAttempt(ctx context.Context, id uuid.UUID, at time.Time) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE job_failures
		SET retry_attempts = retry_attempts + 1, last_attempt_at = $1
		WHERE id = $2
	`

	result, err := s.db.ExecContext(ctx, query, at, id)
	if err != nil {
		log.Error("failed to mark retry attempt",
			slog.String("failure_id", id.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to mark retry attempt: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrJobFailureNotFound
	}

	return nil
}

// List implements store.JobFailureStore.List.
func (s *PostgresJobFailureStore) List(ctx context.Context, limit, offset int) ([]*domain.JobFailure, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + jobFailureColumns + `
		FROM job_failures
		ORDER BY occurred_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		log.Error("failed to list job failures",
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list job failures: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	return collectJobFailures(rows)
}

func scanJobFailure(row rowScanner) (*domain.JobFailure, error) {
	var failure domain.JobFailure
	err := row.Scan(
		&failure.ID,
		&failure.JobClass,
		&failure.QueueName,
		&failure.ArgsSnapshot,
		&failure.ErrorClass,
		&failure.ErrorMessage,
		&failure.FailureKind,
		&failure.Retryable,
		&failure.AccountID,
		&failure.RunID,
		&failure.Step,
		&failure.OccurredAt,
		&failure.RetryAttempts,
		&failure.LastAttemptAt,
	)
	if err != nil {
		return nil, err
	}
	return &failure, nil
}

func collectJobFailures(rows *sql.Rows) ([]*domain.JobFailure, error) {
	var failures []*domain.JobFailure
	for rows.Next() {
		failure, err := scanJobFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job failure row: %w", err)
		}
		failures = append(failures, failure)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job failure rows: %w", err)
	}
	return failures, nil
}
