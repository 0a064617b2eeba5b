package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/store"
)

// PostgresJobLifecycleStore implements the store.JobLifecycleStore
// interface using a PostgreSQL database as the storage backend.
type PostgresJobLifecycleStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresJobLifecycleStore creates a new PostgreSQL implementation
// of the JobLifecycleStore interface.
func NewPostgresJobLifecycleStore(db store.DBTX, logger *slog.Logger) *PostgresJobLifecycleStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresJobLifecycleStore{
		db:     db,
		logger: logger.With(slog.String("component", "job_lifecycle_store")),
	}
}

// Ensure PostgresJobLifecycleStore implements the interface
var _ store.JobLifecycleStore = (*PostgresJobLifecycleStore)(nil)

// Record implements store.JobLifecycleStore.Record as an upsert keyed
// by job_id, so re-dispatch of the same job does not duplicate rows.
func (s *PostgresJobLifecycleStore) Record(ctx context.Context, row *domain.JobLifecycle) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		INSERT INTO job_lifecycles (
			job_id, job_class, queue_name, category, account_id,
			status, enqueued_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		row.JobID,
		row.JobClass,
		row.QueueName,
		row.Category,
		row.AccountID,
		row.Status,
		row.EnqueuedAt,
		row.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to record job lifecycle",
			slog.String("job_id", row.JobID.String()),
			slog.String("job_class", row.JobClass),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to record job lifecycle: %w", MapError(err))
	}

	return nil
}

// UpdateStatus implements store.JobLifecycleStore.UpdateStatus. An
// unknown job id is ignored: lifecycle rows are best-effort audit, and
// a missing row must not fail the dispatch path.
func (s *PostgresJobLifecycleStore) UpdateStatus(ctx context.Context, jobID uuid.UUID, status domain.JobLifecycleStatus) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE job_lifecycles
		SET status = $1, updated_at = $2
		WHERE job_id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), jobID); err != nil {
		log.Error("failed to update job lifecycle status",
			slog.String("job_id", jobID.String()),
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to update job lifecycle status: %w", MapError(err))
	}

	return nil
}

// CountActiveByCategory implements
// store.JobLifecycleStore.CountActiveByCategory. Categories with no
// active jobs are absent from the map.
func (s *PostgresJobLifecycleStore) CountActiveByCategory(ctx context.Context, accountID int64) (map[domain.JobCategory]int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT category, COUNT(*)
		FROM job_lifecycles
		WHERE account_id = $1 AND status IN ('queued', 'running')
		GROUP BY category
	`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		log.Error("failed to count active jobs",
			slog.Int64("account_id", accountID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to count active jobs: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.JobCategory]int64)
	for rows.Next() {
		var category domain.JobCategory
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("failed to scan category count row: %w", err)
		}
		counts[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate category count rows: %w", err)
	}

	return counts, nil
}

// ResetStale implements store.JobLifecycleStore.ResetStale. Rows stuck
// in queued past maxAge belong to a broker that died before dispatch;
// marking them failed unblocks the backlog gate at startup.
func (s *PostgresJobLifecycleStore) ResetStale(ctx context.Context, maxAge time.Duration) ([]uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE job_lifecycles
		SET status = 'failed', updated_at = $1
		WHERE status = 'queued' AND enqueued_at < $2
		RETURNING job_id
	`

	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, query, now, now.Add(-maxAge))
	if err != nil {
		log.Error("failed to reset stale job lifecycles",
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to reset stale job lifecycles: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var jobIDs []uuid.UUID
	for rows.Next() {
		var jobID uuid.UUID
		if err := rows.Scan(&jobID); err != nil {
			return nil, fmt.Errorf("failed to scan stale job id: %w", err)
		}
		jobIDs = append(jobIDs, jobID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale job ids: %w", err)
	}

	if len(jobIDs) > 0 {
		log.Warn("reset stale queued jobs", slog.Int("count", len(jobIDs)))
	}
	return jobIDs, nil
}
