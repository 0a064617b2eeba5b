package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/store"
)

// PostgresPipelineRunStore implements the store.PipelineRunStore
// interface using a PostgreSQL database as the storage backend. The
// per-step state map and the required-step list are stored as JSONB;
// the run is always loaded and saved whole.
type PostgresPipelineRunStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresPipelineRunStore creates a new PostgreSQL implementation
// of the PipelineRunStore interface.
func NewPostgresPipelineRunStore(db store.DBTX, logger *slog.Logger) *PostgresPipelineRunStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresPipelineRunStore{
		db:     db,
		logger: logger.With(slog.String("component", "pipeline_run_store")),
	}
}

// Ensure PostgresPipelineRunStore implements the interface
var _ store.PipelineRunStore = (*PostgresPipelineRunStore)(nil)

// Create implements store.PipelineRunStore.Create.
// Returns store.ErrDuplicate if the run ID already exists.
func (s *PostgresPipelineRunStore) Create(ctx context.Context, run *domain.PipelineRun) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := run.Validate(); err != nil {
		log.Warn("pipeline run validation failed during create",
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()))
		return err
	}

	requiredSteps, steps, err := marshalRunState(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pipeline_runs (
			id, content_item_id, account_id, required_steps, steps,
			status, status_details, started_at, finished_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.ContentItemID,
		run.AccountID,
		requiredSteps,
		steps,
		run.Status,
		run.StatusDetails,
		run.StartedAt,
		run.FinishedAt,
		run.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create pipeline run",
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to create pipeline run: %w", MapError(err))
	}

	return nil
}

// GetByID implements store.PipelineRunStore.GetByID.
// Returns store.ErrPipelineRunNotFound if the run does not exist.
func (s *PostgresPipelineRunStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, content_item_id, account_id, required_steps, steps,
		       status, status_details, started_at, finished_at, updated_at
		FROM pipeline_runs
		WHERE id = $1
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrPipelineRunNotFound
		}
		log.Error("failed to get pipeline run",
			slog.String("run_id", id.String()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to get pipeline run: %w", MapError(err))
	}

	return run, nil
}

// Save implements store.PipelineRunStore.Save as a whole-record update.
// Returns store.ErrPipelineRunNotFound if the run does not exist.
func (s *PostgresPipelineRunStore) Save(ctx context.Context, run *domain.PipelineRun) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := run.Validate(); err != nil {
		log.Warn("pipeline run validation failed during save",
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()))
		return err
	}

	requiredSteps, steps, err := marshalRunState(run)
	if err != nil {
		return err
	}

	query := `
		UPDATE pipeline_runs
		SET required_steps = $1, steps = $2, status = $3,
		    status_details = $4, finished_at = $5, updated_at = $6
		WHERE id = $7
	`

	result, err := s.db.ExecContext(ctx, query,
		requiredSteps,
		steps,
		run.Status,
		run.StatusDetails,
		run.FinishedAt,
		run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		log.Error("failed to save pipeline run",
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to save pipeline run: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrPipelineRunNotFound
	}

	return nil
}

// CountActiveByAccount implements
// store.PipelineRunStore.CountActiveByAccount.
func (s *PostgresPipelineRunStore) CountActiveByAccount(ctx context.Context, accountID int64) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT COUNT(*)
		FROM pipeline_runs
		WHERE account_id = $1 AND status NOT IN ('completed', 'failed')
	`

	var count int64
	if err := s.db.QueryRowContext(ctx, query, accountID).Scan(&count); err != nil {
		log.Error("failed to count active pipeline runs",
			slog.Int64("account_id", accountID),
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to count active pipeline runs: %w", MapError(err))
	}

	return count, nil
}

// ListByAccount implements store.PipelineRunStore.ListByAccount.
func (s *PostgresPipelineRunStore) ListByAccount(ctx context.Context, accountID int64, limit, offset int) ([]*domain.PipelineRun, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, content_item_id, account_id, required_steps, steps,
		       status, status_details, started_at, finished_at, updated_at
		FROM pipeline_runs
		WHERE account_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, accountID, limit, offset)
	if err != nil {
		log.Error("failed to list pipeline runs",
			slog.Int64("account_id", accountID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list pipeline runs: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var runs []*domain.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pipeline run rows: %w", err)
	}

	return runs, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	var requiredSteps, steps []byte

	err := row.Scan(
		&run.ID,
		&run.ContentItemID,
		&run.AccountID,
		&requiredSteps,
		&steps,
		&run.Status,
		&run.StatusDetails,
		&run.StartedAt,
		&run.FinishedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(requiredSteps, &run.RequiredSteps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal required steps: %w", err)
	}
	if err := json.Unmarshal(steps, &run.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step states: %w", err)
	}

	return &run, nil
}

func marshalRunState(run *domain.PipelineRun) (requiredSteps, steps []byte, err error) {
	requiredSteps, err = json.Marshal(run.RequiredSteps)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal required steps: %w", err)
	}
	steps, err = json.Marshal(run.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal step states: %w", err)
	}
	return requiredSteps, steps, nil
}
