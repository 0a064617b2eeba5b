// Package failure captures background job failures into an audit trail
// and drives their automatic re-enqueue. Every failure path writes a
// record before anything is swallowed; retry selection excludes work
// whose pipeline run has already reached a terminal status through
// another path.
package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/calvora/cadence/internal/config"
	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/queue"
	"github.com/calvora/cadence/internal/retrypolicy"
	"github.com/calvora/cadence/internal/store"
)

// ErrAuthenticationRequired marks an error as an authentication
// failure. Jobs wrap credential problems with it; such failures are
// captured but never retried automatically.
var ErrAuthenticationRequired = errors.New("authentication required")

// CaptureParams describes one job failure to record.
type CaptureParams struct {
	JobClass  string
	QueueName string
	Args      json.RawMessage
	Err       error

	// Optional correlation to the owning account and pipeline step.
	AccountID *int64
	RunID     *uuid.UUID
	Step      domain.StepName

	// Retryable overrides the computed retryable flag when set. Used
	// for synthetic audit records that must never be re-enqueued.
	Retryable *bool
}

// Service captures failures and enqueues automatic retries.
type Service struct {
	failures store.JobFailureStore
	runs     store.PipelineRunStore
	enqueuer queue.Enqueuer
	engine   *retrypolicy.Engine
	cfg      config.FailureRetryConfig
	logger   *slog.Logger

	now func() time.Time
}

// NewService creates a failure service.
func NewService(failures store.JobFailureStore, runs store.PipelineRunStore, enqueuer queue.Enqueuer, engine *retrypolicy.Engine, cfg config.FailureRetryConfig, log *slog.Logger) *Service {
	return &Service{
		failures: failures,
		runs:     runs,
		enqueuer: enqueuer,
		engine:   engine,
		cfg:      cfg,
		logger:   log.With("component", "failure_service"),
		now:      time.Now,
	}
}

// Capture writes an audit record for the failure. The record's error
// class and failure kind drive later retry selection; authentication
// failures are marked non-retryable unconditionally.
func (s *Service) Capture(ctx context.Context, params CaptureParams) (*domain.JobFailure, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	errorClass, kind := classify(params.Err)
	retryable := kind != domain.FailureKindAuthentication && s.engine.ShouldRetry(errorClass, 0)
	if params.Retryable != nil {
		retryable = *params.Retryable && kind != domain.FailureKindAuthentication
	}

	record := &domain.JobFailure{
		ID:           uuid.New(),
		JobClass:     params.JobClass,
		QueueName:    params.QueueName,
		ArgsSnapshot: params.Args,
		ErrorClass:   errorClass,
		ErrorMessage: params.Err.Error(),
		FailureKind:  kind,
		Retryable:    retryable,
		AccountID:    params.AccountID,
		RunID:        params.RunID,
		Step:         params.Step,
		OccurredAt:   s.now().UTC(),
	}

	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("invalid failure record: %w", err)
	}
	if err := s.failures.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist failure record: %w", err)
	}

	log.Warn("job failure captured",
		"failure_id", record.ID,
		"job_class", record.JobClass,
		"error_class", record.ErrorClass,
		"failure_kind", record.FailureKind,
		"retryable", record.Retryable)
	return record, nil
}

// classify maps an error to its audit class and failure kind.
func classify(err error) (string, domain.FailureKind) {
	switch {
	case isAuthentication(err):
		return retrypolicy.ClassAuthentication, domain.FailureKindAuthentication
	case store.IsNotFoundError(err):
		return retrypolicy.ClassNotFound, domain.FailureKindRuntime
	case store.IsDuplicateError(err) || isUniqueViolation(err):
		return retrypolicy.ClassUniqueness, domain.FailureKindRuntime
	default:
		return string(retrypolicy.Categorize(err)), domain.FailureKindTransient
	}
}

func isAuthentication(err error) bool {
	if errors.Is(err, ErrAuthenticationRequired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized")
}

// isUniqueViolation reports a PostgreSQL unique constraint violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
