package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// FailureKind categorizes a captured job failure for retry decisions.
type FailureKind string

// Possible failure kinds. Authentication failures are never retried
// automatically; transient failures are the primary retry candidates.
const (
	FailureKindAuthentication FailureKind = "authentication"
	FailureKindTransient      FailureKind = "transient"
	FailureKindRuntime        FailureKind = "runtime"
)

// Common validation errors for JobFailure
var (
	ErrEmptyFailureID       = errors.New("job failure ID cannot be empty")
	ErrEmptyJobClass        = errors.New("job failure job class cannot be empty")
	ErrInvalidFailureKind   = errors.New("invalid failure kind")
	ErrEmptyFailureErrClass = errors.New("job failure error class cannot be empty")
)

// JobFailure is the audit record written for every background job
// failure. Rows are mutated by retry attempts but never auto-deleted.
type JobFailure struct {
	ID            uuid.UUID       `json:"id"`
	JobClass      string          `json:"job_class"`
	QueueName     string          `json:"queue_name"`
	ArgsSnapshot  json.RawMessage `json:"args_snapshot"`
	ErrorClass    string          `json:"error_class"`
	ErrorMessage  string          `json:"error_message"`
	FailureKind   FailureKind     `json:"failure_kind"`
	Retryable     bool            `json:"retryable"`
	AccountID     *int64          `json:"account_id,omitempty"`
	RunID         *uuid.UUID      `json:"run_id,omitempty"`
	Step          StepName        `json:"step,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	RetryAttempts int             `json:"retry_attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
}

// Validate checks if the JobFailure has valid data.
func (f *JobFailure) Validate() error {
	if f.ID == uuid.Nil {
		return ErrEmptyFailureID
	}
	if f.JobClass == "" {
		return ErrEmptyJobClass
	}
	if f.ErrorClass == "" {
		return ErrEmptyFailureErrClass
	}
	switch f.FailureKind {
	case FailureKindAuthentication, FailureKindTransient, FailureKindRuntime:
	default:
		return ErrInvalidFailureKind
	}
	return nil
}

// InCooldown reports whether the failure's last retry attempt is still
// inside the given cooldown window.
func (f *JobFailure) InCooldown(now time.Time, cooldown time.Duration) bool {
	if f.LastAttemptAt == nil {
		return false
	}
	return now.Sub(*f.LastAttemptAt) < cooldown
}
