package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the overall state of a pipeline run.
type RunStatus string

// Possible run status values. A run reaching completed or failed is
// terminal and never transitions again.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus represents the state of a single analysis step.
type StepStatus string

// Possible step status values.
const (
	StepStatusPending   StepStatus = "pending"
	StepStatusQueued    StepStatus = "queued"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Terminal reports whether the step status permits no further
// transitions short of an explicit reinitialization.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// StepName identifies one independently schedulable analysis step.
type StepName string

// Analysis step names. Each maps to one AI analysis pass over a
// captured content item.
const (
	StepTranscription StepName = "transcription"
	StepVisionTags    StepName = "vision_tags"
	StepOCR           StepName = "ocr"
	StepFaceMatch     StepName = "face_match"
	StepVideoSummary  StepName = "video_summary"
)

// Common validation errors for PipelineRun
var (
	ErrEmptyRunID         = errors.New("pipeline run ID cannot be empty")
	ErrEmptyContentItemID = errors.New("pipeline run content item ID cannot be empty")
	ErrNoRequiredSteps    = errors.New("pipeline run requires at least one step")
	ErrInvalidRunStatus   = errors.New("invalid pipeline run status")
)

// StepState tracks the progress of one analysis step within a run.
// Transitions are monotonic: a step never regresses from a terminal
// status without an explicit reinitialization.
type StepState struct {
	Status               StepStatus     `json:"status"`
	Attempts             int            `json:"attempts"`
	ReinitializeAttempts int            `json:"reinitialize_attempts"`
	QueueName            string         `json:"queue_name,omitempty"`
	JobID                uuid.UUID      `json:"job_id,omitempty"`
	Result               map[string]any `json:"result,omitempty"`
	LastError            string         `json:"last_error,omitempty"`
	QueuedAt             *time.Time     `json:"queued_at,omitempty"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	FinishedAt           *time.Time     `json:"finished_at,omitempty"`
}

// Elapsed returns the step's wall-clock duration, zero until it has
// both started and finished.
func (s *StepState) Elapsed() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// PipelineRun tracks the progress of an arbitrary set of required
// analysis steps for one content item across many worker invocations.
type PipelineRun struct {
	ID            uuid.UUID               `json:"id"`
	ContentItemID uuid.UUID               `json:"content_item_id"`
	AccountID     int64                   `json:"account_id"`
	RequiredSteps []StepName              `json:"required_steps"`
	Steps         map[StepName]*StepState `json:"steps"`
	Status        RunStatus               `json:"status"`
	StatusDetails string                  `json:"status_details,omitempty"`
	StartedAt     time.Time               `json:"started_at"`
	FinishedAt    *time.Time              `json:"finished_at,omitempty"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// NewPipelineRun creates a run for the given content item with every
// required step pending.
func NewPipelineRun(contentItemID uuid.UUID, accountID int64, required []StepName) (*PipelineRun, error) {
	now := time.Now().UTC()
	run := &PipelineRun{
		ID:            uuid.New(),
		ContentItemID: contentItemID,
		AccountID:     accountID,
		RequiredSteps: required,
		Steps:         make(map[StepName]*StepState, len(required)),
		Status:        RunStatusRunning,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	for _, step := range required {
		run.Steps[step] = &StepState{Status: StepStatusPending}
	}
	if err := run.Validate(); err != nil {
		return nil, err
	}
	return run, nil
}

// Validate checks if the PipelineRun has valid data.
func (r *PipelineRun) Validate() error {
	if r.ID == uuid.Nil {
		return ErrEmptyRunID
	}
	if r.ContentItemID == uuid.Nil {
		return ErrEmptyContentItemID
	}
	if len(r.RequiredSteps) == 0 {
		return ErrNoRequiredSteps
	}
	switch r.Status {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed:
	default:
		return ErrInvalidRunStatus
	}
	return nil
}

// Terminal reports whether the run has reached a terminal status.
func (r *PipelineRun) Terminal() bool {
	return r.Status.Terminal()
}

// Requires reports whether the step belongs to the run's required set.
func (r *PipelineRun) Requires(step StepName) bool {
	for _, s := range r.RequiredSteps {
		if s == step {
			return true
		}
	}
	return false
}

// AllStepsTerminal reports whether every required step has reached a
// terminal per-step status.
func (r *PipelineRun) AllStepsTerminal() bool {
	for _, name := range r.RequiredSteps {
		state, ok := r.Steps[name]
		if !ok || !state.Status.Terminal() {
			return false
		}
	}
	return true
}

// StepRollup summarizes per-step outcomes and timings for reporting.
type StepRollup struct {
	Completed    int                       `json:"completed"`
	Failed       int                       `json:"failed"`
	Pending      int                       `json:"pending"`
	StepElapsed  map[StepName]time.Duration `json:"step_elapsed"`
	TotalElapsed time.Duration             `json:"total_elapsed"`
}

// Rollup computes the step and timing rollup for the run.
func (r *PipelineRun) Rollup() StepRollup {
	rollup := StepRollup{StepElapsed: make(map[StepName]time.Duration, len(r.RequiredSteps))}
	for _, name := range r.RequiredSteps {
		state, ok := r.Steps[name]
		if !ok {
			rollup.Pending++
			continue
		}
		switch state.Status {
		case StepStatusCompleted:
			rollup.Completed++
		case StepStatusFailed:
			rollup.Failed++
		default:
			rollup.Pending++
		}
		if elapsed := state.Elapsed(); elapsed > 0 {
			rollup.StepElapsed[name] = elapsed
		}
	}
	end := time.Now().UTC()
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	rollup.TotalElapsed = end.Sub(r.StartedAt)
	return rollup
}
