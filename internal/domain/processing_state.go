package domain

import (
	"errors"
	"time"
)

// AccountState represents the coordinator-visible state of an account.
type AccountState string

// Possible account state values. There is no persisted "running" lock;
// the state flips to running only for the duration of a tick and
// concurrency safety comes from idempotent due-timestamp comparisons.
const (
	AccountStateIdle    AccountState = "idle"
	AccountStateRunning AccountState = "running"
)

// ErrInvalidAccountState is returned when an unknown state value is set.
var ErrInvalidAccountState = errors.New("invalid account processing state")

// AccountProcessingState is the per-account scheduling record owned
// exclusively by the coordinator. It is mutated once per tick and only
// ever updated, never deleted.
type AccountProcessingState struct {
	AccountID         int64        `json:"account_id"`
	Enabled           bool         `json:"enabled"`
	State             AccountState `json:"state"`
	NextStorySyncAt   time.Time    `json:"next_story_sync_at"`
	NextFeedSyncAt    time.Time    `json:"next_feed_sync_at"`
	NextProfileScanAt time.Time    `json:"next_profile_scan_at"`
	LastHeartbeatAt   time.Time    `json:"last_heartbeat_at"`
	RetryAfterAt      *time.Time   `json:"retry_after_at,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Validate checks if the AccountProcessingState has valid data.
func (s *AccountProcessingState) Validate() error {
	if s.AccountID <= 0 {
		return ErrInvalidAccountID
	}
	if s.State != AccountStateIdle && s.State != AccountStateRunning {
		return ErrInvalidAccountState
	}
	return nil
}

// NextDueAt returns the stored due-timestamp for the given phase.
// Workspace action processing has no due-timestamp of its own: it is
// due whenever the coordinator runs, so the zero time is returned.
func (s *AccountProcessingState) NextDueAt(phase Phase) time.Time {
	switch phase {
	case PhaseStorySync:
		return s.NextStorySyncAt
	case PhaseFeedCapture:
		return s.NextFeedSyncAt
	case PhaseProfileScan:
		return s.NextProfileScanAt
	default:
		return time.Time{}
	}
}

// SetNextDueAt updates the due-timestamp for the given phase.
// Phases without a due-timestamp are ignored.
func (s *AccountProcessingState) SetNextDueAt(phase Phase, t time.Time) {
	switch phase {
	case PhaseStorySync:
		s.NextStorySyncAt = t
	case PhaseFeedCapture:
		s.NextFeedSyncAt = t
	case PhaseProfileScan:
		s.NextProfileScanAt = t
	}
}
