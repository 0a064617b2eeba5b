package domain

import (
	"errors"
	"time"
)

// Common validation errors for Account
var (
	ErrInvalidAccountID = errors.New("account ID must be positive")
	ErrEmptyHandle      = errors.New("account handle cannot be empty")
)

// Account represents a monitored social account whose content is
// continuously captured and analyzed by background jobs.
//
// Account IDs are assigned by the database as a monotonically increasing
// sequence; the batch fan-out scheduler depends on that ordering for its
// cursor pagination, so accounts never use random identifiers.
type Account struct {
	ID        int64     `json:"id"`
	Handle    string    `json:"handle"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the Account has valid data.
func (a *Account) Validate() error {
	if a.ID <= 0 {
		return ErrInvalidAccountID
	}
	if a.Handle == "" {
		return ErrEmptyHandle
	}
	return nil
}
