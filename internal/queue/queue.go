package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors returned by the queue substrate.
var (
	ErrQueueClosed      = errors.New("queue is closed")
	ErrQueueFull        = errors.New("queue is full")
	ErrUnknownJobClass  = errors.New("unknown job class")
	ErrInvalidArguments = errors.New("invalid job arguments")
)

// Job is the envelope delivered to workers. Args hold the enqueue-time
// arguments serialized as JSON so a captured failure can re-enqueue
// them unchanged.
type Job struct {
	ID         uuid.UUID       `json:"id"`
	Class      string          `json:"class"`
	Queue      string          `json:"queue"`
	Args       json.RawMessage `json:"args"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RunAt      time.Time       `json:"run_at"`
}

// Enqueuer is the write side of the queue substrate. Implementations
// must support native delayed scheduling: components express waiting
// as delayed re-scheduling, never as in-process sleeps.
type Enqueuer interface {
	// Enqueue schedules a job for immediate execution and returns its
	// job ID.
	Enqueue(ctx context.Context, class string, args any) (uuid.UUID, error)

	// EnqueueDelayed schedules a job to run no earlier than delay from
	// now and returns its job ID.
	EnqueueDelayed(ctx context.Context, class string, args any, delay time.Duration) (uuid.UUID, error)
}

// HealthStatus is a point-in-time snapshot of broker health.
type HealthStatus struct {
	OK     bool           `json:"ok"`
	Reason string         `json:"reason,omitempty"`
	Counts map[string]int `json:"counts"`
}

// HealthChecker is the read side of broker health.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Handler executes jobs of one registered class.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls the wrapped function.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}
