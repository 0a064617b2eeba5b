package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/store"
)

// registration binds a job class to its lane and handler.
type registration struct {
	queueName string
	category  domain.JobCategory
	handler   Handler
}

// MemoryBrokerConfig holds configuration for the in-process broker.
type MemoryBrokerConfig struct {
	// LaneSize is the buffer size of each lane channel.
	LaneSize int

	// WorkersPerLane determines how many concurrent workers drain each
	// lane.
	WorkersPerLane int
}

// DefaultMemoryBrokerConfig returns a MemoryBrokerConfig with
// reasonable defaults.
func DefaultMemoryBrokerConfig() MemoryBrokerConfig {
	return MemoryBrokerConfig{
		LaneSize:       256,
		WorkersPerLane: 2,
	}
}

// MemoryBroker is an in-process queue substrate with categorized lanes
// and native delayed scheduling. Each registered job class maps to one
// lane; workers drain lanes concurrently and record job lifecycle rows
// so the backlog gate has concrete counts to read.
//
// Delayed jobs are held by the Go timer wheel until due and only then
// delivered to their lane; the broker never sleeps inside a worker.
type MemoryBroker struct {
	mu            sync.RWMutex
	registrations map[string]registration
	lanes         map[string]chan Job
	closed        bool

	// pendingTimers tracks delayed jobs not yet delivered. Fired timers
	// remove themselves; Stop cancels the remainder.
	pendingTimers map[*time.Timer]struct{}

	lifecycle store.JobLifecycleStore

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	config     MemoryBrokerConfig
	logger     *slog.Logger

	errHandler        func(job Job, err error)
	completionHandler func(job Job)
}

// NewMemoryBroker creates a new MemoryBroker. The lifecycle store may
// be nil, in which case no lifecycle rows are recorded (tests).
func NewMemoryBroker(lifecycle store.JobLifecycleStore, cfg MemoryBrokerConfig, logger *slog.Logger) *MemoryBroker {
	if cfg.LaneSize <= 0 {
		cfg.LaneSize = DefaultMemoryBrokerConfig().LaneSize
	}
	if cfg.WorkersPerLane <= 0 {
		cfg.WorkersPerLane = DefaultMemoryBrokerConfig().WorkersPerLane
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &MemoryBroker{
		registrations: make(map[string]registration),
		lanes:         make(map[string]chan Job),
		pendingTimers: make(map[*time.Timer]struct{}),
		lifecycle:     lifecycle,
		ctx:           ctx,
		cancelFunc:    cancel,
		config:        cfg,
		logger:        logger.With("component", "memory_broker"),
		errHandler: func(job Job, err error) {
			logger.Error("job execution failed",
				"job_id", job.ID,
				"job_class", job.Class,
				"error", err)
		},
	}
}

// SetErrorHandler installs a hook invoked after a job handler returns
// an error. The failure capture service subscribes here.
func (b *MemoryBroker) SetErrorHandler(handler func(job Job, err error)) {
	b.errHandler = handler
}

// SetCompletionHandler installs a hook invoked after a job handler
// succeeds. The dedup layer subscribes here to clear its markers.
func (b *MemoryBroker) SetCompletionHandler(handler func(job Job)) {
	b.completionHandler = handler
}

// Register binds a job class to a lane and handler. Must be called
// before Start; enqueues for unregistered classes fail.
func (b *MemoryBroker) Register(class, queueName string, category domain.JobCategory, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.registrations[class] = registration{
		queueName: queueName,
		category:  category,
		handler:   handler,
	}
	if _, ok := b.lanes[queueName]; !ok {
		b.lanes[queueName] = make(chan Job, b.config.LaneSize)
	}
	b.logger.Debug("registered job class",
		"job_class", class,
		"queue", queueName)
}

// Start launches the lane workers.
func (b *MemoryBroker) Start() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for name, lane := range b.lanes {
		for i := 0; i < b.config.WorkersPerLane; i++ {
			b.wg.Add(1)
			go b.worker(name, lane, i)
		}
	}
}

// Stop gracefully shuts down the broker. Pending delayed jobs are
// dropped; durable substrates persist them instead.
func (b *MemoryBroker) Stop() {
	b.mu.Lock()
	b.closed = true
	for timer := range b.pendingTimers {
		timer.Stop()
	}
	b.pendingTimers = make(map[*time.Timer]struct{})
	b.mu.Unlock()

	b.cancelFunc()
	b.wg.Wait()
}

// Enqueue implements Enqueuer.
func (b *MemoryBroker) Enqueue(ctx context.Context, class string, args any) (uuid.UUID, error) {
	return b.enqueue(ctx, class, args, 0)
}

// EnqueueDelayed implements Enqueuer.
func (b *MemoryBroker) EnqueueDelayed(ctx context.Context, class string, args any, delay time.Duration) (uuid.UUID, error) {
	return b.enqueue(ctx, class, args, delay)
}

func (b *MemoryBroker) enqueue(ctx context.Context, class string, args any, delay time.Duration) (uuid.UUID, error) {
	b.mu.RLock()
	reg, ok := b.registrations[class]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return uuid.Nil, ErrQueueClosed
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownJobClass, class)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	now := time.Now().UTC()
	job := Job{
		ID:         uuid.New(),
		Class:      class,
		Queue:      reg.queueName,
		Args:       payload,
		EnqueuedAt: now,
		RunAt:      now.Add(delay),
	}

	b.recordLifecycle(ctx, job, reg.category, domain.JobLifecycleQueued)

	if delay <= 0 {
		return job.ID, b.deliver(job)
	}

	// Held on the timer wheel until due. The lifecycle row is already
	// queued so the backlog gate sees delayed work as pending. The
	// timer registers itself under the lock before it can fire, so the
	// removal in its body always finds the entry.
	b.mu.Lock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.pendingTimers, timer)
		b.mu.Unlock()

		if err := b.deliver(job); err != nil {
			b.logger.Error("failed to deliver delayed job",
				"job_id", job.ID,
				"job_class", job.Class,
				"error", err)
		}
	})
	b.pendingTimers[timer] = struct{}{}
	b.mu.Unlock()

	return job.ID, nil
}

func (b *MemoryBroker) deliver(job Job) error {
	b.mu.RLock()
	lane, ok := b.lanes[job.Queue]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ErrQueueClosed
	}
	if !ok {
		return fmt.Errorf("%w: no lane for queue %s", ErrUnknownJobClass, job.Queue)
	}

	select {
	case lane <- job:
		b.logger.Debug("job enqueued",
			"job_id", job.ID,
			"job_class", job.Class,
			"queue", job.Queue,
			"lane_len", len(lane),
			"lane_cap", cap(lane))
		return nil
	default:
		return fmt.Errorf("%w: lane %s capacity %d reached", ErrQueueFull, job.Queue, cap(lane))
	}
}

// worker drains one lane until shutdown.
func (b *MemoryBroker) worker(laneName string, lane <-chan Job, id int) {
	defer b.wg.Done()

	b.logger.Debug("starting lane worker", "queue", laneName, "worker_id", id)

	for {
		select {
		case <-b.ctx.Done():
			b.logger.Debug("stopping lane worker", "queue", laneName, "worker_id", id)
			return

		case job, ok := <-lane:
			if !ok {
				return
			}
			b.processJob(job)
		}
	}
}

// processJob handles execution of a single job, including lifecycle
// transitions and the error/completion hooks.
func (b *MemoryBroker) processJob(job Job) {
	ctx := context.Background()
	logger := b.logger.With(
		"job_id", job.ID,
		"job_class", job.Class,
		"queue", job.Queue,
	)

	b.mu.RLock()
	reg, ok := b.registrations[job.Class]
	b.mu.RUnlock()
	if !ok {
		logger.Error("no handler registered for job class")
		return
	}

	b.updateLifecycle(ctx, job.ID, domain.JobLifecycleRunning)

	logger.Info("processing job")
	err := reg.handler.Handle(ctx, job)

	if err != nil {
		logger.Error("job execution failed", "error", err)
		b.updateLifecycle(ctx, job.ID, domain.JobLifecycleFailed)
		if b.errHandler != nil {
			b.errHandler(job, err)
		}
		return
	}

	logger.Info("job completed")
	b.updateLifecycle(ctx, job.ID, domain.JobLifecycleCompleted)
	if b.completionHandler != nil {
		b.completionHandler(job)
	}
}

// Health implements HealthChecker. Lane depth counts double as the
// queue-health snapshot exposed to the dashboard.
func (b *MemoryBroker) Health(ctx context.Context) HealthStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := HealthStatus{
		OK:     !b.closed,
		Counts: make(map[string]int, len(b.lanes)),
	}
	if b.closed {
		status.Reason = "broker is shut down"
	}
	for name, lane := range b.lanes {
		status.Counts[name] = len(lane)
	}
	return status
}

// recordLifecycle writes the initial lifecycle row for an enqueued
// job. The account id is extracted from the args when present so gate
// counts are scoped per account. Bookkeeping failures are logged and
// swallowed; they must never fail the enqueue.
func (b *MemoryBroker) recordLifecycle(ctx context.Context, job Job, category domain.JobCategory, status domain.JobLifecycleStatus) {
	if b.lifecycle == nil {
		return
	}

	var probe struct {
		AccountID int64 `json:"account_id"`
	}
	_ = json.Unmarshal(job.Args, &probe)

	row := &domain.JobLifecycle{
		JobID:      job.ID,
		JobClass:   job.Class,
		QueueName:  job.Queue,
		Category:   category,
		AccountID:  probe.AccountID,
		Status:     status,
		EnqueuedAt: job.EnqueuedAt,
		UpdatedAt:  job.EnqueuedAt,
	}
	if err := b.lifecycle.Record(ctx, row); err != nil {
		b.logger.Warn("failed to record job lifecycle row",
			"job_id", job.ID,
			"error", err)
	}
}

func (b *MemoryBroker) updateLifecycle(ctx context.Context, jobID uuid.UUID, status domain.JobLifecycleStatus) {
	if b.lifecycle == nil {
		return
	}
	if err := b.lifecycle.UpdateStatus(ctx, jobID, status); err != nil {
		b.logger.Warn("failed to update job lifecycle status",
			"job_id", jobID,
			"status", status,
			"error", err)
	}
}

// Interface guards.
var (
	_ Enqueuer      = (*MemoryBroker)(nil)
	_ HealthChecker = (*MemoryBroker)(nil)
)
