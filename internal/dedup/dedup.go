// Package dedup provides the idempotency layer in front of the queue
// substrate: a TTL-bounded marker store that collapses identical
// enqueues within a short window, plus an execute-once guard for
// idempotent effects.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/config"
	"github.com/calvora/cadence/internal/queue"
)

// KV is the TTL key-value store contract backing dedup and completion
// markers. The badger implementation lives in
// internal/platform/badgerkv; MemoryKV backs tests.
type KV interface {
	// Exists reports whether a live (non-expired) value exists for key.
	Exists(ctx context.Context, key string) (bool, error)

	// Get retrieves the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL writes the value with the given time-to-live.
	// Implementations may round expiry down to whole seconds, so
	// sub-second TTLs are not reliable.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// SkipReasonDuplicate is reported when an enqueue collapses onto an
// existing marker.
const SkipReasonDuplicate = "duplicate"

// EnqueueResult reports the outcome of a deduplicated enqueue.
type EnqueueResult struct {
	Enqueued   bool
	JobID      uuid.UUID
	Key        string
	SkipReason string
}

// Deduper wraps an Enqueuer with marker-based idempotency.
type Deduper struct {
	kv       KV
	enqueuer queue.Enqueuer
	cfg      config.DedupConfig
	logger   *slog.Logger
}

// NewDeduper creates a Deduper over the given KV store and enqueuer.
func NewDeduper(kv KV, enqueuer queue.Enqueuer, cfg config.DedupConfig, logger *slog.Logger) *Deduper {
	return &Deduper{
		kv:       kv,
		enqueuer: enqueuer,
		cfg:      cfg,
		logger:   logger.With("component", "deduper"),
	}
}

// EnqueueWithDedup enqueues the job unless an identical (class,
// normalized args) enqueue already happened inside the marker TTL
// window. On broker failure the marker is cleared immediately so a
// transient enqueue error never blocks future attempts.
func (d *Deduper) EnqueueWithDedup(ctx context.Context, class string, args any) (EnqueueResult, error) {
	return d.enqueueWithDedup(ctx, class, args, 0)
}

// EnqueueDelayedWithDedup is EnqueueWithDedup with a scheduling delay,
// used by the batch fan-out scheduler's staggered enqueues.
func (d *Deduper) EnqueueDelayedWithDedup(ctx context.Context, class string, args any, delay time.Duration) (EnqueueResult, error) {
	return d.enqueueWithDedup(ctx, class, args, delay)
}

func (d *Deduper) enqueueWithDedup(ctx context.Context, class string, args any, delay time.Duration) (EnqueueResult, error) {
	key, err := MarkerKey(class, args)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to compute dedup key: %w", err)
	}

	exists, err := d.kv.Exists(ctx, key)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to check dedup marker: %w", err)
	}
	if exists {
		d.logger.Info("skipping duplicate enqueue",
			"job_class", class,
			"dedup_key", key)
		return EnqueueResult{Key: key, SkipReason: SkipReasonDuplicate}, nil
	}

	if err := d.kv.SetWithTTL(ctx, key, []byte("1"), d.cfg.MarkerTTL); err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to write dedup marker: %w", err)
	}

	var jobID uuid.UUID
	if delay > 0 {
		jobID, err = d.enqueuer.EnqueueDelayed(ctx, class, args, delay)
	} else {
		jobID, err = d.enqueuer.Enqueue(ctx, class, args)
	}
	if err != nil {
		// Fail open: clear the marker so the next attempt is not
		// blocked by a transient broker error.
		if delErr := d.kv.Delete(ctx, key); delErr != nil {
			d.logger.Warn("failed to clear dedup marker after enqueue failure",
				"dedup_key", key,
				"error", delErr)
		}
		return EnqueueResult{}, fmt.Errorf("failed to enqueue %s: %w", class, err)
	}

	if err := d.kv.SetWithTTL(ctx, jobKeyFor(jobID), []byte(key), d.cfg.JobKeyTTL); err != nil {
		// Cleanup mapping is best effort; the marker TTL still bounds
		// the dedup window.
		d.logger.Warn("failed to write job reverse mapping",
			"job_id", jobID,
			"error", err)
	}

	return EnqueueResult{Enqueued: true, JobID: jobID, Key: key}, nil
}

// ClearForJob removes the dedup marker and reverse mapping for a
// completed job, re-opening the dedup window for its argument set.
func (d *Deduper) ClearForJob(ctx context.Context, jobID uuid.UUID) {
	mappingKey := jobKeyFor(jobID)

	value, err := d.kv.Get(ctx, mappingKey)
	if errors.Is(err, ErrKeyNotFound) {
		// The mapping TTL already expired; nothing to clear.
		return
	}
	if err != nil {
		// A store failure leaves the marker to lapse by its own TTL;
		// that must be visible, not silent.
		d.logger.Warn("failed to load job reverse mapping, marker left to expire",
			"job_id", jobID,
			"error", err)
		return
	}

	if err := d.kv.Delete(ctx, string(value)); err != nil {
		d.logger.Warn("failed to clear dedup marker on completion",
			"job_id", jobID,
			"error", err)
	}
	if err := d.kv.Delete(ctx, mappingKey); err != nil {
		d.logger.Warn("failed to clear job reverse mapping",
			"job_id", jobID,
			"error", err)
	}
}

// ExecuteOnce guards an idempotent effect behind a completion marker:
// if the work identifier already completed inside the completion TTL,
// fn is skipped. The marker is written only after fn succeeds, and the
// error is always returned to the caller; completion markers must
// never be set for failed work.
//
// The boolean reports whether fn ran.
func (d *Deduper) ExecuteOnce(ctx context.Context, workIdentifier string, fn func(ctx context.Context) error) (bool, error) {
	key := "once:" + workIdentifier

	exists, err := d.kv.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check completion marker: %w", err)
	}
	if exists {
		d.logger.Debug("skipping already-completed work",
			"work_identifier", workIdentifier)
		return false, nil
	}

	if err := fn(ctx); err != nil {
		return true, err
	}

	if err := d.kv.SetWithTTL(ctx, key, []byte("1"), d.cfg.CompletionTTL); err != nil {
		d.logger.Warn("failed to write completion marker",
			"work_identifier", workIdentifier,
			"error", err)
	}
	return true, nil
}

func jobKeyFor(jobID uuid.UUID) string {
	return "job:" + jobID.String()
}
