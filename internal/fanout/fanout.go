// Package fanout spreads per-account work over large account sets that
// are too big to enqueue in one shot. Batches walk the account table by
// ascending id cursor; each account's enqueue is delayed by a
// deterministic stagger-plus-jitter offset so identical batches always
// produce the same spread.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/calvora/cadence/internal/config"
	"github.com/calvora/cadence/internal/dedup"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/store"
)

// Job classes owned by the fan-out scheduler.
const (
	// JobClassAccountTick is the per-account coordinator invocation.
	JobClassAccountTick = "jobs.AccountProcessingTick"

	// JobClassFanoutBatch is the self-scheduled continuation carrying
	// the next cursor.
	JobClassFanoutBatch = "jobs.AccountFanoutBatch"
)

// ScopeEnabledAccounts selects all enabled accounts. It is the only
// scope currently defined; the field exists so batch arguments stay
// self-describing.
const ScopeEnabledAccounts = "enabled_accounts"

// DelayedEnqueuer is the slice of the dedup layer the scheduler needs.
type DelayedEnqueuer interface {
	EnqueueDelayedWithDedup(ctx context.Context, class string, args any, delay time.Duration) (dedup.EnqueueResult, error)
}

// BatchArgs is the payload of a fan-out batch job, including the
// continuation it self-schedules.
type BatchArgs struct {
	Scope     string `json:"scope"`
	CursorID  int64  `json:"cursor_id"`
	BatchSize int    `json:"batch_size"`
}

// TickArgs is the payload of a per-account tick job.
type TickArgs struct {
	AccountID int64  `json:"account_id"`
	Trigger   string `json:"trigger"`
}

// BatchResult reports the outcome of one batch pass.
type BatchResult struct {
	Scope                 string `json:"scope"`
	CursorID              int64  `json:"cursor_id"`
	NextCursorID          int64  `json:"next_cursor_id"`
	HasMore               bool   `json:"has_more"`
	Enqueued              int    `json:"enqueued"`
	SkippedDuplicate      int    `json:"skipped_duplicate"`
	Failed                int    `json:"failed"`
	ContinuationScheduled bool   `json:"continuation_scheduled"`
}

// Scheduler pages through accounts and enqueues staggered ticks.
type Scheduler struct {
	accounts store.AccountStore
	enqueuer DelayedEnqueuer
	cfg      config.FanoutConfig
	logger   *slog.Logger
}

// NewScheduler creates a fan-out scheduler.
func NewScheduler(accounts store.AccountStore, enqueuer DelayedEnqueuer, cfg config.FanoutConfig, log *slog.Logger) *Scheduler {
	return &Scheduler{
		accounts: accounts,
		enqueuer: enqueuer,
		cfg:      cfg,
		logger:   log.With("component", "fanout_scheduler"),
	}
}

// EnqueueBatch loads the next page of accounts after cursorID and
// enqueues one delayed tick per account. Per-account enqueue failures
// are logged and counted, never aborting the batch. When more accounts
// remain, a continuation batch job is self-scheduled with the advanced
// cursor.
func (s *Scheduler) EnqueueBatch(ctx context.Context, scope string, cursorID int64, batchSize int) (BatchResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	if batchSize > s.cfg.MaxBatchSize {
		batchSize = s.cfg.MaxBatchSize
	}

	result := BatchResult{Scope: scope, CursorID: cursorID, NextCursorID: cursorID}

	page, err := s.accounts.ListEnabledPage(ctx, cursorID, batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to load account page: %w", err)
	}
	if len(page.Accounts) == 0 {
		log.Info("fan-out batch found no accounts past cursor",
			"scope", scope,
			"cursor_id", cursorID)
		return result, nil
	}

	for slotIndex, account := range page.Accounts {
		delay := s.slotDelay(slotIndex, account.ID)
		res, err := s.enqueuer.EnqueueDelayedWithDedup(ctx, JobClassAccountTick, TickArgs{
			AccountID: account.ID,
			Trigger:   "fanout",
		}, delay)
		switch {
		case err != nil:
			result.Failed++
			log.Warn("failed to enqueue account tick",
				"account_id", account.ID,
				"error", err)
		case !res.Enqueued:
			result.SkippedDuplicate++
		default:
			result.Enqueued++
		}
	}

	result.NextCursorID = page.NextCursorID
	result.HasMore = page.HasMore

	if page.HasMore {
		result.ContinuationScheduled = s.scheduleContinuation(ctx, log, BatchArgs{
			Scope:     scope,
			CursorID:  page.NextCursorID,
			BatchSize: batchSize,
		}, len(page.Accounts))
	}

	log.Info("fan-out batch complete",
		"scope", scope,
		"cursor_id", cursorID,
		"next_cursor_id", result.NextCursorID,
		"enqueued", result.Enqueued,
		"skipped_duplicate", result.SkippedDuplicate,
		"failed", result.Failed,
		"has_more", result.HasMore)
	return result, nil
}

// slotDelay computes the deterministic enqueue delay for the account at
// the given 0-based slot: slot stagger plus a per-account jitter offset
// derived from the account id, clamped to [0, maxDelay]. The same
// account always lands on the same jitter offset, so re-running a batch
// reproduces the same spread.
func (s *Scheduler) slotDelay(slotIndex int, accountID int64) time.Duration {
	jitterWindow := int64(s.cfg.JitterSeconds) + 1
	seconds := int64(slotIndex)*int64(s.cfg.StaggerSeconds) + accountID%jitterWindow

	delay := time.Duration(seconds) * time.Second
	if delay < 0 {
		return 0
	}
	if delay > s.cfg.MaxDelay {
		return s.cfg.MaxDelay
	}
	return delay
}

// scheduleContinuation self-schedules the next batch. An empty payload
// aborts silently; scheduling a continuation that could never page
// correctly is worse than stopping the walk.
func (s *Scheduler) scheduleContinuation(ctx context.Context, log *slog.Logger, args BatchArgs, pageLen int) bool {
	if args.Scope == "" || args.CursorID <= 0 || args.BatchSize <= 0 {
		log.Warn("aborting fan-out continuation with empty payload",
			"scope", args.Scope,
			"cursor_id", args.CursorID,
			"batch_size", args.BatchSize)
		return false
	}

	// Wait for the current page's spread to drain before starting the
	// next one, bounded by the configured cap.
	wait := time.Duration(pageLen*s.cfg.StaggerSeconds) * time.Second
	if wait > s.cfg.MaxContinuationWait {
		wait = s.cfg.MaxContinuationWait
	}

	res, err := s.enqueuer.EnqueueDelayedWithDedup(ctx, JobClassFanoutBatch, args, wait)
	if err != nil {
		log.Warn("failed to schedule fan-out continuation",
			"cursor_id", args.CursorID,
			"error", err)
		return false
	}
	if !res.Enqueued {
		log.Info("fan-out continuation already scheduled",
			"cursor_id", args.CursorID)
		return false
	}

	log.Info("fan-out continuation scheduled",
		"cursor_id", args.CursorID,
		"wait", wait)
	return true
}
