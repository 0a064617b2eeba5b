package fanout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvora/cadence/internal/config"
	"github.com/calvora/cadence/internal/dedup"
	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/store"
)

// fakeAccountStore pages over a fixed set of enabled accounts.
type fakeAccountStore struct {
	accounts []*domain.Account
	err      error
}

func (f *fakeAccountStore) GetByID(ctx context.Context, id int64) (*domain.Account, error) {
	for _, a := range f.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (f *fakeAccountStore) ListEnabledPage(ctx context.Context, afterID int64, limit int) (*store.AccountPage, error) {
	if f.err != nil {
		return nil, f.err
	}
	page := &store.AccountPage{}
	for _, a := range f.accounts {
		if a.ID <= afterID {
			continue
		}
		if len(page.Accounts) == limit {
			page.HasMore = true
			break
		}
		page.Accounts = append(page.Accounts, a)
	}
	if n := len(page.Accounts); n > 0 {
		page.NextCursorID = page.Accounts[n-1].ID
	} else {
		page.NextCursorID = afterID
	}
	return page, nil
}

type recordedEnqueue struct {
	class string
	args  any
	delay time.Duration
}

// fakeDelayedEnqueuer records enqueues; duplicates and failures are
// scripted per call index.
type fakeDelayedEnqueuer struct {
	calls     []recordedEnqueue
	duplicate map[int]bool
	failAt    map[int]bool
}

func (f *fakeDelayedEnqueuer) EnqueueDelayedWithDedup(ctx context.Context, class string, args any, delay time.Duration) (dedup.EnqueueResult, error) {
	idx := len(f.calls)
	f.calls = append(f.calls, recordedEnqueue{class: class, args: args, delay: delay})
	if f.failAt[idx] {
		return dedup.EnqueueResult{}, errors.New("enqueue failed")
	}
	if f.duplicate[idx] {
		return dedup.EnqueueResult{SkipReason: dedup.SkipReasonDuplicate}, nil
	}
	return dedup.EnqueueResult{Enqueued: true, JobID: uuid.New()}, nil
}

func enabledAccounts(n int) []*domain.Account {
	accounts := make([]*domain.Account, 0, n)
	for i := 1; i <= n; i++ {
		accounts = append(accounts, &domain.Account{
			ID:      int64(i),
			Handle:  fmt.Sprintf("account-%d", i),
			Enabled: true,
		})
	}
	return accounts
}

func testFanoutConfig() config.FanoutConfig {
	return config.FanoutConfig{
		BatchSize:           200,
		MaxBatchSize:        500,
		StaggerSeconds:      3,
		JitterSeconds:       10,
		MaxDelay:            30 * time.Minute,
		MaxContinuationWait: 5 * time.Minute,
	}
}

func newTestScheduler(accounts []*domain.Account) (*Scheduler, *fakeDelayedEnqueuer) {
	enqueuer := &fakeDelayedEnqueuer{duplicate: map[int]bool{}, failAt: map[int]bool{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(&fakeAccountStore{accounts: accounts}, enqueuer, testFanoutConfig(), log), enqueuer
}

// tickCalls filters the recorded enqueues down to account ticks.
func tickCalls(calls []recordedEnqueue) []recordedEnqueue {
	var out []recordedEnqueue
	for _, c := range calls {
		if c.class == JobClassAccountTick {
			out = append(out, c)
		}
	}
	return out
}

func TestEnqueueBatchWalksCursorAcrossPages(t *testing.T) {
	t.Parallel()

	scheduler, enqueuer := newTestScheduler(enabledAccounts(450))
	ctx := context.Background()

	// Page 1: accounts 1..200.
	res, err := scheduler.EnqueueBatch(ctx, ScopeEnabledAccounts, 0, 200)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Enqueued)
	assert.Equal(t, int64(200), res.NextCursorID)
	assert.True(t, res.HasMore)
	assert.True(t, res.ContinuationScheduled)

	continuation := enqueuer.calls[len(enqueuer.calls)-1]
	require.Equal(t, JobClassFanoutBatch, continuation.class)
	assert.Equal(t, BatchArgs{Scope: ScopeEnabledAccounts, CursorID: 200, BatchSize: 200}, continuation.args)

	// Page 2: accounts 201..400.
	res, err = scheduler.EnqueueBatch(ctx, ScopeEnabledAccounts, 200, 200)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Enqueued)
	assert.Equal(t, int64(400), res.NextCursorID)
	assert.True(t, res.HasMore)

	// Page 3: the 50-account remainder, no continuation.
	res, err = scheduler.EnqueueBatch(ctx, ScopeEnabledAccounts, 400, 200)
	require.NoError(t, err)
	assert.Equal(t, 50, res.Enqueued)
	assert.Equal(t, int64(450), res.NextCursorID)
	assert.False(t, res.HasMore)
	assert.False(t, res.ContinuationScheduled)

	assert.Len(t, tickCalls(enqueuer.calls), 450)
}

func TestEnqueueBatchEmptyPage(t *testing.T) {
	t.Parallel()

	scheduler, enqueuer := newTestScheduler(enabledAccounts(10))

	res, err := scheduler.EnqueueBatch(context.Background(), ScopeEnabledAccounts, 500, 200)
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	assert.Equal(t, int64(500), res.NextCursorID)
	assert.False(t, res.HasMore)
	assert.Empty(t, enqueuer.calls)
}

func TestEnqueueBatchClampsBatchSize(t *testing.T) {
	t.Parallel()

	scheduler, enqueuer := newTestScheduler(enabledAccounts(600))
	ctx := context.Background()

	// Non-positive falls back to the configured default.
	res, err := scheduler.EnqueueBatch(ctx, ScopeEnabledAccounts, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Enqueued)

	// Oversized clamps to the configured maximum.
	enqueuer.calls = nil
	res, err = scheduler.EnqueueBatch(ctx, ScopeEnabledAccounts, 0, 9000)
	require.NoError(t, err)
	assert.Equal(t, 500, res.Enqueued)
}

func TestEnqueueBatchDeterministicDelays(t *testing.T) {
	t.Parallel()

	scheduler, enqueuer := newTestScheduler(enabledAccounts(5))

	_, err := scheduler.EnqueueBatch(context.Background(), ScopeEnabledAccounts, 0, 200)
	require.NoError(t, err)

	ticks := tickCalls(enqueuer.calls)
	require.Len(t, ticks, 5)
	// slot*3s + accountID mod 11 seconds.
	for slot, call := range ticks {
		args, ok := call.args.(TickArgs)
		require.True(t, ok)
		want := time.Duration(int64(slot)*3+args.AccountID%11) * time.Second
		assert.Equal(t, want, call.delay, "slot %d account %d", slot, args.AccountID)
		assert.Equal(t, "fanout", args.Trigger)
	}

	// Re-running the identical batch reproduces the identical spread.
	replayScheduler, replayEnqueuer := newTestScheduler(enabledAccounts(5))
	_, err = replayScheduler.EnqueueBatch(context.Background(), ScopeEnabledAccounts, 0, 200)
	require.NoError(t, err)
	assert.Equal(t, delaysOf(ticks), delaysOf(tickCalls(replayEnqueuer.calls)))
}

func delaysOf(calls []recordedEnqueue) []time.Duration {
	out := make([]time.Duration, len(calls))
	for i, c := range calls {
		out[i] = c.delay
	}
	return out
}

func TestSlotDelayClampedToMaxDelay(t *testing.T) {
	t.Parallel()

	scheduler, _ := newTestScheduler(nil)

	// Slot 100000 would be ~83h unclamped.
	assert.Equal(t, 30*time.Minute, scheduler.slotDelay(100000, 1))
	assert.Equal(t, time.Duration(0), scheduler.slotDelay(0, 0))
}

func TestEnqueueBatchCountsDuplicatesAndFailures(t *testing.T) {
	t.Parallel()

	scheduler, enqueuer := newTestScheduler(enabledAccounts(4))
	enqueuer.duplicate[1] = true
	enqueuer.failAt[2] = true

	res, err := scheduler.EnqueueBatch(context.Background(), ScopeEnabledAccounts, 0, 200)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	assert.Equal(t, 1, res.SkippedDuplicate)
	assert.Equal(t, 1, res.Failed)
}

func TestContinuationWaitBoundedByCap(t *testing.T) {
	t.Parallel()

	// 200 accounts at 3s stagger is 600s, above the 5m cap.
	scheduler, enqueuer := newTestScheduler(enabledAccounts(250))

	res, err := scheduler.EnqueueBatch(context.Background(), ScopeEnabledAccounts, 0, 200)
	require.NoError(t, err)
	require.True(t, res.ContinuationScheduled)

	continuation := enqueuer.calls[len(enqueuer.calls)-1]
	require.Equal(t, JobClassFanoutBatch, continuation.class)
	assert.Equal(t, 5*time.Minute, continuation.delay)
}

func TestScheduleContinuationRejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	scheduler, enqueuer := newTestScheduler(nil)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name string
		args BatchArgs
	}{
		{"missing scope", BatchArgs{CursorID: 10, BatchSize: 200}},
		{"zero cursor", BatchArgs{Scope: ScopeEnabledAccounts, BatchSize: 200}},
		{"zero batch size", BatchArgs{Scope: ScopeEnabledAccounts, CursorID: 10}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			scheduled := scheduler.scheduleContinuation(context.Background(), log, tt.args, 10)
			assert.False(t, scheduled)
			assert.Empty(t, enqueuer.calls)
		})
	}
}

func TestEnqueueBatchStoreErrorIsFatal(t *testing.T) {
	t.Parallel()

	enqueuer := &fakeDelayedEnqueuer{duplicate: map[int]bool{}, failAt: map[int]bool{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := NewScheduler(&fakeAccountStore{err: errors.New("db down")}, enqueuer, testFanoutConfig(), log)

	_, err := scheduler.EnqueueBatch(context.Background(), ScopeEnabledAccounts, 0, 200)
	require.Error(t, err)
	assert.Empty(t, enqueuer.calls)
}
