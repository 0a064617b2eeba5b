package dedup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvora/cadence/internal/config"
)

type enqueueCall struct {
	class string
	args  any
	delay time.Duration
}

// fakeEnqueuer records enqueues and can be forced to fail.
type fakeEnqueuer struct {
	calls []enqueueCall
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, class string, args any) (uuid.UUID, error) {
	return f.EnqueueDelayed(ctx, class, args, 0)
}

func (f *fakeEnqueuer) EnqueueDelayed(ctx context.Context, class string, args any, delay time.Duration) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.calls = append(f.calls, enqueueCall{class: class, args: args, delay: delay})
	return uuid.New(), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDedupConfig() config.DedupConfig {
	return config.DedupConfig{
		Dir:           "unused",
		MarkerTTL:     time.Hour,
		JobKeyTTL:     24 * time.Hour,
		CompletionTTL: 24 * time.Hour,
	}
}

func newTestDeduper(t *testing.T) (*Deduper, *MemoryKV, *fakeEnqueuer) {
	t.Helper()
	kv := NewMemoryKV()
	enqueuer := &fakeEnqueuer{}
	return NewDeduper(kv, enqueuer, testDedupConfig(), discardLogger()), kv, enqueuer
}

func TestEnqueueWithDedupCollapsesDuplicates(t *testing.T) {
	t.Parallel()

	deduper, _, enqueuer := newTestDeduper(t)
	ctx := context.Background()
	args := map[string]any{"account_id": int64(42), "phase": "story_sync"}

	first, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", args)
	require.NoError(t, err)
	assert.True(t, first.Enqueued)
	assert.NotEqual(t, uuid.Nil, first.JobID)

	second, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", args)
	require.NoError(t, err)
	assert.False(t, second.Enqueued)
	assert.Equal(t, SkipReasonDuplicate, second.SkipReason)
	assert.Equal(t, first.Key, second.Key)

	assert.Len(t, enqueuer.calls, 1)
}

func TestEnqueueWithDedupDistinctArgsBothEnqueue(t *testing.T) {
	t.Parallel()

	deduper, _, enqueuer := newTestDeduper(t)
	ctx := context.Background()

	first, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", map[string]any{"account_id": 1})
	require.NoError(t, err)
	second, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", map[string]any{"account_id": 2})
	require.NoError(t, err)

	assert.True(t, first.Enqueued)
	assert.True(t, second.Enqueued)
	assert.NotEqual(t, first.Key, second.Key)
	assert.Len(t, enqueuer.calls, 2)
}

func TestEnqueueWithDedupFailsOpenOnBrokerError(t *testing.T) {
	t.Parallel()

	deduper, _, enqueuer := newTestDeduper(t)
	ctx := context.Background()
	args := map[string]any{"account_id": int64(7)}

	enqueuer.err = errors.New("broker unavailable")
	_, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", args)
	require.Error(t, err)

	// The marker was cleared, so the retry is not treated as a
	// duplicate.
	enqueuer.err = nil
	res, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", args)
	require.NoError(t, err)
	assert.True(t, res.Enqueued)
}

func TestEnqueueDelayedWithDedupPassesDelay(t *testing.T) {
	t.Parallel()

	deduper, _, enqueuer := newTestDeduper(t)

	res, err := deduper.EnqueueDelayedWithDedup(context.Background(), "jobs.AccountProcessingTick",
		map[string]any{"account_id": int64(9)}, 42*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Enqueued)

	require.Len(t, enqueuer.calls, 1)
	assert.Equal(t, 42*time.Second, enqueuer.calls[0].delay)
}

func TestClearForJobReopensWindow(t *testing.T) {
	t.Parallel()

	deduper, _, enqueuer := newTestDeduper(t)
	ctx := context.Background()
	args := map[string]any{"account_id": int64(11)}

	first, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", args)
	require.NoError(t, err)

	deduper.ClearForJob(ctx, first.JobID)

	second, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", args)
	require.NoError(t, err)
	assert.True(t, second.Enqueued)
	assert.Len(t, enqueuer.calls, 2)
}

func TestClearForJobUnknownJobIsHarmless(t *testing.T) {
	t.Parallel()

	deduper, _, _ := newTestDeduper(t)
	deduper.ClearForJob(context.Background(), uuid.New())
}

// flakyKV wraps MemoryKV and fails Get while counting deletes, to
// observe how marker cleanup behaves when the store misbehaves.
type flakyKV struct {
	*MemoryKV
	getErr  error
	deletes int
}

func (f *flakyKV) Get(ctx context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemoryKV.Get(ctx, key)
}

func (f *flakyKV) Delete(ctx context.Context, key string) error {
	f.deletes++
	return f.MemoryKV.Delete(ctx, key)
}

func TestClearForJobStoreFailureLeavesMarkerForTTL(t *testing.T) {
	t.Parallel()

	kv := &flakyKV{MemoryKV: NewMemoryKV()}
	enqueuer := &fakeEnqueuer{}
	deduper := NewDeduper(kv, enqueuer, testDedupConfig(), discardLogger())
	ctx := context.Background()
	args := map[string]any{"account_id": int64(11)}

	first, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", args)
	require.NoError(t, err)

	// A real store failure is not the expired-mapping case: nothing is
	// deleted and the marker keeps collapsing duplicates until its TTL.
	kv.getErr = errors.New("kv io failure")
	deduper.ClearForJob(ctx, first.JobID)
	assert.Zero(t, kv.deletes)

	kv.getErr = nil
	second, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", args)
	require.NoError(t, err)
	assert.False(t, second.Enqueued)
	assert.Equal(t, SkipReasonDuplicate, second.SkipReason)
}

func TestMarkerExpiryReopensWindow(t *testing.T) {
	t.Parallel()

	kv := NewMemoryKV()
	current := time.Now()
	kv.now = func() time.Time { return current }

	enqueuer := &fakeEnqueuer{}
	deduper := NewDeduper(kv, enqueuer, testDedupConfig(), discardLogger())
	ctx := context.Background()
	args := map[string]any{"account_id": int64(3)}

	_, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", args)
	require.NoError(t, err)

	res, err := deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", args)
	require.NoError(t, err)
	assert.False(t, res.Enqueued)

	current = current.Add(2 * time.Hour)

	res, err = deduper.EnqueueWithDedup(ctx, "jobs.AccountPhase", args)
	require.NoError(t, err)
	assert.True(t, res.Enqueued)
}

func TestExecuteOnce(t *testing.T) {
	t.Parallel()

	deduper, _, _ := newTestDeduper(t)
	ctx := context.Background()

	runs := 0
	work := func(ctx context.Context) error {
		runs++
		return nil
	}

	ran, err := deduper.ExecuteOnce(ctx, "step:run-1:vision_tags", work)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = deduper.ExecuteOnce(ctx, "step:run-1:vision_tags", work)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, runs)
}

func TestExecuteOnceFailureLeavesNoMarker(t *testing.T) {
	t.Parallel()

	deduper, _, _ := newTestDeduper(t)
	ctx := context.Background()

	boom := errors.New("transcription failed")
	ran, err := deduper.ExecuteOnce(ctx, "step:run-2:transcription", func(ctx context.Context) error {
		return boom
	})
	assert.True(t, ran)
	require.ErrorIs(t, err, boom)

	// Failed work never completes; the next attempt runs again.
	ran, err = deduper.ExecuteOnce(ctx, "step:run-2:transcription", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
