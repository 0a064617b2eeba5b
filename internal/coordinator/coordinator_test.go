package coordinator

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

	"github.com/calvora/cadence/internal/backlog"
	"github.com/calvora/cadence/internal/config"
	"github.com/calvora/cadence/internal/dedup"
	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/aiprobe"
	"github.com/calvora/cadence/internal/store"
)

type fakeStateStore struct {
	states     map[int64]*domain.AccountProcessingState
	upserts    int
	heartbeats int
	upsertErr  error
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[int64]*domain.AccountProcessingState)}
}

func (f *fakeStateStore) Get(ctx context.Context, accountID int64) (*domain.AccountProcessingState, error) {
	state, ok := f.states[accountID]
	if !ok {
		return nil, store.ErrProcessingStateNotFound
	}
	copied := *state
	return &copied, nil
}

func (f *fakeStateStore) Upsert(ctx context.Context, state *domain.AccountProcessingState) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	copied := *state
	f.states[state.AccountID] = &copied
	return nil
}

func (f *fakeStateStore) Heartbeat(ctx context.Context, accountID int64) error {
	f.heartbeats++
	return nil
}

type fakeGate struct {
	status backlog.Status
	err    error
}

func (f *fakeGate) Check(ctx context.Context, accountID int64) (backlog.Status, error) {
	return f.status, f.err
}

type phaseEnqueue struct {
	class string
	args  PhaseArgs
}

type fakePhaseEnqueuer struct {
	calls      []phaseEnqueue
	duplicates map[string]bool
	errClasses map[string]error
}

func (f *fakePhaseEnqueuer) EnqueueWithDedup(ctx context.Context, class string, args any) (dedup.EnqueueResult, error) {
	phaseArgs, _ := args.(PhaseArgs)
	f.calls = append(f.calls, phaseEnqueue{class: class, args: phaseArgs})
	if err := f.errClasses[class]; err != nil {
		return dedup.EnqueueResult{}, err
	}
	if f.duplicates[class] {
		return dedup.EnqueueResult{SkipReason: dedup.SkipReasonDuplicate}, nil
	}
	return dedup.EnqueueResult{Enqueued: true, JobID: uuid.New()}, nil
}

type fixture struct {
	coord    *Coordinator
	states   *fakeStateStore
	gate     *fakeGate
	enqueuer *fakePhaseEnqueuer
	now      time.Time
}

type fixtureOpt func(*fixture)

func withProbe(healthy bool) fixtureOpt {
	return func(f *fixture) {
		f.coord.probe = aiprobe.StaticProbe{Healthy: healthy}
	}
}

func withWorkspace(fn func(ctx context.Context, accountID int64) error) fixtureOpt {
	return func(f *fixture) {
		f.coord.workspace = WorkspaceQueueFunc(fn)
	}
}

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()

	f := &fixture{
		states:   newFakeStateStore(),
		gate:     &fakeGate{},
		enqueuer: &fakePhaseEnqueuer{duplicates: map[string]bool{}, errClasses: map[string]error{}},
		now:      time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.PhaseConfig{
		StorySyncInterval:   15 * time.Minute,
		FeedCaptureInterval: 30 * time.Minute,
		ProfileScanInterval: 6 * time.Hour,
	}
	noopWorkspace := WorkspaceQueueFunc(func(ctx context.Context, accountID int64) error { return nil })
	f.coord = New(f.states, f.gate, aiprobe.StaticProbe{Healthy: true}, f.enqueuer, noopWorkspace, cfg, log)
	f.coord.now = func() time.Time { return f.now }
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func skipReasons(result RunResult) map[domain.Phase]SkippedJob {
	out := make(map[domain.Phase]SkippedJob, len(result.SkippedJobs))
	for _, s := range result.SkippedJobs {
		out[s.Phase] = s
	}
	return out
}

func TestRunEnqueuesHighestPriorityDuePhase(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)

	require.Len(t, result.EnqueuedJobs, 1)
	assert.Equal(t, domain.PhaseStorySync, result.EnqueuedJobs[0].Phase)
	assert.Equal(t, "jobs.StorySync", result.EnqueuedJobs[0].JobClass)

	skips := skipReasons(result)
	require.Len(t, skips, 3)
	for _, phase := range []domain.Phase{domain.PhaseFeedCapture, domain.PhaseWorkspaceActions, domain.PhaseProfileScan} {
		assert.Equal(t, SkipHigherPriorityPhase, skips[phase].Reason)
		assert.Equal(t, domain.PhaseStorySync, skips[phase].BlockingPhase)
	}

	// Due-timestamp advanced by the configured interval.
	state := f.states.states[42]
	require.NotNil(t, state)
	assert.Equal(t, f.now.Add(15*time.Minute), state.NextStorySyncAt)
	assert.Equal(t, f.now, state.LastHeartbeatAt)
	assert.Equal(t, domain.AccountStateIdle, state.State)
}

func TestRunFallsThroughToNextDuePhase(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.states.states[42] = &domain.AccountProcessingState{
		AccountID:       42,
		Enabled:         true,
		State:           domain.AccountStateIdle,
		NextStorySyncAt: f.now.Add(10 * time.Minute),
	}

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)

	require.Len(t, result.EnqueuedJobs, 1)
	assert.Equal(t, domain.PhaseFeedCapture, result.EnqueuedJobs[0].Phase)

	skips := skipReasons(result)
	assert.Equal(t, SkipNotDue, skips[domain.PhaseStorySync].Reason)
	assert.Equal(t, SkipHigherPriorityPhase, skips[domain.PhaseWorkspaceActions].Reason)
	assert.Equal(t, domain.PhaseFeedCapture, skips[domain.PhaseWorkspaceActions].BlockingPhase)
}

func TestRunBlockedBacklogSkipsAllAndStillHeartbeats(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gate.status = backlog.Status{Blocked: true, BlockingReasons: []string{backlog.ReasonPendingPipelines}}

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)

	assert.Empty(t, result.EnqueuedJobs)
	require.Len(t, result.SkippedJobs, len(domain.PhasesByPriority))
	for _, skip := range result.SkippedJobs {
		assert.Equal(t, SkipPendingBacklog, skip.Reason)
	}
	assert.Empty(t, f.enqueuer.calls)

	// First-seen account: the blocked tick still creates the state row.
	assert.Equal(t, 1, f.states.upserts)
	assert.Equal(t, f.now, f.states.states[42].LastHeartbeatAt)
}

func TestRunEarlyExitHeartbeatsWithoutFullUpsert(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.states.states[42] = &domain.AccountProcessingState{
		AccountID: 42,
		Enabled:   true,
		State:     domain.AccountStateIdle,
	}
	f.gate.status = backlog.Status{Blocked: true, BlockingReasons: []string{backlog.ReasonPendingPipelines}}

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)
	assert.Empty(t, result.EnqueuedJobs)

	// No due-timestamp moved, so only the heartbeat column is touched.
	assert.Equal(t, 1, f.states.heartbeats)
	assert.Zero(t, f.states.upserts)
}

func TestRunGateErrorTreatedAsBlocked(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gate.err = errors.New("db down")

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)
	assert.Empty(t, result.EnqueuedJobs)
	for _, skip := range result.SkippedJobs {
		assert.Equal(t, SkipPendingBacklog, skip.Reason)
	}
}

func TestRunUnhealthyAISkipsDependentPhasesOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withProbe(false))

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)

	skips := skipReasons(result)
	assert.Equal(t, SkipLocalAIUnhealthy, skips[domain.PhaseStorySync].Reason)
	assert.Equal(t, SkipLocalAIUnhealthy, skips[domain.PhaseFeedCapture].Reason)

	// Workspace actions do not depend on AI and win the tick.
	require.Len(t, result.EnqueuedJobs, 1)
	assert.Equal(t, domain.PhaseWorkspaceActions, result.EnqueuedJobs[0].Phase)
	assert.Equal(t, SkipHigherPriorityPhase, skips[domain.PhaseProfileScan].Reason)
	assert.False(t, result.LocalAIHealth.OK)
}

func TestRunWorkspaceRefreshFailureFallsThrough(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		withProbe(false),
		withWorkspace(func(ctx context.Context, accountID int64) error {
			return errors.New("workspace backend unreachable")
		}))

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)

	skips := skipReasons(result)
	workspaceSkip := skips[domain.PhaseWorkspaceActions]
	assert.Equal(t, SkipWorkspaceRefreshError, workspaceSkip.Reason)
	assert.NotEmpty(t, workspaceSkip.ErrorClass)

	// The profile-scan fallback still runs.
	require.Len(t, result.EnqueuedJobs, 1)
	assert.Equal(t, domain.PhaseProfileScan, result.EnqueuedJobs[0].Phase)
}

func TestRunDisabledAccountSkipsEverything(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.states.states[42] = &domain.AccountProcessingState{
		AccountID: 42,
		Enabled:   false,
		State:     domain.AccountStateIdle,
	}

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)
	assert.Empty(t, result.EnqueuedJobs)
	for _, skip := range result.SkippedJobs {
		assert.Equal(t, SkipAccountDisabled, skip.Reason)
	}
	assert.Empty(t, f.enqueuer.calls)
	assert.Equal(t, 1, f.states.heartbeats)
	assert.Zero(t, f.states.upserts)
}

func TestRunRetryCooldownSkipsEverything(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	retryAfter := f.now.Add(time.Hour)
	f.states.states[42] = &domain.AccountProcessingState{
		AccountID:    42,
		Enabled:      true,
		State:        domain.AccountStateIdle,
		RetryAfterAt: &retryAfter,
	}

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)
	assert.Empty(t, result.EnqueuedJobs)
	for _, skip := range result.SkippedJobs {
		assert.Equal(t, SkipRetryCooldown, skip.Reason)
	}
}

func TestRunExpiredCooldownProceeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	retryAfter := f.now.Add(-time.Minute)
	f.states.states[42] = &domain.AccountProcessingState{
		AccountID:    42,
		Enabled:      true,
		State:        domain.AccountStateIdle,
		RetryAfterAt: &retryAfter,
	}

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)
	require.Len(t, result.EnqueuedJobs, 1)
}

func TestRunDuplicateEnqueueAdvancesDueTimestamp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueuer.duplicates["jobs.StorySync"] = true
	f.enqueuer.duplicates["jobs.FeedCapture"] = true
	f.enqueuer.duplicates["jobs.WorkspaceActions"] = true
	f.enqueuer.duplicates["jobs.ProfileScan"] = true

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)

	assert.Empty(t, result.EnqueuedJobs)
	skips := skipReasons(result)
	assert.Equal(t, SkipDuplicate, skips[domain.PhaseStorySync].Reason)

	// The collapse still pushes the due-timestamp forward so the next
	// tick does not retry immediately.
	state := f.states.states[42]
	assert.Equal(t, f.now.Add(15*time.Minute), state.NextStorySyncAt)
	assert.Equal(t, f.now.Add(30*time.Minute), state.NextFeedSyncAt)
}

func TestRunEnqueueFailureFallsThroughWithErrorClass(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueuer.errClasses["jobs.StorySync"] = errors.New("broker unavailable")

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.NoError(t, err)

	skips := skipReasons(result)
	storySkip := skips[domain.PhaseStorySync]
	assert.Equal(t, SkipEnqueueFailed, storySkip.Reason)
	assert.NotEmpty(t, storySkip.ErrorClass)

	require.Len(t, result.EnqueuedJobs, 1)
	assert.Equal(t, domain.PhaseFeedCapture, result.EnqueuedJobs[0].Phase)
}

func TestRunFirstTimeAccountGetsFreshState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	result, err := f.coord.Run(context.Background(), 99, TriggerFanout)
	require.NoError(t, err)
	assert.Equal(t, TriggerFanout, result.TriggerSource)
	require.Len(t, result.EnqueuedJobs, 1)

	state, ok := f.states.states[99]
	require.True(t, ok)
	assert.True(t, state.Enabled)
	assert.Equal(t, int64(99), state.AccountID)
}

func TestRunPhaseArgsCarryAccountAndPhase(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.coord.Run(context.Background(), 42, TriggerManual)
	require.NoError(t, err)

	require.Len(t, f.enqueuer.calls, 1)
	call := f.enqueuer.calls[0]
	assert.Equal(t, "jobs.StorySync", call.class)
	assert.Equal(t, PhaseArgs{AccountID: 42, Phase: "story_sync"}, call.args)
}

func TestRunUpsertFailureReturnsErrorWithResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.states.upsertErr = errors.New("db down")

	result, err := f.coord.Run(context.Background(), 42, TriggerScheduler)
	require.Error(t, err)
	// The decision is still reported so callers can log it.
	assert.Len(t, result.EnqueuedJobs, 1)
}
