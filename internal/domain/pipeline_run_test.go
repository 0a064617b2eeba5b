package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipelineRun(t *testing.T) {
	t.Parallel()

	itemID := uuid.New()
	run, err := NewPipelineRun(itemID, 42, []StepName{StepVisionTags, StepOCR})
	require.NoError(t, err)
	assert.Equal(t, itemID, run.ContentItemID)
	assert.Equal(t, RunStatusRunning, run.Status)
	require.Len(t, run.Steps, 2)
	for _, state := range run.Steps {
		assert.Equal(t, StepStatusPending, state.Status)
	}
}

func TestNewPipelineRunValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPipelineRun(uuid.Nil, 42, []StepName{StepVisionTags})
	assert.ErrorIs(t, err, ErrEmptyContentItemID)

	_, err = NewPipelineRun(uuid.New(), 42, nil)
	assert.ErrorIs(t, err, ErrNoRequiredSteps)
}

func TestRunStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}

func TestAllStepsTerminal(t *testing.T) {
	t.Parallel()

	run, err := NewPipelineRun(uuid.New(), 42, []StepName{StepVisionTags, StepOCR})
	require.NoError(t, err)
	assert.False(t, run.AllStepsTerminal())

	run.Steps[StepVisionTags].Status = StepStatusCompleted
	assert.False(t, run.AllStepsTerminal())

	run.Steps[StepOCR].Status = StepStatusFailed
	assert.True(t, run.AllStepsTerminal())
}

func TestRollup(t *testing.T) {
	t.Parallel()

	run, err := NewPipelineRun(uuid.New(), 42, []StepName{StepVisionTags, StepOCR, StepFaceMatch})
	require.NoError(t, err)

	started := run.StartedAt
	visionStart := started.Add(time.Second)
	visionEnd := visionStart.Add(3 * time.Second)
	run.Steps[StepVisionTags].Status = StepStatusCompleted
	run.Steps[StepVisionTags].StartedAt = &visionStart
	run.Steps[StepVisionTags].FinishedAt = &visionEnd
	run.Steps[StepOCR].Status = StepStatusFailed

	finished := started.Add(10 * time.Second)
	run.FinishedAt = &finished

	rollup := run.Rollup()
	assert.Equal(t, 1, rollup.Completed)
	assert.Equal(t, 1, rollup.Failed)
	assert.Equal(t, 1, rollup.Pending)
	assert.Equal(t, 3*time.Second, rollup.StepElapsed[StepVisionTags])
	assert.NotContains(t, rollup.StepElapsed, StepOCR)
	assert.Equal(t, 10*time.Second, rollup.TotalElapsed)
}

func TestStepElapsedZeroUntilFinished(t *testing.T) {
	t.Parallel()

	state := &StepState{Status: StepStatusRunning}
	assert.Zero(t, state.Elapsed())

	now := time.Now()
	state.StartedAt = &now
	assert.Zero(t, state.Elapsed())
}
