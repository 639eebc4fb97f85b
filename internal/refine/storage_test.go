package refine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptloop/internal/agent"
	"promptloop/internal/database"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	dir := t.TempDir()

	lifecycleDB, err := database.OpenLifecycle(filepath.Join(dir, "test.lifecycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lifecycleDB.Close() })

	outputDB, err := database.OpenOutput(filepath.Join(dir, "test.output.db"))
	require.NoError(t, err)
	t.Cleanup(func() { outputDB.Close() })

	return NewStorage(lifecycleDB, outputDB)
}

func TestStorageRoundTrip(t *testing.T) {
	storage := newTestStorage(t)

	storage.RunStarted("run-1", "write a prompt", 4)
	storage.RoundCompleted("run-1", RoundRecord{
		Index: 1, Candidate: "candidate one", Critique: "needs work", Verdict: VerdictNeedsRevision,
	})
	storage.RoundCompleted("run-1", RoundRecord{
		Index: 2, Candidate: "candidate two", Critique: "APPROVED", Verdict: VerdictAccepted,
	})
	storage.RunFinished(&RunResult{
		RunID:       "run-1",
		Task:        "write a prompt",
		FinalPrompt: "candidate two",
		Rounds:      2,
		Reason:      ReasonConverged,
		History: []RoundRecord{
			{Index: 1, Candidate: "candidate one", Critique: "needs work", Verdict: VerdictNeedsRevision},
			{Index: 2, Candidate: "candidate two", Critique: "APPROVED", Verdict: VerdictAccepted},
		},
	})

	loaded, err := storage.LoadRun("run-1")
	require.NoError(t, err)

	assert.Equal(t, "write a prompt", loaded.Task)
	assert.Equal(t, "candidate two", loaded.FinalPrompt)
	assert.Equal(t, 2, loaded.Rounds)
	assert.Equal(t, ReasonConverged, loaded.Reason)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, VerdictAccepted, loaded.History[1].Verdict)
}

func TestStorageFailedRunKeepsCompletedRounds(t *testing.T) {
	storage := newTestStorage(t)

	storage.RunStarted("run-2", "task", 4)
	storage.RoundCompleted("run-2", RoundRecord{
		Index: 1, Candidate: "candidate", Critique: "needs work", Verdict: VerdictNeedsRevision,
	})
	storage.RunFailed("run-2", errors.New("backend unreachable"))

	runs, err := storage.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].Status)
	assert.Equal(t, 1, runs[0].RoundsExecuted)
	assert.Contains(t, runs[0].Error, "backend unreachable")
}

func TestStorageAgentRetriedCountsTimeoutsSeparately(t *testing.T) {
	storage := newTestStorage(t)

	storage.AgentRetried("run-3", "generator", 1, agent.ErrTransient)
	storage.AgentRetried("run-3", "critic", 1, agent.ErrTimedOut)
	storage.AgentRetried("run-3", "critic", 2, agent.ErrTimedOut)

	aggregates, err := storage.output.GetAggregatedMetrics(0)
	require.NoError(t, err)

	assert.Equal(t, 1, aggregates["agent_transient_failures"].Count)
	assert.Equal(t, 2, aggregates["agent_timeouts"].Count)
}

func TestStorageListRunsNewestFirst(t *testing.T) {
	storage := newTestStorage(t)

	storage.RunStarted("run-a", "first", 4)
	storage.RunStarted("run-b", "second", 4)

	runs, err := storage.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// Same-second inserts keep no strict order; both must be present.
	ids := []string{runs[0].RunID, runs[1].RunID}
	assert.ElementsMatch(t, []string{"run-a", "run-b"}, ids)
}

func TestControllerWithStorageObserver(t *testing.T) {
	storage := newTestStorage(t)

	generator := &scriptedAgent{steps: []scriptStep{{text: "candidate"}}}
	critic := &scriptedAgent{steps: []scriptStep{{text: "APPROVED"}}}

	controller, err := NewController(testConfig(4), generator, critic, WithObserver(storage))
	require.NoError(t, err)

	result, err := controller.Run(context.Background(), "task")
	require.NoError(t, err)

	loaded, err := storage.LoadRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, result.FinalPrompt, loaded.FinalPrompt)
	assert.Equal(t, result.Rounds, loaded.Rounds)
}
