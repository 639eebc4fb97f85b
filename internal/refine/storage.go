package refine

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"promptloop/internal/agent"
	"promptloop/internal/database"
)

// Storage persists run transcripts as an Observer. The controller never
// needs the database to make a decision; Storage only records what
// happened. Persistence errors are logged, not fatal: a run must not abort
// because bookkeeping failed.
type Storage struct {
	lifecycle *database.LifecycleDB
	output    *database.OutputDB
}

// NewStorage creates a storage observer over the lifecycle and output
// databases.
func NewStorage(lifecycleDB, outputDB *sql.DB) *Storage {
	return &Storage{
		lifecycle: database.NewLifecycleDB(lifecycleDB),
		output:    database.NewOutputDB(outputDB),
	}
}

// RunStarted implements Observer.
func (s *Storage) RunStarted(runID, task string, maxRounds int) {
	if err := s.lifecycle.CreateRun(runID, task, maxRounds); err != nil {
		log.Printf("failed to record run %s: %v", runID, err)
	}
}

// RoundCompleted implements Observer.
func (s *Storage) RoundCompleted(runID string, rec RoundRecord) {
	err := s.lifecycle.AddRound(uuid.New().String(), runID, rec.Index,
		rec.Candidate, rec.Critique, string(rec.Verdict))
	if err != nil {
		log.Printf("failed to record round %d of run %s: %v", rec.Index, runID, err)
	}
}

// AgentRetried implements Observer. Timeouts are counted separately from
// other transient failures.
func (s *Storage) AgentRetried(runID, agentName string, attempt int, err error) {
	metric := "agent_transient_failures"
	if errors.Is(err, agent.ErrTimedOut) {
		metric = "agent_timeouts"
	}
	if mErr := s.output.RecordMetric(metric, 1); mErr != nil {
		log.Printf("failed to record %s for run %s: %v", metric, runID, mErr)
	}
}

// RunFinished implements Observer: finalizes the run row and publishes the
// result idempotently.
func (s *Storage) RunFinished(result *RunResult) {
	if err := s.lifecycle.FinalizeRun(result.RunID, string(result.Reason),
		result.FinalPrompt, result.Rounds); err != nil {
		log.Printf("failed to finalize run %s: %v", result.RunID, err)
	}

	hash := resultHash(result)
	dataJSON, err := json.Marshal(result)
	if err != nil {
		log.Printf("failed to marshal run %s: %v", result.RunID, err)
		return
	}

	if err := s.output.PublishResult(hash, result.RunID, result.Rounds,
		string(result.Reason), result.FinalPrompt, string(dataJSON)); err != nil {
		log.Printf("failed to publish result of run %s: %v", result.RunID, err)
		return
	}

	summary, _ := json.Marshal(map[string]any{
		"run_id":             result.RunID,
		"rounds":             result.Rounds,
		"termination_reason": result.Reason,
	})
	if err := s.lifecycle.MarkProcessed(hash, "refine", string(summary)); err != nil {
		log.Printf("failed to mark run %s processed: %v", result.RunID, err)
	}
}

// RunFailed implements Observer.
func (s *Storage) RunFailed(runID string, runErr error) {
	rounds, err := s.lifecycle.GetRounds(runID)
	if err != nil {
		log.Printf("failed to count rounds of failed run %s: %v", runID, err)
	}
	if err := s.lifecycle.MarkRunFailed(runID, runErr.Error(), len(rounds)); err != nil {
		log.Printf("failed to mark run %s failed: %v", runID, err)
	}
}

// LoadRun rebuilds a RunResult from the lifecycle database.
func (s *Storage) LoadRun(runID string) (*RunResult, error) {
	run, err := s.lifecycle.GetRun(runID)
	if err != nil {
		return nil, err
	}
	rounds, err := s.lifecycle.GetRounds(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rounds of run %s: %w", runID, err)
	}

	result := &RunResult{
		RunID:       run.RunID,
		Task:        run.Task,
		FinalPrompt: run.FinalPrompt,
		Rounds:      run.RoundsExecuted,
		Reason:      TerminationReason(run.TerminationReason),
	}
	for _, r := range rounds {
		result.History = append(result.History, RoundRecord{
			Index:     r.Index,
			Candidate: r.Candidate,
			Critique:  r.Critique,
			Verdict:   Verdict(r.Verdict),
		})
	}
	return result, nil
}

// ListRuns returns recent run rows, newest first.
func (s *Storage) ListRuns(limit int) ([]database.RunRow, error) {
	return s.lifecycle.ListRuns(limit)
}

// resultHash derives the idempotence key for a finished run.
func resultHash(result *RunResult) string {
	h := sha256.Sum256([]byte(result.RunID + "\x00" + result.FinalPrompt))
	return hex.EncodeToString(h[:])
}
