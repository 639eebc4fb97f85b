package database

import (
	"database/sql"
	"fmt"
	"time"
)

// LifecycleDB provides helper methods for lifecycle database operations.
type LifecycleDB struct {
	db *sql.DB
}

// NewLifecycleDB creates a new lifecycle database helper.
func NewLifecycleDB(db *sql.DB) *LifecycleDB {
	return &LifecycleDB{db: db}
}

// RunRow is one row of the runs table.
type RunRow struct {
	RunID             string
	Task              string
	Status            string
	MaxRounds         int
	RoundsExecuted    int
	TerminationReason string
	FinalPrompt       string
	Error             string
	CreatedAt         int64
	CompletedAt       int64
}

// RoundRow is one row of the rounds table.
type RoundRow struct {
	RoundID   string
	RunID     string
	Index     int
	Candidate string
	Critique  string
	Verdict   string
	CreatedAt int64
}

// CreateRun inserts a new run in the running state.
func (l *LifecycleDB) CreateRun(runID, task string, maxRounds int) error {
	_, err := l.db.Exec(`
		INSERT INTO runs (run_id, task, status, max_rounds, created_at)
		VALUES (?, ?, 'running', ?, ?)
	`, runID, task, maxRounds, time.Now().Unix())
	return err
}

// FinalizeRun marks a run as terminated with its outcome.
func (l *LifecycleDB) FinalizeRun(runID, terminationReason, finalPrompt string, roundsExecuted int) error {
	_, err := l.db.Exec(`
		UPDATE runs
		SET status = 'terminated', termination_reason = ?, final_prompt = ?,
		    rounds_executed = ?, completed_at = ?
		WHERE run_id = ?
	`, terminationReason, finalPrompt, roundsExecuted, time.Now().Unix(), runID)
	return err
}

// MarkRunFailed records a fatal failure. Rounds completed before the
// failure remain valid.
func (l *LifecycleDB) MarkRunFailed(runID, errMsg string, roundsExecuted int) error {
	_, err := l.db.Exec(`
		UPDATE runs
		SET status = 'failed', error = ?, rounds_executed = ?, completed_at = ?
		WHERE run_id = ?
	`, errMsg, roundsExecuted, time.Now().Unix(), runID)
	return err
}

// GetRun retrieves a run by ID.
func (l *LifecycleDB) GetRun(runID string) (*RunRow, error) {
	row := &RunRow{RunID: runID}
	var reason, finalPrompt, errMsg sql.NullString
	var completedAt sql.NullInt64

	err := l.db.QueryRow(`
		SELECT task, status, max_rounds, rounds_executed, termination_reason,
		       final_prompt, error, created_at, completed_at
		FROM runs
		WHERE run_id = ?
	`, runID).Scan(&row.Task, &row.Status, &row.MaxRounds, &row.RoundsExecuted,
		&reason, &finalPrompt, &errMsg, &row.CreatedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	row.TerminationReason = reason.String
	row.FinalPrompt = finalPrompt.String
	row.Error = errMsg.String
	row.CompletedAt = completedAt.Int64
	return row, nil
}

// ListRuns returns the most recent runs, newest first.
func (l *LifecycleDB) ListRuns(limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(`
		SELECT run_id, task, status, max_rounds, rounds_executed,
		       termination_reason, final_prompt, error, created_at, completed_at
		FROM runs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRow
	for rows.Next() {
		var r RunRow
		var reason, finalPrompt, errMsg sql.NullString
		var completedAt sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.Task, &r.Status, &r.MaxRounds, &r.RoundsExecuted,
			&reason, &finalPrompt, &errMsg, &r.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		r.TerminationReason = reason.String
		r.FinalPrompt = finalPrompt.String
		r.Error = errMsg.String
		r.CompletedAt = completedAt.Int64
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AddRound appends a completed round to a run's transcript.
func (l *LifecycleDB) AddRound(roundID, runID string, index int, candidate, critique, verdict string) error {
	_, err := l.db.Exec(`
		INSERT INTO rounds (round_id, run_id, round_index, candidate, critique, verdict, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, roundID, runID, index, candidate, critique, verdict, time.Now().Unix())
	return err
}

// GetRounds returns a run's rounds in index order.
func (l *LifecycleDB) GetRounds(runID string) ([]RoundRow, error) {
	rows, err := l.db.Query(`
		SELECT round_id, round_index, candidate, critique, verdict, created_at
		FROM rounds
		WHERE run_id = ?
		ORDER BY round_index ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoundRow
	for rows.Next() {
		r := RoundRow{RunID: runID}
		if err := rows.Scan(&r.RoundID, &r.Index, &r.Candidate, &r.Critique, &r.Verdict, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordAgentUsage records token and latency accounting for one backend
// call.
func (l *LifecycleDB) RecordAgentUsage(requestID, agentName, model string, tokensPrompt, tokensCompletion, latencyMs int) error {
	_, err := l.db.Exec(`
		INSERT INTO agent_usage
		(request_id, agent, model, tokens_prompt, tokens_completion, latency_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, requestID, agentName, model, tokensPrompt, tokensCompletion, latencyMs, time.Now().Unix())
	return err
}

// IsProcessed checks whether an operation was already processed.
func (l *LifecycleDB) IsProcessed(hash string) (bool, error) {
	var count int
	err := l.db.QueryRow(`
		SELECT COUNT(*) FROM processed_log WHERE hash = ?
	`, hash).Scan(&count)
	return count > 0, err
}

// MarkProcessed marks an operation as processed, for idempotence.
func (l *LifecycleDB) MarkProcessed(hash, operation, resultJSON string) error {
	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO processed_log (hash, operation, timestamp, result_json)
		VALUES (?, ?, ?, ?)
	`, hash, operation, time.Now().Unix(), resultJSON)
	return err
}

// CountRuns returns the number of runs with the given status.
func (l *LifecycleDB) CountRuns(status string) (int, error) {
	var count int
	err := l.db.QueryRow(`
		SELECT COUNT(*) FROM runs WHERE status = ?
	`, status).Scan(&count)
	return count, err
}
