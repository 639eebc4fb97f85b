package database

import (
	"database/sql"
	"time"
)

// OutputDB provides helper methods for output database operations.
type OutputDB struct {
	db *sql.DB
}

// NewOutputDB creates a new output database helper.
func NewOutputDB(db *sql.DB) *OutputDB {
	return &OutputDB{db: db}
}

// ResultRow is one row of the results table.
type ResultRow struct {
	Hash              string
	RunID             string
	RoundsExecuted    int
	TerminationReason string
	FinalPrompt       string
	DataJSON          string
	CreatedAt         int64
}

// PublishResult publishes a finished run's outcome.
func (o *OutputDB) PublishResult(hash, runID string, roundsExecuted int, terminationReason, finalPrompt, dataJSON string) error {
	_, err := o.db.Exec(`
		INSERT OR REPLACE INTO results
		(hash, run_id, rounds_executed, termination_reason, final_prompt, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, hash, runID, roundsExecuted, terminationReason, finalPrompt, dataJSON, time.Now().Unix())
	return err
}

// GetResult retrieves a published result by hash.
func (o *OutputDB) GetResult(hash string) (*ResultRow, error) {
	row := &ResultRow{Hash: hash}
	var dataJSON sql.NullString

	err := o.db.QueryRow(`
		SELECT run_id, rounds_executed, termination_reason, final_prompt, data_json, created_at
		FROM results
		WHERE hash = ?
	`, hash).Scan(&row.RunID, &row.RoundsExecuted, &row.TerminationReason,
		&row.FinalPrompt, &dataJSON, &row.CreatedAt)
	if err != nil {
		return nil, err
	}

	row.DataJSON = dataJSON.String
	return row, nil
}

// RecordMetric records an observability metric.
func (o *OutputDB) RecordMetric(metricName string, metricValue float64) error {
	_, err := o.db.Exec(`
		INSERT INTO metrics (timestamp, metric_name, metric_value)
		VALUES (?, ?, ?)
	`, time.Now().Unix(), metricName, metricValue)
	return err
}

// MetricAggregate summarizes one metric over a window.
type MetricAggregate struct {
	Count int
	Sum   float64
	Avg   float64
	Max   float64
	Min   float64
}

// GetAggregatedMetrics returns per-metric aggregates since the given unix
// timestamp.
func (o *OutputDB) GetAggregatedMetrics(since int64) (map[string]MetricAggregate, error) {
	rows, err := o.db.Query(`
		SELECT metric_name, COUNT(*), SUM(metric_value), AVG(metric_value),
		       MAX(metric_value), MIN(metric_value)
		FROM metrics
		WHERE timestamp >= ?
		GROUP BY metric_name
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make(map[string]MetricAggregate)
	for rows.Next() {
		var name string
		var agg MetricAggregate
		if err := rows.Scan(&name, &agg.Count, &agg.Sum, &agg.Avg, &agg.Max, &agg.Min); err != nil {
			return nil, err
		}
		results[name] = agg
	}
	return results, rows.Err()
}

// RecordHeartbeat upserts the worker heartbeat row.
func (o *OutputDB) RecordHeartbeat(workerID, status string, runsActive, runsCompleted int) error {
	_, err := o.db.Exec(`
		INSERT OR REPLACE INTO heartbeat
		(worker_id, timestamp, status, runs_active, runs_completed)
		VALUES (?, ?, ?, ?, ?)
	`, workerID, time.Now().Unix(), status, runsActive, runsCompleted)
	return err
}
