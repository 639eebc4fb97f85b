package mcp

import (
	"errors"
	"fmt"
	"time"

	"promptloop/internal/database"
	"promptloop/internal/refine"
)

// dispatchAction routes actions to appropriate handlers.
func (s *Server) dispatchAction(action string, params map[string]interface{}) (interface{}, error) {
	switch action {
	case "refine":
		return s.handleRefine(params)
	case "get_run":
		return s.handleGetRun(params)
	case "list_runs":
		return s.handleListRuns(params)
	case "list_actions":
		return s.handleListActions(params)
	case "get_schema":
		return s.handleGetSchema(params)
	case "get_stats":
		return s.handleGetStats(params)
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}

// handleRefine runs the full refinement loop for a task and returns the
// transcript. A failed run still reports the rounds completed before the
// failure.
func (s *Server) handleRefine(params map[string]interface{}) (interface{}, error) {
	task, ok := params["task"].(string)
	if !ok || task == "" {
		return nil, fmt.Errorf("missing task")
	}

	loopCfg := s.cfg.LoopConfig()
	// JSON numbers arrive as float64.
	if mr, ok := params["max_rounds"].(float64); ok {
		loopCfg.MaxRounds = int(mr)
	}

	controller, err := refine.NewController(loopCfg, s.generator, s.critic,
		refine.WithObserver(s.storage))
	if err != nil {
		return nil, err
	}

	result, runErr := controller.Run(s.ctx, task)
	if runErr != nil && !errors.Is(runErr, refine.ErrGenerationFailed) {
		return nil, runErr
	}

	response := map[string]interface{}{
		"success": runErr == nil,
		"result":  result,
	}
	if runErr != nil {
		response["error"] = runErr.Error()
	}
	return response, nil
}

// handleGetRun loads a stored run transcript by ID.
func (s *Server) handleGetRun(params map[string]interface{}) (interface{}, error) {
	runID, ok := params["run_id"].(string)
	if !ok || runID == "" {
		return nil, fmt.Errorf("missing run_id")
	}

	result, err := s.storage.LoadRun(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	return map[string]interface{}{
		"success": true,
		"result":  result,
	}, nil
}

// handleListRuns lists recent runs, newest first.
func (s *Server) handleListRuns(params map[string]interface{}) (interface{}, error) {
	limit := 0
	if l, ok := params["limit"].(float64); ok {
		limit = int(l)
	}

	runs, err := s.storage.ListRuns(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return map[string]interface{}{
		"success": true,
		"runs":    runs,
		"count":   len(runs),
	}, nil
}

// handleListActions lists all available actions with descriptions.
func (s *Server) handleListActions(params map[string]interface{}) (interface{}, error) {
	actions := []map[string]interface{}{
		{
			"name":        "refine",
			"description": "Run the generator/critic refinement loop for a task and return the final prompt with the full round transcript",
			"parameters":  []string{"task", "max_rounds (optional)"},
		},
		{
			"name":        "get_run",
			"description": "Load a stored run transcript by run ID",
			"parameters":  []string{"run_id"},
		},
		{
			"name":        "list_runs",
			"description": "List recent runs, newest first",
			"parameters":  []string{"limit (optional)"},
		},
		{
			"name":        "list_actions",
			"description": "List all available actions (this action)",
			"parameters":  []string{},
		},
		{
			"name":        "get_schema",
			"description": "Get detailed schema for a specific action",
			"parameters":  []string{"action_name"},
		},
		{
			"name":        "get_stats",
			"description": "Get usage statistics (retries, timeouts, latency percentiles)",
			"parameters":  []string{},
		},
	}

	return map[string]interface{}{
		"actions": actions,
		"count":   len(actions),
	}, nil
}

// handleGetSchema returns detailed schema for an action.
func (s *Server) handleGetSchema(params map[string]interface{}) (interface{}, error) {
	actionName, ok := params["action_name"].(string)
	if !ok {
		return nil, fmt.Errorf("missing action_name parameter")
	}

	schemas := map[string]interface{}{
		"refine": map[string]interface{}{
			"task": map[string]string{
				"type":        "string",
				"required":    "true",
				"description": "Natural-language description of what the refined prompt should accomplish",
			},
			"max_rounds": map[string]string{
				"type":        "integer",
				"required":    "false",
				"description": "Round budget override for this run (default from config)",
			},
		},
		"get_run": map[string]interface{}{
			"run_id": map[string]string{
				"type":        "string",
				"required":    "true",
				"description": "Run ID returned by a previous refine call",
			},
		},
		"list_runs": map[string]interface{}{
			"limit": map[string]string{
				"type":        "integer",
				"required":    "false",
				"description": "Maximum number of runs to return (default 20)",
			},
		},
	}

	schema, ok := schemas[actionName]
	if !ok {
		return map[string]interface{}{
			"error": fmt.Sprintf("No schema found for action: %s", actionName),
		}, nil
	}

	return map[string]interface{}{
		"action": actionName,
		"schema": schema,
	}, nil
}

// handleGetStats returns usage statistics for the last hour.
func (s *Server) handleGetStats(params map[string]interface{}) (interface{}, error) {
	outputDB := database.NewOutputDB(s.outputDB)

	since := time.Now().Add(-1 * time.Hour).Unix()
	aggregates, err := outputDB.GetAggregatedMetrics(since)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}

	percentiles, err := s.histogram.AllPercentiles(60)
	if err != nil {
		return nil, fmt.Errorf("failed to get latency percentiles: %w", err)
	}

	return map[string]interface{}{
		"period_hours": 1,
		"metrics":      aggregates,
		"latency":      percentiles,
		"timestamp":    time.Now().Unix(),
	}, nil
}
