package database

import (
	"path/filepath"
	"testing"
)

func openTestLifecycle(t *testing.T) *LifecycleDB {
	t.Helper()

	db, err := OpenLifecycle(filepath.Join(t.TempDir(), "test.lifecycle.db"))
	if err != nil {
		t.Fatalf("Failed to open lifecycle DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewLifecycleDB(db)
}

func TestRunLifecycle(t *testing.T) {
	db := openTestLifecycle(t)

	if err := db.CreateRun("run-1", "write a prompt", 4); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	run, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != "running" {
		t.Errorf("Expected status=running, got %s", run.Status)
	}
	if run.MaxRounds != 4 {
		t.Errorf("Expected max_rounds=4, got %d", run.MaxRounds)
	}

	if err := db.FinalizeRun("run-1", "converged", "final prompt", 2); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}

	run, err = db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun after finalize failed: %v", err)
	}
	if run.Status != "terminated" {
		t.Errorf("Expected status=terminated, got %s", run.Status)
	}
	if run.TerminationReason != "converged" {
		t.Errorf("Expected reason=converged, got %s", run.TerminationReason)
	}
	if run.FinalPrompt != "final prompt" {
		t.Errorf("Unexpected final prompt: %q", run.FinalPrompt)
	}
	if run.CompletedAt == 0 {
		t.Error("Expected completed_at to be set")
	}
}

func TestMarkRunFailed(t *testing.T) {
	db := openTestLifecycle(t)

	if err := db.CreateRun("run-2", "task", 4); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := db.MarkRunFailed("run-2", "backend unreachable", 1); err != nil {
		t.Fatalf("MarkRunFailed failed: %v", err)
	}

	run, err := db.GetRun("run-2")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != "failed" {
		t.Errorf("Expected status=failed, got %s", run.Status)
	}
	if run.Error != "backend unreachable" {
		t.Errorf("Unexpected error message: %q", run.Error)
	}
	if run.RoundsExecuted != 1 {
		t.Errorf("Expected 1 round preserved, got %d", run.RoundsExecuted)
	}
}

func TestRoundsOrderedByIndex(t *testing.T) {
	db := openTestLifecycle(t)

	if err := db.CreateRun("run-3", "task", 4); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	// Insert out of order to verify the query sorts.
	if err := db.AddRound("round-b", "run-3", 2, "candidate two", "APPROVED", "accepted"); err != nil {
		t.Fatalf("AddRound failed: %v", err)
	}
	if err := db.AddRound("round-a", "run-3", 1, "candidate one", "needs work", "needs_revision"); err != nil {
		t.Fatalf("AddRound failed: %v", err)
	}

	rounds, err := db.GetRounds("run-3")
	if err != nil {
		t.Fatalf("GetRounds failed: %v", err)
	}
	if len(rounds) != 2 {
		t.Fatalf("Expected 2 rounds, got %d", len(rounds))
	}
	if rounds[0].Index != 1 || rounds[1].Index != 2 {
		t.Errorf("Rounds not ordered by index: %d, %d", rounds[0].Index, rounds[1].Index)
	}
}

func TestDuplicateRoundIndexRejected(t *testing.T) {
	db := openTestLifecycle(t)

	if err := db.CreateRun("run-4", "task", 4); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := db.AddRound("round-1", "run-4", 1, "a", "b", "needs_revision"); err != nil {
		t.Fatalf("AddRound failed: %v", err)
	}
	if err := db.AddRound("round-2", "run-4", 1, "c", "d", "needs_revision"); err == nil {
		t.Error("Expected unique constraint violation for duplicate round index")
	}
}

func TestProcessedLog(t *testing.T) {
	db := openTestLifecycle(t)

	processed, err := db.IsProcessed("hash-1")
	if err != nil {
		t.Fatalf("IsProcessed failed: %v", err)
	}
	if processed {
		t.Error("Expected hash-1 to be unprocessed")
	}

	if err := db.MarkProcessed("hash-1", "refine", `{"ok":true}`); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	processed, err = db.IsProcessed("hash-1")
	if err != nil {
		t.Fatalf("IsProcessed failed: %v", err)
	}
	if !processed {
		t.Error("Expected hash-1 to be processed")
	}

	// Idempotent re-mark.
	if err := db.MarkProcessed("hash-1", "refine", `{"ok":true}`); err != nil {
		t.Errorf("Re-marking processed should not fail: %v", err)
	}
}

func TestCountRuns(t *testing.T) {
	db := openTestLifecycle(t)

	db.CreateRun("run-a", "t", 4)
	db.CreateRun("run-b", "t", 4)
	db.FinalizeRun("run-b", "converged", "p", 1)

	running, err := db.CountRuns("running")
	if err != nil {
		t.Fatalf("CountRuns failed: %v", err)
	}
	if running != 1 {
		t.Errorf("Expected 1 running, got %d", running)
	}

	terminated, err := db.CountRuns("terminated")
	if err != nil {
		t.Fatalf("CountRuns failed: %v", err)
	}
	if terminated != 1 {
		t.Errorf("Expected 1 terminated, got %d", terminated)
	}
}

func TestAgentUsage(t *testing.T) {
	db := openTestLifecycle(t)

	if err := db.RecordAgentUsage("req-1", "generator", "gpt-4o-mini", 120, 80, 950); err != nil {
		t.Fatalf("RecordAgentUsage failed: %v", err)
	}
}
