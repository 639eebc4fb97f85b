// Package refine implements the generate→critique→decide prompt
// refinement loop: a Generator agent drafts or revises a candidate prompt,
// a Critic agent reviews it, and a judge decides whether the critique is
// an acceptance or another revision request, within a bounded number of
// rounds.
package refine

import "time"

// Verdict classifies a critique.
type Verdict string

const (
	VerdictAccepted      Verdict = "accepted"
	VerdictNeedsRevision Verdict = "needs_revision"
)

// TerminationReason indicates why a run stopped.
type TerminationReason string

const (
	// ReasonConverged means the critic accepted a candidate.
	ReasonConverged TerminationReason = "converged"
	// ReasonBudgetExhausted means the round budget ran out with no
	// acceptance; the final prompt is the last candidate produced.
	ReasonBudgetExhausted TerminationReason = "budget_exhausted"
)

// RoundRecord is an immutable snapshot of one completed round.
type RoundRecord struct {
	Index     int     `json:"round_index"` // 1-based, contiguous
	Candidate string  `json:"candidate"`
	Critique  string  `json:"critique"`
	Verdict   Verdict `json:"verdict"`
}

// RunResult is produced exactly once, at loop termination. History holds
// every completed round in order; its length never exceeds the configured
// round budget.
type RunResult struct {
	RunID       string            `json:"run_id"`
	Task        string            `json:"task"`
	FinalPrompt string            `json:"final_prompt"`
	Rounds      int               `json:"rounds"`
	Reason      TerminationReason `json:"termination_reason"`
	History     []RoundRecord     `json:"history"`
}

// Defaults for the run configuration.
const (
	DefaultMaxRounds      = 4
	DefaultPerCallTimeout = 120 * time.Second
	DefaultRetryLimit     = 3
	DefaultAcceptMarker   = "APPROVED"
)

// Config bundles the options recognized for a run.
type Config struct {
	// MaxRounds is the round budget. Must be positive.
	MaxRounds int

	// PerCallTimeout bounds each individual agent call.
	PerCallTimeout time.Duration

	// RetryLimit is the number of additional attempts after a failed
	// agent call, within the same round. Must not be negative.
	RetryLimit int

	// GeneratorInstruction and CriticInstruction are the role instructions
	// for the two agents. Both are required.
	GeneratorInstruction string
	CriticInstruction    string

	// AcceptMarker is the signal the critic emits when satisfied.
	// Empty uses DefaultAcceptMarker.
	AcceptMarker string
}

func (c *Config) applyDefaults() {
	if c.PerCallTimeout <= 0 {
		c.PerCallTimeout = DefaultPerCallTimeout
	}
	if c.AcceptMarker == "" {
		c.AcceptMarker = DefaultAcceptMarker
	}
}
