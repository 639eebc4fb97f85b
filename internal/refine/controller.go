package refine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"promptloop/internal/agent"
)

// ErrConfig marks a configuration rejected before a run starts.
var ErrConfig = errors.New("invalid configuration")

// ErrGenerationFailed marks a run aborted after retries were exhausted on
// an agent call. The rounds completed before the failure remain valid and
// are returned alongside the error.
var ErrGenerationFailed = errors.New("generation failed")

// Validate rejects configurations that must never start a run.
func (c Config) Validate() error {
	if c.MaxRounds < 1 {
		return fmt.Errorf("%w: max rounds must be positive, got %d", ErrConfig, c.MaxRounds)
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("%w: retry limit must not be negative, got %d", ErrConfig, c.RetryLimit)
	}
	if strings.TrimSpace(c.GeneratorInstruction) == "" {
		return fmt.Errorf("%w: generator role instruction is required", ErrConfig)
	}
	if strings.TrimSpace(c.CriticInstruction) == "" {
		return fmt.Errorf("%w: critic role instruction is required", ErrConfig)
	}
	return nil
}

// Observer is notified as a run progresses. Implementations must not
// mutate the records they receive.
type Observer interface {
	RunStarted(runID, task string, maxRounds int)
	RoundCompleted(runID string, rec RoundRecord)
	AgentRetried(runID, agentName string, attempt int, err error)
	RunFinished(result *RunResult)
	RunFailed(runID string, err error)
}

// Controller drives the refinement cycle. Each call to Run owns its own
// round history and context, so a single Controller may execute
// independent runs concurrently without coordination.
type Controller struct {
	cfg            Config
	generator      agent.Agent
	critic         agent.Agent
	judge          *Judge
	observer       Observer
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

// WithObserver attaches an observer for transcript persistence and
// diagnostics.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithRetryBackoff overrides the backoff window between retried agent
// calls.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(c *Controller) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// NewController validates cfg and builds a controller over the two agents.
func NewController(cfg Config, generator, critic agent.Agent, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	c := &Controller{
		cfg:       cfg,
		generator: generator,
		critic:    critic,
		judge:     NewJudge(cfg.AcceptMarker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// loop states
type state int

const (
	stateGenerating state = iota
	stateCritiquing
	stateDeciding
	stateTerminated
)

// Run executes the refinement loop for task until the critic accepts a
// candidate or the round budget is exhausted. On ErrGenerationFailed the
// returned result carries exactly the rounds completed before the failing
// call; no partial round is appended.
func (c *Controller) Run(ctx context.Context, task string) (*RunResult, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("%w: empty task", ErrConfig)
	}

	runID := uuid.New().String()
	result := &RunResult{RunID: runID, Task: task}
	if c.observer != nil {
		c.observer.RunStarted(runID, task, c.cfg.MaxRounds)
	}

	var (
		st        = stateGenerating
		round     = 1
		candidate string
		critique  string
	)

	for st != stateTerminated {
		switch st {
		case stateGenerating:
			out, err := c.invoke(ctx, runID, "generator", c.generator,
				c.cfg.GeneratorInstruction, generatorExchanges(task, candidate, critique))
			if err != nil {
				return result, c.fail(result, fmt.Errorf("%w: generator, round %d: %w", ErrGenerationFailed, round, err))
			}
			candidate = extractCandidate(out)
			st = stateCritiquing

		case stateCritiquing:
			out, err := c.invoke(ctx, runID, "critic", c.critic,
				c.cfg.CriticInstruction, criticExchanges(task, candidate))
			if err != nil {
				return result, c.fail(result, fmt.Errorf("%w: critic, round %d: %w", ErrGenerationFailed, round, err))
			}
			critique = out
			st = stateDeciding

		case stateDeciding:
			verdict, err := c.judge.Classify(critique)
			if err != nil {
				// Empty critiques are retried inside invoke; reaching this
				// point means the backend kept returning unusable output.
				return result, c.fail(result, fmt.Errorf("%w: round %d: %w", ErrGenerationFailed, round, err))
			}

			rec := RoundRecord{Index: round, Candidate: candidate, Critique: critique, Verdict: verdict}
			result.History = append(result.History, rec)
			if c.observer != nil {
				c.observer.RoundCompleted(runID, rec)
			}

			switch {
			case verdict == VerdictAccepted:
				result.FinalPrompt = candidate
				result.Reason = ReasonConverged
				st = stateTerminated
			case round == c.cfg.MaxRounds:
				result.FinalPrompt = candidate
				result.Reason = ReasonBudgetExhausted
				st = stateTerminated
			default:
				round++
				st = stateGenerating
			}
		}
	}

	result.Rounds = len(result.History)
	if c.observer != nil {
		c.observer.RunFinished(result)
	}
	return result, nil
}

// invoke calls one agent with the configured timeout and retry budget.
func (c *Controller) invoke(ctx context.Context, runID, name string, ag agent.Agent, instruction string, exchanges []agent.Exchange) (string, error) {
	policy := agent.RetryPolicy{
		Limit:          c.cfg.RetryLimit,
		PerCallTimeout: c.cfg.PerCallTimeout,
		InitialBackoff: c.initialBackoff,
		MaxBackoff:     c.maxBackoff,
		OnRetry: func(attempt int, err error) {
			log.Printf("run %s: %s call failed (attempt %d): %v", runID, name, attempt, err)
			if c.observer != nil {
				c.observer.AgentRetried(runID, name, attempt, err)
			}
		},
	}
	return agent.CallWithRetry(ctx, ag, instruction, exchanges, policy)
}

// fail records the partial rounds count on an aborted run and notifies the
// observer.
func (c *Controller) fail(result *RunResult, err error) error {
	result.Rounds = len(result.History)
	if c.observer != nil {
		c.observer.RunFailed(result.RunID, err)
	}
	return err
}
