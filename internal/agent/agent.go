// Package agent defines the text-generation capability used by the
// refinement loop, its failure taxonomy, and an implementation backed by
// an OpenAI-compatible chat-completions endpoint.
package agent

import "context"

// Conversation roles for prior exchanges.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Exchange is one prior contribution in a conversation.
type Exchange struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Agent produces the next text contribution given a role instruction and
// the ordered prior exchanges. Backends are non-deterministic: identical
// input may legitimately produce different output, so results must never
// be cached. Implementations have no side effects beyond the returned
// text and report failures through the taxonomy in errors.go.
type Agent interface {
	Respond(ctx context.Context, roleInstruction string, exchanges []Exchange) (string, error)
}

// Usage describes one completed backend call, for accounting.
type Usage struct {
	Agent            string
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int
}
