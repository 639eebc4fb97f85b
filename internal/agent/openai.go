package agent

import (
	"context"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIOptions configures an OpenAIAgent.
type OpenAIOptions struct {
	Name        string // agent name used in logs and usage records
	APIKey      string
	BaseURL     string // optional, for OpenAI-compatible providers
	Model       string
	Temperature float32

	// RequestsPerMinute caps the call rate; zero uses the default.
	RequestsPerMinute int

	// OnUsage, when set, receives token and latency accounting for every
	// successful call.
	OnUsage func(Usage)
}

// OpenAIAgent implements Agent on top of an OpenAI-compatible
// chat-completions endpoint.
type OpenAIAgent struct {
	name        string
	client      *openai.Client
	model       string
	temperature float32
	limiter     *RateLimiter
	onUsage     func(Usage)
}

// NewOpenAIAgent builds an agent from opts. The model defaults to
// gpt-4o-mini when unset.
func NewOpenAIAgent(opts OpenAIOptions) *OpenAIAgent {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	model := opts.Model
	if model == "" {
		model = openai.GPT4oMini
		log.Printf("agent %s: model not set, defaulting to %s", opts.Name, model)
	}

	return &OpenAIAgent{
		name:        opts.Name,
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: opts.Temperature,
		limiter:     NewRateLimiter(opts.RequestsPerMinute),
		onUsage:     opts.OnUsage,
	}
}

// Respond implements Agent.
func (a *OpenAIAgent) Respond(ctx context.Context, roleInstruction string, exchanges []Exchange) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", Classify(err)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(exchanges)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: roleInstruction,
	})
	for _, ex := range exchanges {
		role := openai.ChatMessageRoleUser
		if ex.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: ex.Content,
		})
	}

	started := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    messages,
		Temperature: a.temperature,
	})
	if err != nil {
		a.limiter.RecordError()
		return "", Classify(err)
	}
	a.limiter.RecordSuccess()

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}

	if a.onUsage != nil {
		a.onUsage(Usage{
			Agent:            a.name,
			Model:            resp.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			LatencyMs:        int(time.Since(started).Milliseconds()),
		})
	}

	return content, nil
}
