package refine

import (
	"fmt"
	"strings"

	"promptloop/internal/agent"
)

// DefaultGeneratorInstruction is the role instruction for the Generator
// when the configuration does not provide one.
const DefaultGeneratorInstruction = `You are an expert prompt engineer. Your role is to generate clear, effective prompts based on user queries.

IMPORTANT: Generate prompts ONLY. Do not engage in conversation or pleasantries.

Follow these guidelines:
1. Break down complex requirements into clear instructions
2. Include specific examples where helpful
3. Define scope and constraints clearly
4. Use consistent formatting and structure
5. Consider edge cases and failure modes

Format your response STRICTLY as:
### Generated Prompt:
[Your prompt here]`

// DefaultCriticInstruction is the role instruction for the Critic when the
// configuration does not provide one. The %s placeholder receives the
// accept marker.
const DefaultCriticInstruction = `You are an expert prompt critic. Your role is to analyze prompts and provide constructive feedback to improve them.

IMPORTANT: Focus ONLY on critiquing the prompt. Do not engage in conversation or pleasantries.

Evaluate prompts based on:
1. Clarity and specificity
2. Completeness of instructions
3. Potential ambiguities or gaps
4. Appropriate constraints and guardrails
5. Overall effectiveness for intended use case

If the prompt needs improvement, respond with:
### Critique:
[Your detailed critique here]

### Suggested Improvements:
[List of specific improvements]

If the prompt is ready to use as-is, your response MUST contain the word
%s, optionally followed by:
### Final Approved Prompt:
[The prompt, restated]`

// CriticInstructionWithMarker renders DefaultCriticInstruction for marker.
func CriticInstructionWithMarker(marker string) string {
	return fmt.Sprintf(DefaultCriticInstruction, marker)
}

// generatedSectionHeader is the structured section the generator is
// instructed to emit around its candidate.
const generatedSectionHeader = "### Generated Prompt:"

// extractCandidate pulls the candidate prompt out of a generator response.
// When the structured section is absent the whole response is the
// candidate, with any surrounding markdown fence stripped.
func extractCandidate(response string) string {
	if idx := strings.Index(response, generatedSectionHeader); idx >= 0 {
		response = response[idx+len(generatedSectionHeader):]
	}
	return stripFence(strings.TrimSpace(response))
}

// stripFence removes a markdown code fence when it wraps the entire text.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[len(lines)-1]) != "```" {
		return text
	}
	return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
}

// generatorExchanges builds the Generator's context. Round one asks for an
// initial draft; later rounds replay the prior candidate and critique and
// explicitly request a revision.
func generatorExchanges(task, priorCandidate, priorCritique string) []agent.Exchange {
	draft := agent.Exchange{
		Role:    agent.RoleUser,
		Content: fmt.Sprintf("Generate a prompt for the following query: %s", task),
	}
	if priorCritique == "" {
		return []agent.Exchange{draft}
	}
	return []agent.Exchange{
		draft,
		{Role: agent.RoleAssistant, Content: priorCandidate},
		{Role: agent.RoleUser, Content: fmt.Sprintf(
			"The prompt above received the following critique:\n\n%s\n\nRevise the prompt to address this feedback.",
			priorCritique)},
	}
}

// criticExchanges builds the Critic's context: the original task plus the
// candidate under review.
func criticExchanges(task, candidate string) []agent.Exchange {
	return []agent.Exchange{{
		Role: agent.RoleUser,
		Content: fmt.Sprintf(
			"Review this prompt, written to satisfy the following request.\n\nRequest: %s\n\nPrompt:\n%s",
			task, candidate),
	}}
}
