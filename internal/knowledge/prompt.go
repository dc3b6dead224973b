package knowledge

import (
	"fmt"
	"strings"
)

// ContextPlaceholder is the marker inside a prompt template that is replaced
// with the assembled context block.
const ContextPlaceholder = "{rag_context}"

// NoContextPlaceholder is substituted when no knowledge snippet is available.
const NoContextPlaceholder = "No specific context provided."

// DefaultTemplate is the system prompt used when no template is configured.
const DefaultTemplate = `You are a helpful AI assistant with access to specialized knowledge.

Current Context:
{rag_context}

Instructions:
- Use the provided context to answer questions accurately
- If the context is empty or irrelevant, rely on your general knowledge
- Be conversational and natural in your responses
- Keep responses concise (2-3 sentences unless more detail is requested)
- If you don't know something, say so honestly
- Maintain a friendly, professional tone

Remember: You are in a voice conversation, so keep your answers brief and easy to understand when spoken aloud.
`

// PromptBuilder assembles system prompts from a [SharedContext]. Build is
// synchronous and side-effect-free, and safe to call concurrently with
// context writers.
type PromptBuilder struct {
	shared *SharedContext
}

// NewPromptBuilder returns a PromptBuilder reading from shared.
func NewPromptBuilder(shared *SharedContext) *PromptBuilder {
	return &PromptBuilder{shared: shared}
}

// Build substitutes the current knowledge snippet and a learned-strategy hint
// into the template's context placeholder and returns the finished prompt.
//
// An empty or blank snippet is replaced with [NoContextPlaceholder]. The hint
// line is derived from the highest-reward entry in the table; it is omitted
// when the table is empty or when even the best entry's cumulative total is
// negative, since nothing has actually worked yet.
func (b *PromptBuilder) Build(template string) string {
	snippet := strings.TrimSpace(b.shared.Knowledge())
	if snippet == "" {
		snippet = NoContextPlaceholder
	}

	block := snippet
	if key, total, ok := b.shared.BestReward(); ok && total > 0 {
		hint := fmt.Sprintf("LEARNED STRATEGY: Historically, coordinate %s was successful here.", key.ActuatorID)
		block = snippet + "\n\n" + hint
	}

	return strings.ReplaceAll(template, ContextPlaceholder, block)
}
