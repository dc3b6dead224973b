// Package llm defines the language-model provider abstraction used by the
// cascade engine to generate the companion's replies. A Provider accepts a
// conversation history plus system prompt and produces text, either token by
// token over a channel or as one blocking response.
//
// Implementations live in subpackages (openai against the OpenAI API, anyllm
// for everything the any-llm gateway fronts). The mock subpackage provides
// test doubles.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion are closed by the implementation when the stream ends or
// the supplied context is cancelled.
package llm

import "context"

// CompletionRequest carries everything the model needs for one response.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last entry is
	// normally the user turn that drives the response.
	Messages []Message

	// SystemPrompt is injected ahead of the history. Providers without a
	// dedicated system slot prepend it as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness, typically in [0.0, 2.0].
	// Zero means use the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Chunk is one fragment of a streaming completion.
type Chunk struct {
	// Text is the incremental content. May be empty on a chunk that only
	// carries a FinishReason.
	Text string

	// FinishReason is set on the final chunk: "stop" for a natural end,
	// "length" when MaxTokens was reached, "error" when the stream failed
	// after it started (Text then holds the error message). Empty on all
	// non-final chunks.
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage holds token accounting when the backend reports it.
	Usage Usage
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is the abstraction over any language-model backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel emitting Chunk values
	// as they arrive. The channel is closed when generation finishes or ctx
	// is cancelled; callers must drain it to avoid goroutine leaks.
	//
	// The error return is non-nil only for failures that prevent the stream
	// from starting. Later errors surface as a Chunk with FinishReason
	// "error". The channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
