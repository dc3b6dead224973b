package llm

// Message is a single entry in a conversation history.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string

	// Content is the text of the message.
	Content string
}
