package llm

// Roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is the user
	// utterance that drives the reply.
	Messages []Message

	// SystemPrompt is an optional instruction placed before Messages.
	SystemPrompt string

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental reply text. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk ("stop", "length", ...).
	FinishReason string

	// Err is set when the backend failed mid-stream. It is always the last
	// chunk on the channel.
	Err error
}
