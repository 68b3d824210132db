package llm

// Role tags a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a chat context.
type Message struct {
	Role    Role
	Content string
}

// Chunk is one piece of a streamed answer. The last chunk of a completed
// answer has Final set, no Text, and carries Usage when Dify reported it.
type Chunk struct {
	Text           string
	Final          bool
	MessageID      string
	ConversationID string
	Usage          *Usage
}

// Usage reports token counts for one answer.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
