package dify

// ResponseModeStreaming is the only response mode this client requests.
const ResponseModeStreaming = "streaming"

// Event names emitted on the chat-messages stream.
const (
	EventMessage      = "message"
	EventAgentMessage = "agent_message"
	EventMessageEnd   = "message_end"
	EventError        = "error"
	EventPing         = "ping"
)

// ChatRequest is sent to POST /v1/chat-messages.
type ChatRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id,omitempty"`
	User           string         `json:"user"`
	Temperature    *float64       `json:"temperature,omitempty"`
}

// StreamEvent is one SSE event from Dify for response_mode=streaming.
type StreamEvent struct {
	Event          string         `json:"event"`
	TaskID         string         `json:"task_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Answer         string         `json:"answer,omitempty"`
	CreatedAt      int64          `json:"created_at,omitempty"`
	Metadata       *EventMetadata `json:"metadata,omitempty"`
	// Error fields
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// EventMetadata is attached to message_end events.
type EventMetadata struct {
	Usage *Usage `json:"usage,omitempty"`
}

// Usage reports token counts for one answer.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
