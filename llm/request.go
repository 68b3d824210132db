package llm

import (
	"strings"

	"github.com/zhengjr9/dify-llm/internal/dify"
)

// CallOption adjusts a single Chat call.
type CallOption func(*callOptions)

type callOptions struct {
	temperature *float64
}

// WithTemperature overrides the configured temperature for one call.
func WithTemperature(t float64) CallOption {
	return func(o *callOptions) { o.temperature = &t }
}

// lastUserQuery returns the content of the most recent user message.
// An earlier user message is never used in place of a blank latest one.
func lastUserQuery(messages []Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleUser {
			continue
		}
		query := strings.TrimSpace(messages[i].Content)
		if query == "" {
			return "", &ValidationError{Message: "latest user message is empty"}
		}
		return query, nil
	}
	return "", &ValidationError{Message: "no user message found in chat context"}
}

func (l *LLM) buildRequest(messages []Message, co callOptions) (*dify.ChatRequest, error) {
	query, err := lastUserQuery(messages)
	if err != nil {
		return nil, err
	}

	temperature := co.temperature
	if temperature == nil {
		temperature = l.cfg.temperature
	}

	return &dify.ChatRequest{
		Inputs:         map[string]any{},
		Query:          query,
		ResponseMode:   dify.ResponseModeStreaming,
		ConversationID: l.ConversationID(),
		User:           l.cfg.user,
		Temperature:    temperature,
	}, nil
}
