package a2a

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/zhengjr9/dify-llm/llm"
)

// apiKeyContextKey is the context key used to propagate the caller's API key
// from the HTTP layer into the agent's Run function.
type apiKeyContextKey struct{}

// ContextWithAPIKey returns a new context carrying the given Dify API key.
// Call this in an HTTP middleware before the request reaches the A2A handler.
func ContextWithAPIKey(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, apiKey)
}

// apiKeyFromContext retrieves the API key injected by the HTTP middleware.
// Returns ("", false) when no key was injected.
func apiKeyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(apiKeyContextKey{}).(string)
	return v, ok && v != ""
}

const defaultUser = "dify-agent-a2a"

// AgentConfig holds the configuration for the Dify-backed A2A agent.
type AgentConfig struct {
	// Name is the agent name exposed via A2A AgentCard.
	Name string
	// Description is exposed via A2A AgentCard.
	Description string
	// LLM is the template for the adapter built for every invocation.
	// LLM.APIKey is the optional server-side key; a key from the caller's
	// Authorization header takes precedence.
	LLM llm.Options
	// MaxSessions bounds how many ADK sessions keep their Dify conversation;
	// the least recently used one is forgotten first. Zero means
	// DefaultMaxSessions.
	MaxSessions int
	// SessionTTL forgets a session's conversation once it has been idle this
	// long. Zero means DefaultSessionTTL; negative disables expiry.
	SessionTTL time.Duration
}

// New returns an agent.Agent whose Run logic streams the invocation's user
// content through a Dify adapter and converts its responses into
// session.Events that the ADK runner understands.
func New(cfg AgentConfig) (agent.Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("a2a agent: Name must not be empty")
	}
	if cfg.LLM.User == "" {
		cfg.LLM.User = defaultUser
	}
	if cfg.LLM.Logger == nil {
		cfg.LLM.Logger = zap.NewNop()
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}

	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		Run:         runFunc(cfg, newConversations(cfg.MaxSessions, cfg.SessionTTL)),
	})
}

// runFunc returns the Run closure that drives one agent invocation.
func runFunc(cfg AgentConfig, convs *conversations) func(agent.InvocationContext) iter.Seq2[*session.Event, error] {
	return func(ctx agent.InvocationContext) iter.Seq2[*session.Event, error] {
		return func(yield func(*session.Event, error) bool) {
			if extractQuery(ctx.UserContent()) == "" {
				ev := newEvent(ctx, cfg.Name)
				ev.LLMResponse = model.LLMResponse{
					Content: textContent("(empty input)"),
				}
				yield(ev, nil)
				return
			}

			var sessionID string
			if s := ctx.Session(); s != nil {
				sessionID = s.ID()
			}

			opts := cfg.LLM
			if apiKey, ok := apiKeyFromContext(ctx); ok {
				opts.APIKey = apiKey
			}
			opts.ConversationID = convs.get(sessionID)

			adapter, err := llm.New(opts)
			if err != nil {
				yield(nil, err)
				return
			}
			defer adapter.Close()

			req := &model.LLMRequest{Contents: []*genai.Content{ctx.UserContent()}}
			for resp, err := range adapter.GenerateContent(ctx, req, true) {
				if err != nil {
					yield(nil, err)
					return
				}
				ev := newEvent(ctx, cfg.Name)
				ev.LLMResponse = *resp
				if !resp.Partial {
					convs.set(sessionID, adapter.ConversationID())
				}
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func newEvent(ctx agent.InvocationContext, author string) *session.Event {
	ev := session.NewEvent(ctx.InvocationID())
	ev.Author = author
	ev.Branch = ctx.Branch()
	return ev
}

// extractQuery pulls the plain-text content from the genai.Content that ADK
// puts in the InvocationContext when the caller sends a message.
func extractQuery(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func textContent(text string) *genai.Content {
	return &genai.Content{
		Role:  genai.RoleModel,
		Parts: []*genai.Part{{Text: text}},
	}
}
