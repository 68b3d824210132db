// Package llm adapts the Dify chat-messages API into a streaming language
// model for agent pipelines. An LLM holds one Dify conversation: the
// conversation id returned by the first answer is reused by later calls.
//
// Calls on one LLM must not overlap. The adapter performs no retries;
// errors carry a Retryable hint for callers that want to.
package llm

import (
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/zhengjr9/dify-llm/internal/dify"
)

const loggerName = "dify"

// LLM is a Dify-backed language model.
type LLM struct {
	cfg        config
	client     *dify.Client
	httpClient *http.Client
	ownsClient bool
	logger     *zap.Logger

	mu             sync.Mutex
	conversationID string
}

// New resolves opts against the environment and returns an adapter. It fails
// with a *ConfigError when no API key is available and never touches the
// network.
func New(opts Options) (*LLM, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(loggerName)

	httpClient := opts.HTTPClient
	ownsClient := false
	if httpClient == nil {
		// No client Timeout: the request context bounds the stream.
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyFromEnvironment
		httpClient = &http.Client{Transport: transport}
		ownsClient = true
	}

	l := &LLM{
		cfg:            cfg,
		client:         dify.NewClient(cfg.apiBase, httpClient),
		httpClient:     httpClient,
		ownsClient:     ownsClient,
		logger:         logger,
		conversationID: cfg.conversationID,
	}
	logger.Debug("dify adapter configured",
		zap.String("endpoint", l.client.URL()),
		zap.Bool("conversation_id_set", cfg.conversationID != ""),
		zap.Duration("frame_timeout", cfg.frameTimeout),
	)
	return l, nil
}

// NewFromEnv builds an adapter from DIFY_API_KEY and DIFY_API_BASE only.
func NewFromEnv() (*LLM, error) {
	return New(Options{})
}

// ConversationID returns the conversation the next call will continue, or ""
// when the next call starts a new one.
func (l *LLM) ConversationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conversationID
}

// ResetConversation makes the next call start a new Dify conversation.
func (l *LLM) ResetConversation() {
	l.mu.Lock()
	l.conversationID = ""
	l.mu.Unlock()
}

// captureConversation stores id and reports whether it was new.
func (l *LLM) captureConversation(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == "" || id == l.conversationID {
		return false
	}
	l.conversationID = id
	return true
}

// Close releases idle connections of a client the adapter created itself.
// A caller-supplied HTTPClient is left alone.
func (l *LLM) Close() error {
	if l.ownsClient {
		l.httpClient.CloseIdleConnections()
	}
	return nil
}
