package llm

import (
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Environment variables read when the matching option is empty.
const (
	EnvAPIKey  = "DIFY_API_KEY"
	EnvAPIBase = "DIFY_API_BASE"
)

const (
	// DefaultAPIBase is the hosted Dify API.
	DefaultAPIBase = "https://api.dify.ai"
	// DefaultUser is sent as the end-user identifier when none is configured.
	DefaultUser = "user"
)

// Options configures an adapter. Only APIKey is required, and it may come
// from DIFY_API_KEY instead.
type Options struct {
	APIKey  string
	APIBase string
	// ConversationID continues an existing Dify conversation.
	ConversationID string
	// Temperature is sent with every call unless a call overrides it. When
	// nil the field is omitted and the Dify app's own setting applies.
	Temperature *float64
	// User identifies the end user to Dify.
	User string
	// FrameTimeout bounds the wait for each network frame. Zero disables it.
	FrameTimeout time.Duration
	// HTTPClient is reused for every call. It must not set Timeout.
	HTTPClient *http.Client
	// Logger is the parent logger; the adapter logs under its "dify" child.
	Logger *zap.Logger
}

type config struct {
	apiKey         string
	apiBase        string
	conversationID string
	temperature    *float64
	user           string
	frameTimeout   time.Duration
}

func resolveConfig(opts Options) (config, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv(EnvAPIKey))
	}
	if apiKey == "" {
		return config{}, &ConfigError{Field: "api_key", Message: "Dify API key is required"}
	}

	apiBase := strings.TrimSpace(opts.APIBase)
	if apiBase == "" {
		apiBase = strings.TrimSpace(os.Getenv(EnvAPIBase))
	}
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if u, err := url.Parse(apiBase); err != nil || u.Scheme == "" || u.Host == "" {
		return config{}, &ConfigError{Field: "api_base", Message: "Dify API base must be an absolute URL: " + apiBase}
	}

	if opts.FrameTimeout < 0 {
		return config{}, &ConfigError{Field: "frame_timeout", Message: "frame timeout must not be negative"}
	}

	user := strings.TrimSpace(opts.User)
	if user == "" {
		user = DefaultUser
	}

	var temperature *float64
	if opts.Temperature != nil {
		t := *opts.Temperature
		temperature = &t
	}

	return config{
		apiKey:         apiKey,
		apiBase:        apiBase,
		conversationID: strings.TrimSpace(opts.ConversationID),
		temperature:    temperature,
		user:           user,
		frameTimeout:   opts.FrameTimeout,
	}, nil
}
