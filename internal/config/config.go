package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	DifyBaseURL    string
	DifyAPIKey     string
	DifyProxyURL   string
	ListenAddr     string
	DefaultUser    string
	RequestTimeout time.Duration
	// FrameTimeout bounds the wait for each Dify stream frame; 0 disables it.
	FrameTimeout time.Duration
	LogLevel     string
	// RateLimit is requests per second across the proxy; 0 disables limiting.
	RateLimit      float64
	RateLimitBurst int
	// A2A
	A2AEnabled bool
	A2APort    int
	AgentName  string
	AgentDesc  string
	// A2AMaxSessions and A2ASessionTTL bound the session to conversation map.
	A2AMaxSessions int
	A2ASessionTTL  time.Duration
}

// flag name → environment variable
var envNames = map[string]string{
	"dify-base-url":    "DIFY_BASE_URL",
	"dify-api-key":     "DIFY_API_KEY",
	"dify-proxy-url":   "DIFY_PROXY_URL",
	"listen-addr":      "LISTEN_ADDR",
	"default-user":     "DEFAULT_USER",
	"request-timeout":  "REQUEST_TIMEOUT",
	"frame-timeout":    "FRAME_TIMEOUT",
	"log-level":        "LOG_LEVEL",
	"rate-limit":       "RATE_LIMIT",
	"rate-limit-burst": "RATE_LIMIT_BURST",
	"a2a":              "A2A_ENABLED",
	"a2a-port":         "A2A_PORT",
	"agent-name":       "AGENT_NAME",
	"agent-desc":       "AGENT_DESC",
	"a2a-max-sessions": "A2A_MAX_SESSIONS",
	"a2a-session-ttl":  "A2A_SESSION_TTL",
	"config":           "CONFIG_FILE",
}

// Load builds the server configuration. Precedence, highest first: command
// line flags, environment variables, the optional config file, defaults.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("dify-llm", pflag.ContinueOnError)
	fs.String("dify-base-url", "https://api.dify.ai", "Dify instance base URL or full endpoint URL")
	fs.String("dify-api-key", "", "Dify API key used when the caller does not pass one")
	fs.String("dify-proxy-url", "", "HTTP/HTTPS proxy URL for Dify requests (e.g. http://proxy:8080)")
	fs.String("listen-addr", ":8080", "Proxy listen address")
	fs.String("default-user", "dify-llm", "Default user field for Dify requests")
	fs.Duration("request-timeout", 120*time.Second, "Upper bound for one Dify round trip")
	fs.Duration("frame-timeout", 0, "Upper bound between two Dify stream frames (0 disables)")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.Float64("rate-limit", 0, "Proxy requests per second (0 disables)")
	fs.Int("rate-limit-burst", 10, "Proxy rate limit burst")
	fs.Bool("a2a", false, "Enable A2A server alongside the proxy")
	fs.Int("a2a-port", 8000, "A2A server listen port")
	fs.String("agent-name", "dify-agent", "A2A AgentCard name")
	fs.String("agent-desc", "Dify-backed agent exposed via A2A protocol", "A2A AgentCard description")
	fs.Int("a2a-max-sessions", 10000, "A2A sessions whose Dify conversation is remembered")
	fs.Duration("a2a-session-ttl", 24*time.Hour, "Forget an A2A session's conversation after this idle time")
	fs.String("config", "", "Optional YAML config file using the flag names as keys")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		DifyBaseURL:    strings.TrimSpace(v.GetString("dify-base-url")),
		DifyAPIKey:     strings.TrimSpace(v.GetString("dify-api-key")),
		DifyProxyURL:   strings.TrimSpace(v.GetString("dify-proxy-url")),
		ListenAddr:     v.GetString("listen-addr"),
		DefaultUser:    v.GetString("default-user"),
		RequestTimeout: v.GetDuration("request-timeout"),
		FrameTimeout:   v.GetDuration("frame-timeout"),
		LogLevel:       v.GetString("log-level"),
		RateLimit:      v.GetFloat64("rate-limit"),
		RateLimitBurst: v.GetInt("rate-limit-burst"),
		A2AEnabled:     v.GetBool("a2a"),
		A2APort:        v.GetInt("a2a-port"),
		AgentName:      v.GetString("agent-name"),
		AgentDesc:      v.GetString("agent-desc"),
		A2AMaxSessions: v.GetInt("a2a-max-sessions"),
		A2ASessionTTL:  v.GetDuration("a2a-session-ttl"),
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	return cfg, cfg.Validate()
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.DifyBaseURL == "" {
		errs = append(errs, errors.New("dify-base-url must not be empty"))
	}
	if c.FrameTimeout < 0 {
		errs = append(errs, errors.New("frame-timeout must not be negative"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate-limit must not be negative"))
	}
	if c.RateLimit > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("rate-limit-burst must be at least 1"))
	}
	if c.A2AEnabled && c.A2AMaxSessions < 1 {
		errs = append(errs, errors.New("a2a-max-sessions must be at least 1"))
	}
	if c.A2AEnabled && c.A2ASessionTTL <= 0 {
		errs = append(errs, errors.New("a2a-session-ttl must be positive"))
	}
	if c.A2AEnabled && c.AgentName == "" {
		errs = append(errs, errors.New("agent-name must not be empty when A2A is enabled"))
	}
	return errors.Join(errs...)
}
