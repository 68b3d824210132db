package proxy

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhengjr9/dify-llm/internal/adapter/openai"
	"github.com/zhengjr9/dify-llm/internal/config"
	"github.com/zhengjr9/dify-llm/internal/httputil"
	"github.com/zhengjr9/dify-llm/llm"
)

// Server is the OpenAI-compatible HTTP front for the Dify adapter.
type Server struct {
	httpServer *http.Server
}

// NewHTTPClient returns the client shared by all adapters of a process.
// It has no Timeout: request contexts bound each stream. proxyURL may be
// empty to use the environment's proxy settings.
func NewHTTPClient(proxyURL string) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyFromEnvironment
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}
	return &http.Client{Transport: transport}
}

// Factory returns an openai.LLMFactory that builds one adapter per request,
// preferring the caller's API key over the configured one.
func Factory(cfg *config.Config, client *http.Client, logger *zap.Logger) openai.LLMFactory {
	return func(creds httputil.Credentials) (*llm.LLM, error) {
		apiKey := creds.APIKey
		if apiKey == "" {
			apiKey = cfg.DifyAPIKey
		}
		return llm.New(llm.Options{
			APIKey:         apiKey,
			APIBase:        cfg.DifyBaseURL,
			ConversationID: creds.ConversationID,
			User:           creds.User,
			FrameTimeout:   cfg.FrameTimeout,
			HTTPClient:     client,
			Logger:         logger,
		})
	}
}

// New constructs a Server from the given config.
func New(cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	m := newMetrics(registry)

	client := NewHTTPClient(cfg.DifyProxyURL)
	oaHandler := openai.NewHandler(Factory(cfg, client, logger), cfg.DefaultUser, cfg.RequestTimeout, logger, m.chunks)

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/chat/completions", routed(rateLimitMiddleware(limiter)(oaHandler)))
	mux.Handle("GET /metrics", routed(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	mux.Handle("GET /healthz", routed(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	var handler http.Handler = mux
	handler = loggingMiddleware(logger, m)(handler)
	handler = recoveryMiddleware(logger)(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: cfg.RequestTimeout + 10*time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start begins listening and blocks until the server is stopped.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Handler returns the underlying http.Handler (for use in tests with httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
