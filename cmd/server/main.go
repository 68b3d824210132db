package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/volcengine/veadk-go/apps"
	"github.com/volcengine/veadk-go/apps/a2a_app"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/adk/agent"

	"github.com/zhengjr9/dify-llm/internal/a2a"
	"github.com/zhengjr9/dify-llm/internal/config"
	"github.com/zhengjr9/dify-llm/internal/proxy"
	"github.com/zhengjr9/dify-llm/llm"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting dify-llm",
		zap.String("listen", cfg.ListenAddr),
		zap.String("dify_base_url", cfg.DifyBaseURL),
		zap.Bool("a2a_enabled", cfg.A2AEnabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Always start the proxy server.
	srv := proxy.New(cfg, logger)
	proxyErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			proxyErr <- err
		}
	}()

	// Optionally start the A2A server.
	a2aErr := make(chan error, 1)
	if cfg.A2AEnabled {
		difyAgent, err := a2a.New(a2a.AgentConfig{
			Name:        cfg.AgentName,
			Description: cfg.AgentDesc,
			LLM: llm.Options{
				APIKey:       cfg.DifyAPIKey, // optional: fallback when caller omits Authorization
				APIBase:      cfg.DifyBaseURL,
				User:         cfg.DefaultUser,
				FrameTimeout: cfg.FrameTimeout,
				HTTPClient:   proxy.NewHTTPClient(cfg.DifyProxyURL),
				Logger:       logger,
			},
			MaxSessions: cfg.A2AMaxSessions,
			SessionTTL:  cfg.A2ASessionTTL,
		})
		if err != nil {
			logger.Fatal("failed to create A2A agent", zap.Error(err))
		}

		logger.Info("starting A2A server", zap.Int("port", cfg.A2APort), zap.String("agent_name", cfg.AgentName))

		// Wrap the standard A2A app to inject an HTTP middleware that extracts
		// the caller's Bearer token and stores it in the request context before
		// the JSON-RPC handler sees the request.
		inner := a2a_app.NewAgentkitA2AServerApp(
			apps.DefaultApiConfig().SetPort(cfg.A2APort),
		)
		wrapped := &authMiddlewareApp{BasicApp: inner}

		go func() {
			if err := wrapped.Run(ctx, &apps.RunConfig{
				AgentLoader: agent.NewSingleLoader(difyAgent),
			}); err != nil {
				a2aErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("proxy shutdown error", zap.Error(err))
		}
	case err := <-proxyErr:
		logger.Fatal("proxy server error", zap.Error(err))
	case err := <-a2aErr:
		logger.Fatal("A2A server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// newLogger builds a production zap logger at the given level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// authMiddlewareApp wraps a BasicApp and installs an HTTP middleware on the
// Gorilla mux router that extracts "Authorization: Bearer <token>" from every
// incoming request and injects the token into the request context via
// a2a.ContextWithAPIKey.
type authMiddlewareApp struct {
	apps.BasicApp
}

// Run overrides the embedded Run so that apps.Run receives `w` as the app
// argument. Without this, apps.Run would invoke SetupRouters on the inner
// app and the middleware would never be registered.
func (w *authMiddlewareApp) Run(ctx context.Context, rc *apps.RunConfig) error {
	return apps.Run(ctx, rc, w)
}

func (w *authMiddlewareApp) SetupRouters(router *mux.Router, rc *apps.RunConfig) error {
	if err := w.BasicApp.SetupRouters(router, rc); err != nil {
		return err
	}
	router.Use(bearerTokenMiddleware)
	return nil
}

// bearerTokenMiddleware is a Gorilla mux middleware that reads
// "Authorization: Bearer <token>" and stores the token in the request context.
func bearerTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
				r = r.WithContext(a2a.ContextWithAPIKey(r.Context(), token))
			}
		}
		next.ServeHTTP(w, r)
	})
}
