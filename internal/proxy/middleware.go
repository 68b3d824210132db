package proxy

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apierrors "github.com/zhengjr9/dify-llm/internal/errors"
)

// unmatchedRoute labels requests no registered route handled.
const unmatchedRoute = "unmatched"

// loggingMiddleware logs each request and records it in m. Metrics are
// labelled with the matched route, never the raw path.
func loggingMiddleware(logger *zap.Logger, m *metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK, route: unmatchedRoute}
			next.ServeHTTP(lrw, r)
			elapsed := time.Since(start)

			m.requests.WithLabelValues(lrw.route, strconv.Itoa(lrw.statusCode)).Inc()
			m.duration.WithLabelValues(lrw.route).Observe(elapsed.Seconds())
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", lrw.statusCode),
				zap.Duration("duration", elapsed),
				zap.String("remote", r.RemoteAddr),
			)
		})
	}
}

// routed records the ServeMux pattern that matched r, without its method,
// for loggingMiddleware. Wrap every handler registered on the mux with it.
func routed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lrw, ok := w.(*loggingResponseWriter); ok && r.Pattern != "" {
			route := r.Pattern
			if _, path, ok := strings.Cut(route, " "); ok {
				route = path
			}
			lrw.route = route
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware catches panics and returns a 500.
func recoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.ByteString("stack", debug.Stack()))
					apierrors.WriteJSONError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware rejects requests beyond the limiter's budget with 429.
// A nil limiter disables limiting.
func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				apierrors.WriteJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loggingResponseWriter captures the status code written by the handler
// and the route that served it.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	route      string
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
