package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/replstore/internal/storagekey"
)

type contextKey struct{}

const requestIDHeader = "X-Request-ID"

// requestLog collects the fields handlers attach to the access log line of
// one request.
type requestLog struct {
	id     string
	mu     sync.Mutex
	fields []zap.Field
}

func logFor(r *http.Request) *requestLog {
	rl, _ := r.Context().Value(contextKey{}).(*requestLog)
	return rl
}

// RequestIDFrom returns the id assigned to the request by RequestID.
func RequestIDFrom(r *http.Request) string {
	if rl := logFor(r); rl != nil {
		return rl.id
	}
	return r.Header.Get(requestIDHeader)
}

// annotate adds fields to the access log line of r.
func annotate(r *http.Request, fields ...zap.Field) {
	rl := logFor(r)
	if rl == nil {
		return
	}
	rl.mu.Lock()
	rl.fields = append(rl.fields, fields...)
	rl.mu.Unlock()
}

// RequestID assigns each request an id, taken from X-Request-ID when the
// caller sets one, and echoes it in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), contextKey{}, &requestLog{id: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logging writes one access log line per request. The line carries the
// route template, the foreign namespace when the route has one, and
// whatever the handler attached with annotate. Partial database failures
// log at warn level and server errors at error level. Requests outside
// /v1, such as health checks and scrapes, log at debug level.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			fields := []zap.Field{
				zap.String("request_id", RequestIDFrom(r)),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", rw.statusCode),
				zap.Int("bytes", rw.written),
				zap.Duration("duration", time.Since(start)),
			}
			if ns := mux.Vars(r)["namespace"]; ns != "" {
				fields = append(fields, zap.String("foreign_key", storagekey.NewForeignKey(ns).String()))
			}
			if rl := logFor(r); rl != nil {
				rl.mu.Lock()
				fields = append(fields, rl.fields...)
				rl.mu.Unlock()
			}

			switch {
			case rw.statusCode >= http.StatusInternalServerError:
				logger.Error("Admin request failed", fields...)
			case rw.statusCode == http.StatusConflict:
				logger.Warn("Admin request failed on some databases", fields...)
			case !strings.HasPrefix(r.URL.Path, "/v1/"):
				logger.Debug("Admin request", fields...)
			default:
				logger.Info("Admin request", fields...)
			}
		})
	}
}

// Recovery recovers from panics and returns a 500 error.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Recovered panic in admin handler",
						zap.Any("panic", err),
						zap.String("request_id", RequestIDFrom(r)),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter rejects requests above a fixed rate with 429.
type RateLimiter struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewRateLimiter(requestsPerSecond float64, burstSize int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize),
		logger:  logger,
	}
}

// Limit applies rate limiting to requests.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow() {
			rl.logger.Warn("Admin request rate limited",
				zap.String("request_id", RequestIDFrom(r)),
				zap.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Timeout adds a timeout to the request context.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += n
	return n, err
}

// Chain chains multiple middleware functions.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
