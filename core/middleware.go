package core

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the request id attached by RequestIDMiddleware,
// or "" when none is present.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithRequestID attaches a request id to the context. Exposed for tests and
// non-HTTP entry points that want correlated logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher to support streaming responses.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// RequestIDMiddleware propagates X-Request-ID in and out, generating one
// when the client did not supply it.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.New().String()
			}
			ctx := WithRequestID(r.Context(), reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BodySizeLimitMiddleware rejects requests whose declared Content-Length
// exceeds maxBytes and caps reads for requests without one.
func BodySizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteError(w, r, http.StatusRequestEntityTooLarge, "payload too large", "PAYLOAD_TOO_LARGE")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// tokenBucket tracks refill state for one client.
type tokenBucket struct {
	last   time.Time
	tokens float64
}

// RateLimiter is a per-IP token bucket. Single-process only; lightweight
// endpoints (health, metrics) bypass it.
type RateLimiter struct {
	mu            sync.Mutex
	buckets       map[string]*tokenBucket
	globalPerMin  int
	chatPerMin    int
	bypassedPaths map[string]bool
}

// NewRateLimiter creates a limiter with separate global and chat capacities.
func NewRateLimiter(globalPerMin, chatPerMin int) *RateLimiter {
	return &RateLimiter{
		buckets:      make(map[string]*tokenBucket),
		globalPerMin: globalPerMin,
		chatPerMin:   chatPerMin,
		bypassedPaths: map[string]bool{
			"/health":  true,
			"/healthz": true,
			"/metrics": true,
		},
	}
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.bypassedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			isChat := len(r.URL.Path) >= 8 && r.URL.Path[:8] == "/v1/chat"
			capacity := rl.globalPerMin
			bucket := ip + ":global"
			if isChat {
				capacity = rl.chatPerMin
				bucket = ip + ":chat"
			}

			if !rl.take(bucket, capacity) {
				w.Header().Set("Retry-After", "1")
				WriteError(w, r, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) take(key string, capacityPerMin int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{last: now, tokens: float64(capacityPerMin)}
		rl.buckets[key] = b
	}

	// Refill proportionally to elapsed time.
	b.tokens = min(float64(capacityPerMin), b.tokens+now.Sub(b.last).Seconds()*float64(capacityPerMin)/60.0)
	b.last = now

	if b.tokens < 1.0 {
		return false
	}
	b.tokens -= 1.0
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LoggingMiddleware logs HTTP requests with structured fields. In dev mode it
// logs everything; in production only 4xx/5xx responses and slow requests.
func LoggingMiddleware(logger Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				written:        false,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			shouldLog := devMode ||
				wrapped.statusCode >= 400 ||
				duration > time.Second

			if shouldLog && logger != nil {
				logData := map[string]interface{}{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      wrapped.statusCode,
					"duration_ms": duration.Milliseconds(),
					"remote_addr": r.RemoteAddr,
				}
				if r.URL.RawQuery != "" {
					logData["query"] = r.URL.RawQuery
				}
				if r.ContentLength > 0 {
					logData["content_length"] = r.ContentLength
				}

				switch {
				case wrapped.statusCode >= 500:
					logger.ErrorWithContext(r.Context(), "HTTP request error", logData)
				case wrapped.statusCode >= 400:
					logger.WarnWithContext(r.Context(), "HTTP request client error", logData)
				case duration > time.Second:
					logger.WarnWithContext(r.Context(), "HTTP request slow", logData)
				default:
					logger.InfoWithContext(r.Context(), "HTTP request", logData)
				}
			}
		})
	}
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the structured error body used across the API:
// a sentinel code, a human message, and the correlation id. Never a stack
// trace.
func WriteError(w http.ResponseWriter, r *http.Request, status int, msg, code string) {
	WriteJSON(w, status, map[string]interface{}{
		"error":      msg,
		"code":       code,
		"request_id": RequestIDFromContext(r.Context()),
	})
}
