package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// Flush forwards to the wrapped writer when it supports flushing, so SSE
// events written through this wrapper still reach the client one by one.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware logs HTTP requests with structured logging (slog)
//
// Logs include:
//   - Request ID
//   - Method
//   - Route (the matched gorilla/mux template, e.g. "/v1/chat/completions",
//     not the raw path, so a path carrying a high-cardinality suffix never
//     fragments the log stream into one series per distinct value)
//   - Status code
//   - Duration
//   - Response size
//   - Client IP
//   - User agent
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Get request ID from context
			requestID := GetRequestID(r.Context())

			// Get client IP
			clientIP := r.Header.Get("X-Forwarded-For")
			if clientIP == "" {
				clientIP = r.Header.Get("X-Real-IP")
			}
			if clientIP == "" {
				clientIP = r.RemoteAddr
			}

			// Call next handler
			next.ServeHTTP(rw, r)

			// Calculate duration
			duration := time.Since(start)

			route := r.URL.Path
			if m := mux.CurrentRoute(r); m != nil {
				if tmpl, err := m.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			// Log request
			logger.Info("gateway request",
				"request_id", requestID,
				"method", r.Method,
				"route", route,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"status", rw.statusCode,
				"duration_ms", duration.Milliseconds(),
				"duration_ns", duration.Nanoseconds(),
				"size_bytes", rw.size,
				"client_ip", clientIP,
				"user_agent", r.UserAgent(),
			)
		})
	}
}
