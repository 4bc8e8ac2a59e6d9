package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// maxClientRequestIDLen bounds a client-supplied X-Request-ID: it ends up
// in a call_records.request_id column (internal/audit), and an unbounded
// client-chosen string has no business sizing a database row.
const maxClientRequestIDLen = 128

// RequestIDMiddleware generates or extracts request ID from headers
// and adds it to both the request context and response headers.
//
// If the incoming request has a usable X-Request-ID header, it is used as
// given so a caller's own trace ID threads through the gateway's logs and
// audit records. Otherwise, or if the header is empty or oversized, a new
// UUID is generated.
//
// The request ID can be retrieved from context using GetRequestID().
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > maxClientRequestIDLen {
			requestID = uuid.New().String()
		}

		// Add request ID to context
		ctx := context.WithValue(r.Context(), RequestIDContextKey, requestID)
		r = r.WithContext(ctx)

		// Add request ID to response headers
		w.Header().Set(RequestIDHeader, requestID)

		// Call next handler
		next.ServeHTTP(w, r)
	})
}

// GetRequestID extracts request ID from context
// Returns empty string if request ID is not found
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDContextKey).(string); ok {
		return id
	}
	return ""
}
