// Package middleware provides the HTTP middleware stack shared by every
// gateway endpoint: request-id propagation, structured access logging, CORS,
// gzip compression, and per-client rate limiting.
package middleware

import "context"

// Header names shared across the middleware stack.
const (
	RequestIDHeader          = "X-Request-ID"
	AuthorizationHeader      = "Authorization"
	RateLimitLimitHeader     = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"
	APIVersionHeader         = "X-API-Version"
	RouteSeedHeader          = "x-route-seed"
)

type contextKey string

// RequestIDContextKey is the context key under which RequestIDMiddleware
// stores the resolved request id.
const RequestIDContextKey contextKey = "request_id"
