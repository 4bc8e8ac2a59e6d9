package dispatcher

// maxAttempts is the total retry budget across every candidate and every
// fallback hop in a single inbound request, per spec.md §4.5.
const maxAttempts = 6

// audioBufferCap is the maximum in-memory size of a pre-buffered multipart
// upload on a retryable audio endpoint; larger uploads surface 413 and are
// never retried.
const audioBufferCap = 64 * 1024 * 1024

// Inbound is everything the dispatcher needs to drive one request through
// the attempt/failover loop. It is built by the gatewayapi handler from the
// parsed HTTP request and handed to Dispatch/DispatchStream untouched.
type Inbound struct {
	Endpoint   string // e.g. "/v1/chat/completions", used for retry eligibility
	Model      string
	Body       map[string]any // nil for audio uploads
	RawBody    []byte         // pre-buffered multipart body for audio endpoints
	AuthHeader string
	RouteSeed  string
	ClientIP   string
	Stream     bool
}

// Result is what the dispatcher produces for a completed (or exhausted)
// request. The gatewayapi layer turns this into a CallRecord for C7; the
// dispatcher itself never imports internal/audit.
type Result struct {
	Status           int
	Body             []byte
	Streamed         bool
	ModelServed      string
	RetryPath        []string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	IsToolCall       bool
	ClientAborted    bool
}

// outcomeKind classifies how one attempt ended, per the Decision state of
// spec.md §4.5.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeTransient
	outcomeTerminal
	outcomeRateLimited
	outcomeClientAborted
)

// attemptRecord is the dispatcher's own bookkeeping for one candidate pull;
// exclusively owned by the request's goroutine for its lifetime.
type attemptRecord struct {
	backendName string
	status      int
	kind        outcomeKind
}

// isRetryableEndpoint reports whether endpoint is eligible for retry/
// failover at all, per spec.md §4.5's idempotency rule.
func isRetryableEndpoint(endpoint string) bool {
	switch endpoint {
	case "/v1/chat/completions", "/v1/completions", "/v1/embeddings",
		"/v1/rerank", "/v1/score", "/v1/classify", "/v1/audio/transcriptions":
		return true
	default:
		return false
	}
}
