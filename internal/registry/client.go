package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/relaygrid/llmgateway/internal/config"
)

const (
	// connectTimeout bounds dialing a new upstream connection.
	connectTimeout = 10 * time.Second
	// readTimeout bounds a non-streaming round trip end to end.
	readTimeout = 300 * time.Second
	// StreamIdleTimeout is the allowed gap between SSE chunks. The stream
	// processor enforces it with its own constant of the same value
	// (sse.IdleTimeout), not the http.Client (which has no total timeout for
	// the streaming client — see StreamClient below).
	StreamIdleTimeout = 60 * time.Second
)

// Entry is a backend's pooled HTTP clients and health gate, materialized
// once per backend name and reused across every request routed to it.
//
// HTTPClient and StreamClient are deliberately distinct: HTTPClient carries
// an overall timeout appropriate for a buffered response; StreamClient
// carries none, because a streaming response flows incrementally and an
// overall deadline would abort a slow-but-healthy generation. Idle-between-
// chunks is policed separately, by the stream processor, using
// sse.IdleTimeout (the same 60s as StreamIdleTimeout).
type Entry struct {
	Name         string
	HTTPClient   *http.Client
	StreamClient *http.Client
	Breaker      *CircuitBreaker

	specDigest string
}

// Registry materializes the active backend table into pooled clients keyed
// by backend name. Entries are built lazily on first use and rebuilt when a
// backend's base_url or api_key changes across a config reload. It holds no
// reference to BackendSpec beyond what's needed to detect that change —
// BackendSpec values themselves are owned by internal/config.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *slog.Logger
}

// NewRegistry returns an empty Registry ready to serve ClientFor.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger,
	}
}

// ClientFor returns the pooled clients and circuit breaker for spec,
// constructing or rebuilding the entry if this is the first use or the
// backend's connection-relevant fields changed since the cached entry was
// built. The returned *Entry is safe to hold for the lifetime of a single
// attempt even if a concurrent reload later evicts it from the registry.
func (r *Registry) ClientFor(spec *config.BackendSpec) *Entry {
	digest := specDigest(spec)

	r.mu.RLock()
	entry, ok := r.entries[spec.Name]
	r.mu.RUnlock()
	if ok && entry.specDigest == digest {
		return entry
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under write lock in case another goroutine built it first.
	if entry, ok := r.entries[spec.Name]; ok && entry.specDigest == digest {
		return entry
	}

	entry = r.build(spec, digest)
	r.entries[spec.Name] = entry
	return entry
}

func (r *Registry) build(spec *config.BackendSpec, digest string) *Entry {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	cbConfig := DefaultCircuitBreakerConfig().WithOverride(spec.CircuitBreaker)
	breaker, err := NewCircuitBreaker(cbConfig, r.logger, NewBackendMetrics(spec.Name))
	if err != nil {
		r.logger.Error("circuit breaker construction failed, using open-gate fallback", "backend", spec.Name, "error", err)
	}

	r.logger.Info("registry built client entry", "backend", spec.Name, "base_url", spec.BaseURL)

	return &Entry{
		Name: spec.Name,
		HTTPClient: &http.Client{
			Transport: transport,
			Timeout:   readTimeout,
		},
		StreamClient: &http.Client{
			Transport: transport,
			// No overall Timeout: the stream processor enforces the
			// idle-between-chunks deadline instead.
		},
		Breaker:    breaker,
		specDigest: digest,
	}
}

// specDigest hashes the fields of a BackendSpec that require rebuilding the
// Entry if changed: the connection fields (base_url, api_key) and the
// circuit breaker override, as opposed to routing-only fields (priority,
// model_match, fallback) which don't affect the transport or health gate.
func specDigest(spec *config.BackendSpec) string {
	h := sha256.New()
	h.Write([]byte(spec.BaseURL))
	h.Write([]byte{0})
	h.Write([]byte(spec.APIKey))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d,%d,%g", spec.CircuitBreaker.MaxFailures, spec.CircuitBreaker.ResetTimeoutSeconds, spec.CircuitBreaker.FailureThreshold)
	return hex.EncodeToString(h.Sum(nil))
}
