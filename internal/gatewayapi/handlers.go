// Package gatewayapi binds the dispatch pipeline (C1-C8) to the HTTP
// surface spec.md §6 names: the OpenAI-compatible endpoints, the health
// probe, and the model-list aggregator.
package gatewayapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaygrid/llmgateway/internal/audit"
	"github.com/relaygrid/llmgateway/internal/dispatcher"
	"github.com/relaygrid/llmgateway/internal/middleware"
	"github.com/relaygrid/llmgateway/pkg/metrics"
)

// maxAudioBufferBytes mirrors the dispatcher's retry-buffer cap; enforced
// here too so an oversized multipart upload never reaches the dispatcher.
const maxAudioBufferBytes = 64 * 1024 * 1024

// Handlers holds every dependency the HTTP layer needs to serve a request:
// the dispatcher (routing+retry+streaming), the audit sink, and the live
// config snapshot for /v1/models and /debug/routes.
type Handlers struct {
	Dispatcher *dispatcher.Dispatcher
	Audit      *audit.Sink
	Config     dispatcher.ConfigSource
	Logger     *slog.Logger
	Metrics    *metrics.Dispatch
}

// New returns Handlers ready to be wired into a router.
func New(d *dispatcher.Dispatcher, auditSink *audit.Sink, cfg dispatcher.ConfigSource, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{Dispatcher: d, Audit: auditSink, Config: cfg, Logger: logger, Metrics: metrics.New()}
}

// jsonEndpoint returns a handler for one of the non-audio POST endpoints
// (chat/completions, completions, embeddings, rerank, score, classify).
// They all share the same decode → dispatch → audit → respond shape; only
// the wire path differs.
func (h *Handlers) jsonEndpoint(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBufferBytes+1))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		r.Body.Close()

		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		model, _ := body["model"].(string)
		stream, _ := body["stream"].(bool)

		in := &dispatcher.Inbound{
			Endpoint:   path,
			Model:      model,
			Body:       body,
			AuthHeader: r.Header.Get(middleware.AuthorizationHeader),
			RouteSeed:  r.Header.Get(middleware.RouteSeedHeader),
			ClientIP:   clientIP(r),
			Stream:     stream,
		}

		if stream {
			result := h.Dispatcher.DispatchStream(r.Context(), in, w)
			if result != nil && !result.ClientAborted && result.Status != http.StatusOK {
				// No stream was opened: send the rendered error body, the
				// same bytes the audit record stores.
				h.writeAndAudit(r.Context(), w, in, result, raw, began, path)
				return
			}
			h.auditResult(r.Context(), in, result, raw, began, path)
			return
		}

		result := h.Dispatcher.Dispatch(r.Context(), in)
		h.writeAndAudit(r.Context(), w, in, result, raw, began, path)
	}
}

// audioTranscriptions pre-buffers the multipart upload so the dispatcher
// can reconstruct the form on a failover retry, per spec.md §4.5.
func (h *Handlers) audioTranscriptions(w http.ResponseWriter, r *http.Request) {
	began := time.Now()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBufferBytes+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	r.Body.Close()
	if len(raw) > maxAudioBufferBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	in := &dispatcher.Inbound{
		Endpoint:   "/v1/audio/transcriptions",
		Model:      r.URL.Query().Get("model"),
		RawBody:    raw,
		AuthHeader: r.Header.Get(middleware.AuthorizationHeader),
		RouteSeed:  r.Header.Get(middleware.RouteSeedHeader),
		ClientIP:   clientIP(r),
	}

	result := h.Dispatcher.Dispatch(r.Context(), in)
	h.writeAndAudit(r.Context(), w, in, result, raw, began, in.Endpoint)
}

func (h *Handlers) writeAndAudit(ctx context.Context, w http.ResponseWriter, in *dispatcher.Inbound, result *dispatcher.Result, raw []byte, began time.Time, endpoint string) {
	h.auditResult(ctx, in, result, raw, began, endpoint)

	if result.ClientAborted {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.Status)
	w.Write(result.Body)
}

func (h *Handlers) auditResult(ctx context.Context, in *dispatcher.Inbound, result *dispatcher.Result, raw []byte, began time.Time, endpoint string) {
	if result == nil {
		return
	}

	finalStatus := result.Status
	completion := string(result.Body)
	if result.ClientAborted {
		finalStatus = 0
		completion = "client_aborted"
	}

	if h.Metrics != nil {
		h.Metrics.RecordRequest(endpoint, finalStatus, len(result.RetryPath))
	}
	if h.Audit == nil {
		return
	}

	h.Audit.Enqueue(audit.CallRecord{
		Timestamp:        began.UnixMilli(),
		RequestID:        middleware.GetRequestID(ctx),
		ClientIP:         in.ClientIP,
		ModelRequested:   in.Model,
		ModelServed:      result.ModelServed,
		Endpoint:         endpoint,
		PromptDigest:     digest(raw),
		CompletionText:   completion,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		IsMultimodal:     isMultimodal(in.Body),
		IsToolCall:       result.IsToolCall,
		LatencyMS:        time.Since(began).Milliseconds(),
		RetryPath:        result.RetryPath,
		FinalStatus:      finalStatus,
	})
}

func digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func isMultimodal(body map[string]any) bool {
	if body == nil {
		return false
	}
	messages, ok := body["messages"].([]any)
	if !ok {
		return false
	}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if _, isArray := msg["content"].([]any); isArray {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

// health returns the liveness probe, grounded on the teacher's
// {"status":"ok"} shape — minimal by design, since §6 treats /health as an
// out-of-scope collaborator.
func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// models aggregates the active backends' declared names into the OpenAI
// list shape. A full per-backend /v1/models fan-out is left as a named
// out-of-scope collaborator per spec.md §1; this returns the routing
// table's own view, which is what operators actually need to confirm a
// reload took effect.
func (h *Handlers) models(w http.ResponseWriter, r *http.Request) {
	cfg := h.Config.Current()
	seen := make(map[string]bool)
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var data []modelEntry
	for _, b := range cfg.Backends {
		for _, v := range b.ModelMatch.Values {
			if seen[v] {
				continue
			}
			seen[v] = true
			data = append(data, modelEntry{ID: v, Object: "model", OwnedBy: b.Name})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

// debugRoutes dumps the active backend table for operators verifying a
// hot reload took effect, grounded on the teacher's config_status.go idea
// of a read-only config inspection endpoint.
func (h *Handlers) debugRoutes(w http.ResponseWriter, r *http.Request) {
	cfg := h.Config.Current()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"backends": cfg.Backends})
}
