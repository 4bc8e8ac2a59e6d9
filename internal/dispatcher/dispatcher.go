// Package dispatcher drives the attempt/failover state machine of
// spec.md §4.5: Selecting → Attempting → Decision → Success/Failover/
// Exhausted. It owns the retry budget, consults each backend's circuit
// breaker as a health gate before spending an attempt, and renders the one
// error body shared by the HTTP response and the audit record.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/relaygrid/llmgateway/internal/config"
	"github.com/relaygrid/llmgateway/internal/gatewayerrors"
	"github.com/relaygrid/llmgateway/internal/normalizer"
	"github.com/relaygrid/llmgateway/internal/registry"
	"github.com/relaygrid/llmgateway/internal/router"
	"github.com/relaygrid/llmgateway/internal/sse"
)

// ConfigSource is the narrow view of internal/config.Store the dispatcher
// needs: a lock-free read of the current routing snapshot. Accepting the
// interface rather than *config.Store keeps this package's tests free of
// the filesystem/fsnotify machinery Store carries.
type ConfigSource interface {
	Current() *config.ActiveConfig
}

// Dispatcher binds the router and registry into the request dispatch
// pipeline. A single Dispatcher is shared across all requests.
type Dispatcher struct {
	Config   ConfigSource
	Registry *registry.Registry
	Logger   *slog.Logger
}

// New returns a Dispatcher ready to serve Dispatch/DispatchStream.
func New(cfgStore ConfigSource, reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Config: cfgStore, Registry: reg, Logger: logger}
}

// Dispatch runs the non-streaming attempt loop and returns the final
// response (success or rendered error) along with audit facts.
func (d *Dispatcher) Dispatch(ctx context.Context, in *Inbound) *Result {
	if len(in.RawBody) > audioBufferCap {
		rendered := gatewayerrors.Render(gatewayerrors.KindRequestTooLarge, "request body exceeds retry buffer cap", nil, 0)
		return &Result{Status: rendered.Status, Body: rendered.Body, RetryPath: nil}
	}

	retryable := isRetryableEndpoint(in.Endpoint)
	model := in.Model
	var retryPath []string
	var lastStatus int
	var lastKind outcomeKind
	var visited = map[string]bool{} // every backend already attempted in this request; none is attempted twice (this also covers "never retry the same backend after a 429")

	for len(retryPath) < maxAttempts {
		candidates, err := router.Route(d.Config.Current(), model, in.RouteSeed)
		if err != nil {
			if errors.Is(err, router.ErrNoBackend) {
				rendered := gatewayerrors.Render(gatewayerrors.KindModelNotFound, "no backend matches requested model", retryPath, 0)
				return &Result{Status: rendered.Status, Body: rendered.Body, RetryPath: retryPath}
			}
			rendered := gatewayerrors.Render(gatewayerrors.KindConfigInvalid, err.Error(), retryPath, 0)
			return &Result{Status: rendered.Status, Body: rendered.Body, RetryPath: retryPath}
		}

		attempted := false
		for _, cand := range candidates {
			if visited[cand.Name()] {
				continue
			}
			if len(retryPath) >= maxAttempts {
				break
			}
			retryPath = append(retryPath, cand.Name())
			visited[cand.Name()] = true
			attempted = true

			record, result := d.attempt(ctx, in, cand.Spec, retryPath)
			lastStatus = record.status
			lastKind = record.kind

			switch record.kind {
			case outcomeSuccess:
				result.RetryPath = retryPath
				result.ModelServed = cand.Spec.Name
				return result
			case outcomeClientAborted:
				return &Result{ClientAborted: true, RetryPath: retryPath}
			case outcomeTerminal:
				return result
			case outcomeRateLimited, outcomeTransient:
				if !retryable {
					return result
				}
				continue
			}
		}

		if !attempted {
			break
		}

		// Every candidate in this round was transient/rate-limited; try the
		// current backend's fallback model name, if any, per spec.md §4.5.
		fallbackModel := fallbackFor(d.Config.Current(), retryPath)
		if fallbackModel == "" {
			break
		}
		model = fallbackModel
	}

	status := http.StatusGatewayTimeout
	if lastKind == outcomeTerminal && lastStatus != 0 {
		status = lastStatus
	}
	rendered := gatewayerrors.Render(gatewayerrors.KindRetryBudgetExhausted, "retry budget exhausted across all candidates", retryPath, status)
	return &Result{Status: rendered.Status, Body: rendered.Body, RetryPath: retryPath}
}

// fallbackFor looks up the last-attempted backend's declared fallback model
// name, if the backend still exists in the current snapshot.
func fallbackFor(cfg *config.ActiveConfig, retryPath []string) string {
	if len(retryPath) == 0 {
		return ""
	}
	spec, ok := cfg.Lookup(retryPath[len(retryPath)-1])
	if !ok {
		return ""
	}
	return spec.Fallback
}

// attempt sends one request to backend and classifies the outcome. It is
// shared by Dispatch and DispatchStream's single-candidate send step.
func (d *Dispatcher) attempt(ctx context.Context, in *Inbound, backend *config.BackendSpec, retryPath []string) (attemptRecord, *Result) {
	entry := d.Registry.ClientFor(backend)

	apiKey := ""
	var payload []byte
	if in.Body != nil {
		apiKey = normalizer.Normalize(in.Body, backend, in.AuthHeader)
		b, err := json.Marshal(in.Body)
		if err != nil {
			return attemptRecord{backendName: backend.Name, kind: outcomeTerminal}, &Result{}
		}
		payload = b
	} else {
		apiKey = normalizer.SelectAPIKey(backend, in.AuthHeader)
		payload = in.RawBody
	}

	var resp *http.Response
	var rtErr error
	breakerErr := entry.Breaker.Call(ctx, func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, backend.BaseURL+in.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, rtErr = entry.HTTPClient.Do(req)
		if rtErr != nil {
			return rtErr
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
			return &registry.HTTPError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return nil
	})

	attemptErr := firstNonNil(breakerErr, rtErr)
	kind, status := classify(ctx, resp, attemptErr)
	record := attemptRecord{backendName: backend.Name, status: status, kind: kind}

	if kind != outcomeSuccess {
		if resp != nil {
			resp.Body.Close()
		}
		if attemptErr != nil {
			d.Logger.Warn("attempt failed", "backend", backend.Name, "error_class", registry.ClassifyError(attemptErr))
		}
		switch kind {
		case outcomeClientAborted:
			return record, nil
		case outcomeRateLimited:
			rendered := gatewayerrors.Render(gatewayerrors.KindUpstreamRateLimited, "backend rate limited the request", retryPath, status)
			return record, &Result{Status: rendered.Status, Body: rendered.Body}
		case outcomeTerminal:
			msg := "upstream rejected the request"
			rendered := gatewayerrors.Render(gatewayerrors.KindUpstreamClientError, msg, retryPath, status)
			return record, &Result{Status: rendered.Status, Body: rendered.Body}
		default:
			rendered := gatewayerrors.Render(gatewayerrors.KindUpstreamTransient, "transient upstream failure", retryPath, 0)
			return record, &Result{Status: rendered.Status, Body: rendered.Body}
		}
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		record.kind = outcomeTransient
		rendered := gatewayerrors.Render(gatewayerrors.KindUpstreamTransient, "failed reading upstream body", retryPath, 0)
		return record, &Result{Status: rendered.Status, Body: rendered.Body}
	}

	out, prompt, completion, total, isToolCall := postProcessNonStream(body, backend)
	return record, &Result{
		Status:           status,
		Body:             out,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		IsToolCall:       isToolCall,
	}
}

// DispatchStream runs the attempt loop for a streaming request. Once any
// byte has reached w (via entry.StreamClient's 2xx response body), the
// request can no longer fail over — only the idle-timeout/cancellation
// path applies from then on.
func (d *Dispatcher) DispatchStream(ctx context.Context, in *Inbound, w http.ResponseWriter) *Result {
	model := in.Model
	var retryPath []string
	var visited = map[string]bool{}

	for len(retryPath) < maxAttempts {
		candidates, err := router.Route(d.Config.Current(), model, in.RouteSeed)
		if err != nil {
			rendered := gatewayerrors.Render(gatewayerrors.KindModelNotFound, "no backend matches requested model", retryPath, 0)
			return &Result{Status: rendered.Status, Body: rendered.Body, RetryPath: retryPath}
		}

		attempted := false
		for _, cand := range candidates {
			if visited[cand.Name()] {
				continue
			}
			if len(retryPath) >= maxAttempts {
				break
			}
			retryPath = append(retryPath, cand.Name())
			visited[cand.Name()] = true
			attempted = true

			result, bytesSent := d.attemptStream(ctx, in, cand.Spec, w, retryPath)
			if result != nil {
				if bytesSent {
					result.RetryPath = retryPath
					result.ModelServed = cand.Spec.Name
					result.Streamed = true
				}
				return result
			}
		}

		if !attempted {
			break
		}
		fallbackModel := fallbackFor(d.Config.Current(), retryPath)
		if fallbackModel == "" {
			break
		}
		model = fallbackModel
	}

	rendered := gatewayerrors.Render(gatewayerrors.KindRetryBudgetExhausted, "retry budget exhausted across all candidates", retryPath, http.StatusGatewayTimeout)
	return &Result{Status: rendered.Status, Body: rendered.Body, RetryPath: retryPath}
}

// attemptStream opens the upstream stream for one candidate. It returns a
// non-nil *Result whenever the loop should stop (success, terminal error,
// or exhaustion signal); a nil Result with bytesSent=false tells the caller
// to continue to the next candidate.
func (d *Dispatcher) attemptStream(ctx context.Context, in *Inbound, backend *config.BackendSpec, w http.ResponseWriter, retryPath []string) (*Result, bool) {
	entry := d.Registry.ClientFor(backend)

	apiKey := normalizer.Normalize(in.Body, backend, in.AuthHeader)
	payload, err := json.Marshal(in.Body)
	if err != nil {
		rendered := gatewayerrors.Render(gatewayerrors.KindUpstreamClientError, "request body could not be re-encoded", retryPath, 0)
		return &Result{Status: rendered.Status, Body: rendered.Body}, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backend.BaseURL+in.Endpoint, bytes.NewReader(payload))
	if err != nil {
		rendered := gatewayerrors.Render(gatewayerrors.KindUpstreamTransient, "failed building upstream request", retryPath, 0)
		return &Result{Status: rendered.Status, Body: rendered.Body}, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	var resp *http.Response
	var rtErr error
	breakerErr := entry.Breaker.Call(ctx, func(callCtx context.Context) error {
		req = req.WithContext(callCtx)
		resp, rtErr = entry.StreamClient.Do(req)
		if rtErr != nil {
			return rtErr
		}
		if resp.StatusCode >= 500 {
			return &registry.HTTPError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return nil
	})

	attemptErr := firstNonNil(breakerErr, rtErr)
	kind, status := classify(ctx, resp, attemptErr)
	if kind != outcomeSuccess {
		if resp != nil {
			resp.Body.Close()
		}
		if attemptErr != nil {
			d.Logger.Warn("stream attempt failed", "backend", backend.Name, "error_class", registry.ClassifyError(attemptErr))
		}
		switch kind {
		case outcomeClientAborted:
			return &Result{ClientAborted: true}, false
		case outcomeRateLimited:
			return nil, false // 429: skip this backend and try the next candidate
		case outcomeTerminal:
			rendered := gatewayerrors.Render(gatewayerrors.KindUpstreamClientError, "upstream rejected the request", retryPath, status)
			return &Result{Status: rendered.Status, Body: rendered.Body}, true
		default:
			return nil, false // transient, not yet any bytes sent: try next candidate
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	forwardResult, resultCh := sse.Forward(ctx, w, resp.Body, backend.SpecialPrefix)

	if forwardResult.ClientAborted {
		acc := <-resultCh
		return &Result{
			ClientAborted:    true,
			Streamed:         true,
			PromptTokens:     acc.PromptTokens,
			CompletionTokens: acc.CompletionTokens,
			TotalTokens:      acc.TotalTokens,
			IsToolCall:       len(acc.OrderedToolCalls()) > 0,
		}, true
	}

	if forwardResult.IdleTimedOut && !forwardResult.BytesForwarded {
		// Transient, and nothing reached the client yet: eligible for
		// failover per spec.md §4.6's idle-timeout rule.
		return nil, false
	}

	acc := <-resultCh
	d.Logger.Debug("stream completed", "backend", backend.Name, "bytes_forwarded", forwardResult.BytesForwarded, "idle_timeout", forwardResult.IdleTimedOut)
	return &Result{
		Status:           http.StatusOK,
		Streamed:         true,
		PromptTokens:     acc.PromptTokens,
		CompletionTokens: acc.CompletionTokens,
		TotalTokens:      acc.TotalTokens,
		IsToolCall:       len(acc.OrderedToolCalls()) > 0,
	}, true
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
