package dispatcher

import (
	"context"
	"errors"
	"net/http"

	"github.com/relaygrid/llmgateway/internal/registry"
)

// classify turns a round trip's outcome (response or error) into the
// Decision state's verdict, per spec.md §4.5.
func classify(ctx context.Context, resp *http.Response, err error) (outcomeKind, int) {
	if ctx.Err() != nil {
		return outcomeClientAborted, 0
	}

	if err != nil {
		if errors.Is(err, registry.ErrCircuitBreakerOpen) {
			return outcomeTransient, 0
		}
		var httpErr *registry.HTTPError
		if errors.As(err, &httpErr) {
			return outcomeTransient, httpErr.StatusCode
		}
		if registry.IsRetryableError(err) {
			return outcomeTransient, 0
		}
		return outcomeTerminal, 0
	}

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess, status
	case status == 429:
		return outcomeRateLimited, status
	case status == 408:
		return outcomeTransient, status
	case status >= 500:
		return outcomeTransient, status
	default:
		return outcomeTerminal, status
	}
}
