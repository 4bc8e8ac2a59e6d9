// Package normalizer applies the request-body rewriting rules of spec.md
// §4.4 to chat and legacy completion bodies before each dispatcher attempt,
// against that attempt's backend: API key selection, stop-token merge, max_tokens clamping, and
// message normalization. Normalization is idempotent — running it twice on
// the same body yields the same bytes.
package normalizer

import (
	"strings"

	"github.com/relaygrid/llmgateway/internal/cleaner"
	"github.com/relaygrid/llmgateway/internal/config"
)

const bearerPrefix = "Bearer "

// Normalize rewrites body in place (a decoded JSON object) and returns the
// api key to forward as the Authorization bearer value (empty means no
// Authorization header should be sent). authHeader is the inbound request's
// raw Authorization header value, if any.
func Normalize(body map[string]any, backend *config.BackendSpec, authHeader string) string {
	apiKey := SelectAPIKey(backend, authHeader)

	mergeStop(body, backend.Stop)
	clampMaxTokens(body, backend.MaxTokens)
	normalizeMessages(body)

	return apiKey
}

// SelectAPIKey implements spec.md §4.4 step 1: backend-declared key wins;
// otherwise strip exactly one "Bearer " prefix from the inbound header;
// otherwise forward unauthenticated.
func SelectAPIKey(backend *config.BackendSpec, authHeader string) string {
	if backend.APIKey != "" {
		return backend.APIKey
	}
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix)
	}
	return ""
}

// mergeStop implements spec.md §4.4 step 2: union of client stop (string or
// list) and backend stop, original order preserved, deduplicated by exact
// string equality. An empty/missing side yields the other side alone.
func mergeStop(body map[string]any, backendStop []string) {
	var clientStop []string
	switch v := body["stop"].(type) {
	case string:
		if v != "" {
			clientStop = []string{v}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				clientStop = append(clientStop, s)
			}
		}
	}

	merged := dedupOrdered(clientStop, backendStop)
	if len(merged) == 0 {
		delete(body, "stop")
		return
	}

	out := make([]any, len(merged))
	for i, s := range merged {
		out[i] = s
	}
	body["stop"] = out
}

func dedupOrdered(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// clampMaxTokens implements spec.md §4.4 step 3. A missing client value is
// left missing; a client value at or below the ceiling is left untouched.
func clampMaxTokens(body map[string]any, ceiling *int) {
	if ceiling == nil {
		return
	}
	v, ok := body["max_tokens"]
	if !ok {
		return
	}

	n, ok := asNumber(v)
	if !ok {
		return
	}
	if n > float64(*ceiling) {
		body["max_tokens"] = float64(*ceiling)
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// normalizeMessages implements spec.md §4.4 step 4, in order: trim, drop
// empty, coalesce consecutive user messages (last write wins, not
// concatenation), strip <tool_call> spans from assistant text. Assistant
// text is trimmed again after stripping and dropped if nothing is left, so a
// second pass changes nothing.
func normalizeMessages(body map[string]any) {
	raw, ok := body["messages"].([]any)
	if !ok {
		return
	}

	var out []any
	for _, m := range raw {
		msg, ok := m.(map[string]any)
		if !ok {
			out = append(out, m)
			continue
		}

		role, _ := msg["role"].(string)
		content, isText := msg["content"].(string)

		if isText {
			trimmed := strings.TrimSpace(content)
			if trimmed == "" {
				// Drop: empty text content after trimming.
				continue
			}
			if role == "assistant" {
				trimmed = strings.TrimSpace(cleaner.StripToolCalls(trimmed))
				if trimmed == "" {
					continue
				}
			}
			msg = cloneWithContent(msg, trimmed)
		}

		if role == "user" && len(out) > 0 {
			if prev, ok := out[len(out)-1].(map[string]any); ok {
				if prevRole, _ := prev["role"].(string); prevRole == "user" {
					out[len(out)-1] = msg
					continue
				}
			}
		}

		out = append(out, msg)
	}

	body["messages"] = out
}

// cloneWithContent returns a shallow copy of msg with content replaced,
// leaving every other field (e.g. name, tool_call_id) untouched.
func cloneWithContent(msg map[string]any, content string) map[string]any {
	clone := make(map[string]any, len(msg))
	for k, v := range msg {
		clone[k] = v
	}
	clone["content"] = content
	return clone
}
