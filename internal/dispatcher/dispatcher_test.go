package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/llmgateway/internal/config"
	"github.com/relaygrid/llmgateway/internal/registry"
)

// fakeConfigSource lets tests hand the dispatcher a fixed backend table
// without going through config.Store's filesystem/fsnotify machinery.
type fakeConfigSource struct {
	cfg atomic.Pointer[config.ActiveConfig]
}

func newFakeConfigSource(t *testing.T, yamlBody string) *fakeConfigSource {
	t.Helper()
	path := writeTempConfig(t, yamlBody)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	f := &fakeConfigSource{}
	f.cfg.Store(cfg)
	return f
}

func (f *fakeConfigSource) Current() *config.ActiveConfig { return f.cfg.Load() }

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/gateway.yaml"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func chatBody() map[string]any {
	return map[string]any{
		"model":    "gpt-4-turbo",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
}

func TestDispatch_S1_KeywordRouting(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer upstream.Close()

	cfgYAML := `
openai_clients:
  - name: A
    base_url: ` + upstream.URL + `
    priority: 10
    model_match: {kind: keyword, values: ["gpt-4"]}
  - name: B
    base_url: ` + upstream.URL + `
    priority: 1
    model_match: {kind: exact, values: ["gpt-4-backup"]}
`
	d := New(newFakeConfigSource(t, cfgYAML), registry.NewRegistry(nil), nil)
	result := d.Dispatch(context.Background(), &Inbound{Endpoint: "/v1/chat/completions", Model: "gpt-4-turbo", Body: chatBody()})

	require.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "A", result.ModelServed)
	assert.Equal(t, []string{"A"}, result.RetryPath)
}

func TestDispatch_S2_FailoverOn503(t *testing.T) {
	var calls int32
	upstreamA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstreamA.Close()
	upstreamB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello from B"}}]}`))
	}))
	defer upstreamB.Close()

	cfgYAML := `
openai_clients:
  - name: A
    base_url: ` + upstreamA.URL + `
    priority: 10
    model_match: {kind: keyword, values: ["gpt-4"]}
    fallback: gpt-4-backup
  - name: B
    base_url: ` + upstreamB.URL + `
    priority: 1
    model_match: {kind: exact, values: ["gpt-4-backup"]}
`
	d := New(newFakeConfigSource(t, cfgYAML), registry.NewRegistry(nil), nil)
	result := d.Dispatch(context.Background(), &Inbound{Endpoint: "/v1/chat/completions", Model: "gpt-4-turbo", Body: chatBody()})

	require.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, []string{"A", "B"}, result.RetryPath)
	assert.Contains(t, string(result.Body), "hello from B")
}

func TestDispatch_S6_RetryBudgetExhausted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	// Six distinct backend names all matching the same keyword, so a single
	// routing round attempts all six and the budget is exhausted at exactly 6.
	cfgYAML := `
openai_clients:
  - {name: n1, base_url: ` + upstream.URL + `, priority: 1, model_match: {kind: keyword, values: ["gpt"]}}
  - {name: n2, base_url: ` + upstream.URL + `, priority: 1, model_match: {kind: keyword, values: ["gpt"]}}
  - {name: n3, base_url: ` + upstream.URL + `, priority: 1, model_match: {kind: keyword, values: ["gpt"]}}
  - {name: n4, base_url: ` + upstream.URL + `, priority: 1, model_match: {kind: keyword, values: ["gpt"]}}
  - {name: n5, base_url: ` + upstream.URL + `, priority: 1, model_match: {kind: keyword, values: ["gpt"]}}
  - {name: n6, base_url: ` + upstream.URL + `, priority: 1, model_match: {kind: keyword, values: ["gpt"]}}
`
	d := New(newFakeConfigSource(t, cfgYAML), registry.NewRegistry(nil), nil)
	result := d.Dispatch(context.Background(), &Inbound{Endpoint: "/v1/chat/completions", Model: "gpt-4-turbo", Body: chatBody()})

	assert.Equal(t, http.StatusGatewayTimeout, result.Status)
	assert.Len(t, result.RetryPath, maxAttempts)
	assert.Contains(t, string(result.Body), "retry_budget_exhausted")
}

func TestDispatch_Invariant5_RetryPathCoverageOn5xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	cfgYAML := `
openai_clients:
  - {name: only, base_url: ` + upstream.URL + `, priority: 1, model_match: {kind: keyword, values: ["gpt"]}}
`
	d := New(newFakeConfigSource(t, cfgYAML), registry.NewRegistry(nil), nil)
	result := d.Dispatch(context.Background(), &Inbound{Endpoint: "/v1/chat/completions", Model: "gpt-4-turbo", Body: chatBody()})

	require.GreaterOrEqual(t, result.Status, 500)
	assert.NotEmpty(t, result.RetryPath)
	assert.LessOrEqual(t, len(result.RetryPath), maxAttempts)
}

func TestDispatch_TerminalClientErrorNotRetried(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer upstream.Close()

	cfgYAML := `
openai_clients:
  - {name: only, base_url: ` + upstream.URL + `, priority: 1, model_match: {kind: keyword, values: ["gpt"]}}
`
	d := New(newFakeConfigSource(t, cfgYAML), registry.NewRegistry(nil), nil)
	result := d.Dispatch(context.Background(), &Inbound{Endpoint: "/v1/chat/completions", Model: "gpt-4-turbo", Body: chatBody()})

	assert.Equal(t, http.StatusBadRequest, result.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatch_ModelNotFound(t *testing.T) {
	cfgYAML := `
openai_clients:
  - {name: only, base_url: "http://127.0.0.1:1", priority: 1, model_match: {kind: exact, values: ["other-model"]}}
`
	d := New(newFakeConfigSource(t, cfgYAML), registry.NewRegistry(nil), nil)
	result := d.Dispatch(context.Background(), &Inbound{Endpoint: "/v1/chat/completions", Model: "gpt-4-turbo", Body: chatBody()})

	assert.Equal(t, http.StatusNotFound, result.Status)
	assert.Contains(t, string(result.Body), "model_not_found")
}
