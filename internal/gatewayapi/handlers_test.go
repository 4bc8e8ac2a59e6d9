package gatewayapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/llmgateway/internal/audit"
	"github.com/relaygrid/llmgateway/internal/config"
	"github.com/relaygrid/llmgateway/internal/dispatcher"
	"github.com/relaygrid/llmgateway/internal/gatewayapi"
	"github.com/relaygrid/llmgateway/internal/registry"
)

type fakeConfigSource struct {
	cfg atomic.Pointer[config.ActiveConfig]
}

func (f *fakeConfigSource) Current() *config.ActiveConfig { return f.cfg.Load() }

func newFakeConfigSource(t *testing.T, yamlBody string) *fakeConfigSource {
	t.Helper()
	path := t.TempDir() + "/gateway.yaml"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	f := &fakeConfigSource{}
	f.cfg.Store(cfg)
	return f
}

func TestHandlers_ChatCompletions_S1_EndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`))
	}))
	defer upstream.Close()

	cfgYAML := `
openai_clients:
  - {name: A, base_url: ` + upstream.URL + `, priority: 1, model_match: {kind: keyword, values: ["gpt-4"]}}
`
	src := newFakeConfigSource(t, cfgYAML)
	d := dispatcher.New(src, registry.NewRegistry(nil), nil)

	auditDir := t.TempDir()
	sink, err := audit.NewSink(auditDir, nil)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sink.Close(ctx)
	}()

	h := gatewayapi.New(d, sink, src, nil)
	router := gatewayapi.NewRouter(h, gatewayapi.DefaultRouterConfig(nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4-turbo","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hi there")
}

func TestHandlers_Health(t *testing.T) {
	cfgYAML := `
openai_clients:
  - {name: A, base_url: "http://127.0.0.1:1", priority: 1, model_match: {kind: keyword, values: ["gpt"]}}
`
	src := newFakeConfigSource(t, cfgYAML)
	d := dispatcher.New(src, registry.NewRegistry(nil), nil)
	h := gatewayapi.New(d, nil, src, nil)
	router := gatewayapi.NewRouter(h, gatewayapi.DefaultRouterConfig(nil))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestHandlers_Models_AggregatesBackendValues(t *testing.T) {
	cfgYAML := `
openai_clients:
  - {name: A, base_url: "http://127.0.0.1:1", priority: 1, model_match: {kind: keyword, values: ["gpt-4", "gpt-4-turbo"]}}
`
	src := newFakeConfigSource(t, cfgYAML)
	d := dispatcher.New(src, registry.NewRegistry(nil), nil)
	h := gatewayapi.New(d, nil, src, nil)
	router := gatewayapi.NewRouter(h, gatewayapi.DefaultRouterConfig(nil))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gpt-4-turbo")
}
