package normalizer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/llmgateway/internal/config"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &body))
	return body
}

func TestSelectAPIKey_BackendWins(t *testing.T) {
	backend := &config.BackendSpec{APIKey: "sk-backend"}
	assert.Equal(t, "sk-backend", SelectAPIKey(backend, "Bearer sk-client"))
}

func TestSelectAPIKey_FallsBackToBearer(t *testing.T) {
	backend := &config.BackendSpec{}
	assert.Equal(t, "sk-client", SelectAPIKey(backend, "Bearer sk-client"))
}

func TestSelectAPIKey_NoAuth(t *testing.T) {
	backend := &config.BackendSpec{}
	assert.Equal(t, "", SelectAPIKey(backend, ""))
}

func TestMergeStop_UnionDeduped(t *testing.T) {
	body := decode(t, `{"stop": ["a", "b"]}`)
	backend := &config.BackendSpec{Stop: []string{"b", "c"}}

	Normalize(body, backend, "")

	assert.Equal(t, []any{"a", "b", "c"}, body["stop"])
}

func TestMergeStop_ClientStringForm(t *testing.T) {
	body := decode(t, `{"stop": "a"}`)
	backend := &config.BackendSpec{Stop: []string{"b"}}

	Normalize(body, backend, "")

	assert.Equal(t, []any{"a", "b"}, body["stop"])
}

func TestClampMaxTokens(t *testing.T) {
	ceiling := 100
	body := decode(t, `{"max_tokens": 500}`)
	backend := &config.BackendSpec{MaxTokens: &ceiling}

	Normalize(body, backend, "")

	assert.Equal(t, float64(100), body["max_tokens"])
}

func TestClampMaxTokens_BelowCeilingUnchanged(t *testing.T) {
	ceiling := 100
	body := decode(t, `{"max_tokens": 50}`)
	backend := &config.BackendSpec{MaxTokens: &ceiling}

	Normalize(body, backend, "")

	assert.Equal(t, float64(50), body["max_tokens"])
}

func TestNormalizeMessages_S3_UserCoalescing(t *testing.T) {
	body := decode(t, `{"messages": [
		{"role": "user", "content": "a"},
		{"role": "user", "content": "b"},
		{"role": "assistant", "content": "x"},
		{"role": "user", "content": "c"}
	]}`)

	Normalize(body, &config.BackendSpec{}, "")

	messages := body["messages"].([]any)
	require.Len(t, messages, 3)
	assert.Equal(t, "b", messages[0].(map[string]any)["content"])
	assert.Equal(t, "x", messages[1].(map[string]any)["content"])
	assert.Equal(t, "c", messages[2].(map[string]any)["content"])
}

func TestNormalizeMessages_S4_ToolCallStripping(t *testing.T) {
	body := decode(t, `{"messages": [
		{"role": "assistant", "content": "result: <tool_call>{...}</tool_call> done"}
	]}`)

	Normalize(body, &config.BackendSpec{}, "")

	messages := body["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "result:  done", messages[0].(map[string]any)["content"])
}

func TestNormalizeMessages_DropsEmptyAfterTrim(t *testing.T) {
	body := decode(t, `{"messages": [
		{"role": "user", "content": "   "},
		{"role": "user", "content": "hi"}
	]}`)

	Normalize(body, &config.BackendSpec{}, "")

	messages := body["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].(map[string]any)["content"])
}

func TestNormalizeMessages_RetainsMultimodalParts(t *testing.T) {
	body := decode(t, `{"messages": [
		{"role": "user", "content": [{"type": "image_url", "image_url": {"url": "https://x"}}]}
	]}`)

	Normalize(body, &config.BackendSpec{}, "")

	messages := body["messages"].([]any)
	require.Len(t, messages, 1)
}

func TestNormalize_Idempotent(t *testing.T) {
	ceiling := 100
	backend := &config.BackendSpec{Stop: []string{"b"}, MaxTokens: &ceiling}
	body := decode(t, `{
		"stop": ["a"],
		"max_tokens": 500,
		"messages": [
			{"role": "user", "content": "  a  "},
			{"role": "user", "content": "b"},
			{"role": "assistant", "content": "x <tool_call>y</tool_call> z"}
		]
	}`)

	Normalize(body, backend, "")
	once, err := json.Marshal(body)
	require.NoError(t, err)

	Normalize(body, backend, "")
	twice, err := json.Marshal(body)
	require.NoError(t, err)

	assert.JSONEq(t, string(once), string(twice))
}
