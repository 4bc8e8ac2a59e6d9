package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeTempYAML(t, `
openai_clients:
  - name: A
    base_url: https://a.example.com
    priority: 10
    model_match:
      kind: keyword
      values: ["gpt-4"]
  - name: B
    base_url: https://b.example.com
    priority: 1
    model_match:
      kind: exact
      values: ["gpt-4-backup"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Backends, 2)

	b, ok := cfg.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, 10, b.Priority)
}

func TestLoad_DuplicateNameRejected(t *testing.T) {
	path := writeTempYAML(t, `
openai_clients:
  - name: A
    base_url: https://a.example.com
    priority: 10
    model_match: {kind: keyword, values: ["gpt-4"]}
  - name: A
    base_url: https://b.example.com
    priority: 1
    model_match: {kind: exact, values: ["gpt-4-backup"]}
`)

	_, err := Load(path)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestLoad_EmptyModelMatchRejected(t *testing.T) {
	path := writeTempYAML(t, `
openai_clients:
  - name: A
    base_url: https://a.example.com
    priority: 10
    model_match: {kind: keyword, values: []}
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_PriorityBelowOneRejected(t *testing.T) {
	path := writeTempYAML(t, `
openai_clients:
  - name: A
    base_url: https://a.example.com
    priority: 0
    model_match: {kind: keyword, values: ["gpt-4"]}
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_CyclicFallbackAcceptedNotRejected(t *testing.T) {
	path := writeTempYAML(t, `
openai_clients:
  - name: A
    base_url: https://a.example.com
    priority: 10
    fallback: modelB
    model_match: {kind: exact, values: ["modelA"]}
  - name: B
    base_url: https://b.example.com
    priority: 10
    fallback: modelA
    model_match: {kind: exact, values: ["modelB"]}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Backends, 2)
}

func TestLoad_EnvExpansionInAPIKey(t *testing.T) {
	t.Setenv("TEST_GATEWAY_API_KEY", "sk-secret")
	path := writeTempYAML(t, `
openai_clients:
  - name: A
    base_url: https://a.example.com
    api_key: ${TEST_GATEWAY_API_KEY}
    priority: 10
    model_match: {kind: keyword, values: ["gpt-4"]}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	b, ok := cfg.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, "sk-secret", b.APIKey)
}

func TestModelMatch_Accepts(t *testing.T) {
	exact := ModelMatch{Kind: MatchExact, Values: []string{"gpt-4-backup"}}
	assert.True(t, exact.Accepts("gpt-4-backup"))
	assert.False(t, exact.Accepts("gpt-4-backup-2"))

	keyword := ModelMatch{Kind: MatchKeyword, Values: []string{"gpt-4"}}
	assert.True(t, keyword.Accepts("gpt-4-turbo"))
	assert.False(t, keyword.Accepts("gpt-3.5-turbo"))
}
