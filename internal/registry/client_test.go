package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/llmgateway/internal/config"
)

func TestRegistry_ClientFor_CachesByDigest(t *testing.T) {
	r := NewRegistry(nil)
	spec := &config.BackendSpec{Name: "A", BaseURL: "https://a.example.com", APIKey: "k1"}

	first := r.ClientFor(spec)
	second := r.ClientFor(spec)
	assert.Same(t, first, second)
}

func TestRegistry_ClientFor_RebuildsOnBaseURLChange(t *testing.T) {
	r := NewRegistry(nil)
	spec := &config.BackendSpec{Name: "A", BaseURL: "https://a.example.com", APIKey: "k1"}
	first := r.ClientFor(spec)

	changed := &config.BackendSpec{Name: "A", BaseURL: "https://a2.example.com", APIKey: "k1"}
	second := r.ClientFor(changed)

	assert.NotSame(t, first, second)
}

func TestRegistry_ClientFor_StreamClientHasNoTimeout(t *testing.T) {
	r := NewRegistry(nil)
	spec := &config.BackendSpec{Name: "A", BaseURL: "https://a.example.com"}
	entry := r.ClientFor(spec)

	require.NotNil(t, entry.StreamClient)
	assert.Equal(t, 0, int(entry.StreamClient.Timeout))
	assert.Greater(t, int64(entry.HTTPClient.Timeout), int64(0))
}
