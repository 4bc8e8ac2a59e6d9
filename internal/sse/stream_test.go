package sse

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bodyReader(frames ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(frames, "")))
}

func TestForward_Invariant3_PrefixInjectedExactlyOnce(t *testing.T) {
	upstream := bodyReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n",
		"data: [DONE]\n\n",
	)

	w := httptest.NewRecorder()
	result, resultCh := Forward(context.Background(), w, upstream, "[routed via A] ")

	require.True(t, result.BytesForwarded)
	require.False(t, result.IdleTimedOut)
	require.False(t, result.ClientAborted)

	body := w.Body.String()
	assert.Equal(t, 1, strings.Count(body, "[routed via A]"), "synthetic prefix must appear exactly once in the outbound stream")

	res := <-resultCh
	assert.Equal(t, "[routed via A] hello world", res.Content.String())
}

func TestForward_S5_PrefixSkipsEmptyLeadingEvents(t *testing.T) {
	upstream := bodyReader(
		"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"name\":\"lookup\",\"arguments\":\"\"}}]}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"answer\"}}]}\n\n",
		"data: [DONE]\n\n",
	)

	w := httptest.NewRecorder()
	_, resultCh := Forward(context.Background(), w, upstream, "[prefix] ")

	body := w.Body.String()
	require.Equal(t, 1, strings.Count(body, "[prefix]"))

	firstIdx := strings.Index(body, "tool_calls")
	prefixIdx := strings.Index(body, "[prefix]")
	assert.Greater(t, prefixIdx, firstIdx, "prefix event must come after the content-less leading event, not before it")

	res := <-resultCh
	require.Len(t, res.OrderedToolCalls(), 1)
	assert.Equal(t, "lookup", res.OrderedToolCalls()[0].Name)
	assert.Equal(t, "[prefix] answer", res.Content.String())
}

func TestForward_NoPrefixWhenBackendDeclaresNone(t *testing.T) {
	upstream := bodyReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n",
		"data: [DONE]\n\n",
	)

	w := httptest.NewRecorder()
	_, resultCh := Forward(context.Background(), w, upstream, "")

	assert.NotContains(t, w.Body.String(), "routed via")
	res := <-resultCh
	assert.Equal(t, "hi", res.Content.String())
}

func TestForward_ClientAbortStopsForwarding(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	w := httptest.NewRecorder()
	done := make(chan struct{})
	var result ForwardResult
	go func() {
		result, _ = Forward(ctx, w, pr, "")
		close(done)
	}()

	pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"))
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after context cancellation")
	}
	assert.True(t, result.ClientAborted)
	pw.Close()
}
