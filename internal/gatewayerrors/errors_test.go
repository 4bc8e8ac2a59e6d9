package gatewayerrors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Invariant4_ResponseAndAuditBytesMatch(t *testing.T) {
	rendered := Render(KindRetryBudgetExhausted, "all candidates exhausted", []string{"A", "B"}, 0)

	w := httptest.NewRecorder()
	WriteHTTP(w, rendered)

	require.Equal(t, rendered.Body, w.Body.Bytes())
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestRender_StatusOverride(t *testing.T) {
	rendered := Render(KindUpstreamTransient, "bad gateway", []string{"A"}, http.StatusServiceUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, rendered.Status)
}

func TestRender_ModelNotFound(t *testing.T) {
	rendered := Render(KindModelNotFound, "no backend matches", nil, 0)
	assert.Equal(t, http.StatusNotFound, rendered.Status)
	assert.Contains(t, string(rendered.Body), `"type":"model_not_found"`)
}
