package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-examples/calculator-go/calculator"
	"github.com/mcp-examples/calculator-go/internal/logging"
	"github.com/mcp-examples/calculator-go/mcp"
	"github.com/mcp-examples/calculator-go/mcpservice"
)

func TestHandler(t *testing.T) {
	h := Handler(calculator.NewServer(), logging.Discard(), WithTransport("http"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "simple-calculator", st.Server)
	assert.Equal(t, "http", st.Transport)
	assert.Equal(t, []string{"add_numbers", "subtract_numbers", "multiply_numbers", "divide_numbers", "power"}, st.Tools)
}

func TestHandlerUnhealthy(t *testing.T) {
	srv := mcpservice.NewServer(mcpservice.WithServerInfoProvider(func(context.Context, mcpservice.Session) (mcp.ImplementationInfo, error) {
		return mcp.ImplementationInfo{}, errors.New("boom")
	}))

	rec := httptest.NewRecorder()
	Handler(srv, logging.Discard()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unhealthy"`)
	assert.Contains(t, rec.Body.String(), `"tools":[]`)
}
