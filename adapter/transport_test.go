package ig

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTransportSetsDefaultHeaders(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	transport := NewTransport(server.URL(), "api-key-1", time.Second, zaptest.NewLogger(t))

	resp, err := transport.Do(context.Background(), http.MethodPost, "/session", AuthV2,
		map[string]string{"X-Extra": "extra-value"},
		sessionRequest{Identifier: "u", Password: "p"})
	require.NoError(t, err)
	resp.Body.Close()

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "application/json; charset=UTF-8", reqs[0].Headers.Get("Content-Type"))
	assert.Equal(t, "application/json; charset=UTF-8", reqs[0].Headers.Get("Accept"))
	assert.Equal(t, "api-key-1", reqs[0].Headers.Get("X-Ig-Api-Key"))
	assert.Equal(t, "2", reqs[0].Headers.Get("Version"))
	assert.Equal(t, "extra-value", reqs[0].Headers.Get("X-Extra"))
	assert.JSONEq(t, `{"identifier":"u","password":"p"}`, reqs[0].Body)
}

func TestTransportOmitsVersionWhenEmpty(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	transport := NewTransport(server.URL(), "api-key-1", time.Second, zaptest.NewLogger(t))

	resp, err := transport.Do(context.Background(), http.MethodDelete, "/session", "", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Headers.Get("Version"))
	assert.Empty(t, reqs[0].Body)
}

func TestDecodeBodyClassifiesMalformedJSON(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	server.SetResponse("POST", "/session", MockResponse{StatusCode: http.StatusOK, Body: "{not json"})
	transport := NewTransport(server.URL(), "api-key-1", time.Second, zaptest.NewLogger(t))

	resp, err := transport.Do(context.Background(), http.MethodPost, "/session", AuthV2, nil, nil)
	require.NoError(t, err)

	var out sessionResponse
	err = decodeBody(resp, &out)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthJSON, authErr.Kind)
}
