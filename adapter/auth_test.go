package ig

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestAuthManager(t *testing.T, server *MockIGServer) *AuthManager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	transport := NewTransport(server.URL(), "test-api-key", 5*time.Second, logger)
	return NewAuthManager(transport, Credentials{
		Username:  "demo-user",
		Password:  "demo-pass",
		APIKey:    "test-api-key",
		AccountID: "ABC123",
	}, logger)
}

func TestLoginV2TakesTokensFromHeaders(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	m := newTestAuthManager(t, server)

	require.NoError(t, m.Login(context.Background(), AuthV2))

	session := m.Session()
	require.NotNil(t, session)
	require.NotNil(t, session.Token.Legacy)
	assert.Equal(t, "mock-cst-token", session.Token.Legacy.CST)
	assert.Equal(t, "mock-security-token", session.Token.Legacy.SecurityToken)
	assert.Equal(t, "ABC123", session.AccountID)
	assert.True(t, m.IsAuthenticated())

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "2", reqs[0].Headers.Get("Version"))
	assert.Equal(t, "test-api-key", reqs[0].Headers.Get("X-Ig-Api-Key"))
	assert.Contains(t, reqs[0].Body, `"identifier":"demo-user"`)
	assert.Contains(t, reqs[0].Body, `"encryptedPassword":false`)
}

func TestLoginV1MissingHeaderTokenIsUnexpected(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	server.SetResponse("POST", "/session", MockResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"CST": "only-cst"},
		Body:       `{"currentAccountId":"ABC123"}`,
	})
	m := newTestAuthManager(t, server)

	err := m.Login(context.Background(), AuthV1)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthUnexpected, authErr.Kind)
	assert.False(t, m.IsAuthenticated())
}

func TestLoginV3TakesTokensFromBody(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	server.SetResponse("POST", "/session", MockResponse{
		StatusCode: http.StatusOK,
		Body: `{
			"accountId": "XYZ789",
			"clientId": "100200300",
			"lightstreamerEndpoint": "https://demo-apd.marketdatasystems.com",
			"oauthToken": {
				"access_token": "access-abc",
				"refresh_token": "refresh-abc",
				"scope": "profile",
				"token_type": "Bearer",
				"expires_in": "60"
			}
		}`,
	})
	m := newTestAuthManager(t, server)

	require.NoError(t, m.Login(context.Background(), AuthV3))

	session := m.Session()
	require.NotNil(t, session)
	require.NotNil(t, session.Token.OAuth)
	assert.Equal(t, "access-abc", session.Token.OAuth.AccessToken)
	assert.Equal(t, "XYZ789", session.AccountID)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), session.ExpiresAt, 5*time.Second)

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "3", reqs[0].Headers.Get("Version"))
	assert.NotContains(t, reqs[0].Body, "encryptedPassword")
}

func TestLoginV3WithoutOAuthTokenIsNonFatal(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	server.SetResponse("POST", "/session", MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"accountId":"XYZ789","clientId":"100200300"}`,
	})
	m := newTestAuthManager(t, server)

	require.NoError(t, m.Login(context.Background(), AuthV3))
	session := m.Session()
	require.NotNil(t, session)
	assert.True(t, session.Token.IsZero())
	assert.Empty(t, m.AuthHeaders())
}

func TestLoginBadCredentials(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	server.SetResponse("POST", "/session", MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"errorCode":"error.security.invalid-details"}`,
	})
	m := newTestAuthManager(t, server)

	err := m.Login(context.Background(), AuthV2)
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestAuthHeadersByVersion(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	m := newTestAuthManager(t, server)

	assert.Empty(t, m.AuthHeaders())

	require.NoError(t, m.Login(context.Background(), AuthV2))
	headers := m.AuthHeaders()
	require.Len(t, headers, 2)
	assert.Equal(t, "mock-cst-token", headers["CST"])
	assert.Equal(t, "mock-security-token", headers["X-SECURITY-TOKEN"])

	server.SetResponse("POST", "/session", MockResponse{
		StatusCode: http.StatusOK,
		Body: `{
			"accountId": "XYZ789",
			"oauthToken": {"access_token":"access-abc","refresh_token":"r","token_type":"Bearer","expires_in":"60"}
		}`,
	})
	require.NoError(t, m.Login(context.Background(), AuthV3))
	headers = m.AuthHeaders()
	require.Len(t, headers, 2)
	assert.Equal(t, "Bearer access-abc", headers["Authorization"])
	assert.Equal(t, "XYZ789", headers["IG-ACCOUNT-ID"])
}

func TestEnsureAuthenticatedNoopWhileValid(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	m := newTestAuthManager(t, server)

	require.NoError(t, m.Login(context.Background(), AuthV2))
	require.NoError(t, m.EnsureAuthenticated(context.Background()))
	assert.Equal(t, 1, server.RequestCount("POST", "/session"))
}

func TestEnsureAuthenticatedReauthenticatesAfterExpiry(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	m := newTestAuthManager(t, server)

	require.NoError(t, m.Login(context.Background(), AuthV2))

	// Jump the clock past the legacy lifetime.
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, m.EnsureAuthenticated(context.Background()))

	assert.Equal(t, 2, server.RequestCount("POST", "/session"))
	reqs := server.Requests()
	assert.Equal(t, "2", reqs[1].Headers.Get("Version"))
}

func TestRefreshV3UsesRefreshEndpoint(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	server.SetResponse("POST", "/session", MockResponse{
		StatusCode: http.StatusOK,
		Body: `{
			"accountId": "XYZ789",
			"oauthToken": {"access_token":"old","refresh_token":"old-refresh","token_type":"Bearer","expires_in":"60"}
		}`,
	})
	m := newTestAuthManager(t, server)
	require.NoError(t, m.Login(context.Background(), AuthV3))

	require.NoError(t, m.RefreshIfSupported(context.Background()))

	session := m.Session()
	require.NotNil(t, session.Token.OAuth)
	assert.Equal(t, "refreshed-access", session.Token.OAuth.AccessToken)
	assert.Equal(t, "refreshed-refresh", session.Token.OAuth.RefreshToken)
	assert.Equal(t, 1, server.RequestCount("POST", "/session/refresh-token"))
	assert.Equal(t, 1, server.RequestCount("POST", "/session"))

	reqs := server.Requests()
	assert.Contains(t, reqs[1].Body, `"refresh_token":"old-refresh"`)
}

func TestRefreshRejectedFallsBackToLogin(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	server.SetResponse("POST", "/session", MockResponse{
		StatusCode: http.StatusOK,
		Body: `{
			"accountId": "XYZ789",
			"oauthToken": {"access_token":"old","refresh_token":"old-refresh","token_type":"Bearer","expires_in":"60"}
		}`,
	})
	server.SetResponse("POST", "/session/refresh-token", MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"errorCode":"error.security.oauth-token-invalid"}`,
	})
	m := newTestAuthManager(t, server)
	require.NoError(t, m.Login(context.Background(), AuthV3))

	require.NoError(t, m.RefreshIfSupported(context.Background()))
	assert.Equal(t, 2, server.RequestCount("POST", "/session"))
	assert.Equal(t, "old", m.Session().Token.OAuth.AccessToken)
}

func TestRefreshLegacyFallsBackToLogin(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	m := newTestAuthManager(t, server)
	require.NoError(t, m.Login(context.Background(), AuthV2))

	require.NoError(t, m.RefreshIfSupported(context.Background()))
	assert.Equal(t, 2, server.RequestCount("POST", "/session"))
	assert.Equal(t, 0, server.RequestCount("POST", "/session/refresh-token"))
}

func TestSwitchAccount(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	m := newTestAuthManager(t, server)
	require.NoError(t, m.Login(context.Background(), AuthV2))

	out, err := m.SwitchAccount(context.Background(), "DEF456", true)
	require.NoError(t, err)
	assert.True(t, out.DealingEnabled)
	assert.Equal(t, "DEF456", m.Session().AccountID)

	reqs := server.Requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, "PUT", last.Method)
	assert.Contains(t, last.Body, `"accountId":"DEF456"`)
	assert.Contains(t, last.Body, `"defaultAccount":true`)
	assert.Equal(t, "mock-cst-token", last.Headers.Get("Cst"))
}

func TestSwitchAccountRetriesOnceOnInvalidToken(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	m := newTestAuthManager(t, server)
	require.NoError(t, m.Login(context.Background(), AuthV2))

	server.QueueResponse("PUT", "/session", MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"errorCode":"error.security.account-token-invalid"}`,
	})

	out, err := m.SwitchAccount(context.Background(), "DEF456", false)
	require.NoError(t, err)
	assert.NotNil(t, out)

	// One failed attempt, one re-auth, one successful retry.
	assert.Equal(t, 2, server.RequestCount("PUT", "/session"))
	assert.Equal(t, 2, server.RequestCount("POST", "/session"))
}

func TestSwitchAccountDoesNotRetryTwice(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	m := newTestAuthManager(t, server)
	require.NoError(t, m.Login(context.Background(), AuthV2))

	invalid := MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"errorCode":"error.security.account-token-invalid"}`,
	}
	server.SetResponse("PUT", "/session", invalid)

	_, err := m.SwitchAccount(context.Background(), "DEF456", false)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 2, server.RequestCount("PUT", "/session"))
}

func TestLogoutClearsSessionEvenOnServerError(t *testing.T) {
	server := NewMockIGServer()
	defer server.Close()
	server.SetResponse("DELETE", "/session", MockResponse{StatusCode: http.StatusInternalServerError})
	m := newTestAuthManager(t, server)
	require.NoError(t, m.Login(context.Background(), AuthV2))

	err := m.Logout(context.Background())
	assert.Error(t, err)
	assert.False(t, m.IsAuthenticated())
	assert.Nil(t, m.Session())
	assert.Empty(t, m.AuthHeaders())
}

func TestLoginNetworkError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	transport := NewTransport("http://127.0.0.1:1", "key", time.Second, logger)
	m := NewAuthManager(transport, Credentials{Username: "u", Password: "p"}, logger)

	err := m.Login(context.Background(), AuthV2)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthNetwork, authErr.Kind)
	assert.False(t, errors.Is(err, ErrBadCredentials))
}
