package ig

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	sessionPath = "/session"
	refreshPath = "/session/refresh-token"

	// defaultLegacyLifetime is used for V1/V2 sessions, which declare no
	// lifetime of their own. Kept short so EnsureAuthenticated refreshes
	// well before the server-side idle timeout.
	defaultLegacyLifetime = time.Hour

	// defaultOAuthLifetime backs a V3 response whose expires_in is
	// missing or unparseable.
	defaultOAuthLifetime = 60 * time.Second

	accountTokenInvalid = "account-token-invalid"
)

// AuthManager owns the REST session lifecycle: login across the three
// auth versions, expiry tracking, refresh, account switching and logout.
// All methods are safe for concurrent use; session mutations are
// serialized so concurrent callers trigger at most one re-auth.
type AuthManager struct {
	transport *Transport
	creds     Credentials
	logger    *zap.Logger

	mu      sync.Mutex
	session *Session

	// now is replaced in tests to control expiry.
	now func() time.Time
}

// NewAuthManager builds an AuthManager over the given transport.
func NewAuthManager(transport *Transport, creds Credentials, logger *zap.Logger) *AuthManager {
	return &AuthManager{
		transport: transport,
		creds:     creds,
		logger:    logger.Named("auth"),
		now:       time.Now,
	}
}

// Login opens a session using the given auth version, replacing any
// existing session on success.
func (m *AuthManager) Login(ctx context.Context, version AuthVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginLocked(ctx, version)
}

func (m *AuthManager) loginLocked(ctx context.Context, version AuthVersion) error {
	body := sessionRequest{
		Identifier: m.creds.Username,
		Password:   m.creds.Password,
	}
	if version == AuthV1 || version == AuthV2 {
		// Password encryption is not supported; the flag is only part of
		// the V1/V2 request shape.
		f := false
		body.EncryptedPassword = &f
	}

	resp, err := m.transport.Do(ctx, http.MethodPost, sessionPath, version, nil, body)
	if err != nil {
		return authErr("login", AuthNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return authStatusErr("login", AuthBadCredentials, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return authStatusErr("login", AuthUnexpected, resp.StatusCode)
	}

	// Header tokens must be captured before the body is consumed.
	cst := resp.Header.Get("CST")
	xst := resp.Header.Get("X-SECURITY-TOKEN")

	var sr sessionResponse
	if err := decodeBody(resp, &sr); err != nil {
		return err
	}

	now := m.now()
	session := &Session{
		Version:               version,
		AccountID:             sr.accountID(),
		ClientID:              sr.ClientID,
		LightstreamerEndpoint: sr.LightstreamerEndpoint,
		TimezoneOffset:        sr.TimezoneOffset,
	}
	if session.AccountID == "" {
		session.AccountID = m.creds.AccountID
	}

	switch version {
	case AuthV1, AuthV2:
		if cst == "" || xst == "" {
			return authStatusErr("login", AuthUnexpected, resp.StatusCode)
		}
		session.Token = SessionToken{Legacy: &LegacyToken{CST: cst, SecurityToken: xst}}
		session.ExpiresAt = now.Add(defaultLegacyLifetime)
	case AuthV3:
		// A V3 response without an oauthToken still yields a usable
		// session, just not a streaming-capable one.
		if sr.OAuthToken != nil {
			tok := sr.OAuthToken.token(now, defaultOAuthLifetime)
			session.Token = SessionToken{OAuth: tok}
			session.ExpiresAt = tok.Expiry
		} else {
			session.ExpiresAt = now.Add(defaultOAuthLifetime)
		}
	}

	m.session = session
	m.logger.Info("session opened",
		zap.String("version", string(version)),
		zap.String("account", session.AccountID),
		zap.Time("expires_at", session.ExpiresAt))
	return nil
}

// AuthHeaders returns the headers that authenticate a REST request for
// the current session: CST/X-SECURITY-TOKEN for legacy sessions,
// Authorization/IG-ACCOUNT-ID for OAuth ones, empty when logged out.
func (m *AuthManager) AuthHeaders() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authHeadersLocked()
}

func (m *AuthManager) authHeadersLocked() map[string]string {
	headers := make(map[string]string)
	if m.session == nil || m.session.Token.IsZero() {
		return headers
	}
	if legacy := m.session.Token.Legacy; legacy != nil {
		headers["CST"] = legacy.CST
		headers["X-SECURITY-TOKEN"] = legacy.SecurityToken
		return headers
	}
	headers["Authorization"] = "Bearer " + m.session.Token.OAuth.AccessToken
	headers["IG-ACCOUNT-ID"] = m.session.AccountID
	return headers
}

// EnsureAuthenticated re-runs the login with the remembered version when
// the session is missing or past its declared lifetime. A live session is
// a no-op.
func (m *AuthManager) EnsureAuthenticated(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil && !m.session.Expired(m.now()) {
		return nil
	}
	version := AuthV2
	if m.session != nil {
		version = m.session.Version
	}
	m.logger.Debug("session expired, re-authenticating", zap.String("version", string(version)))
	return m.loginLocked(ctx, version)
}

// RefreshIfSupported renews a V3 session via the refresh-token endpoint.
// For any other version, or when the refresh is rejected, it falls back
// to a full login. The current token stays in place until the replacement
// is confirmed.
func (m *AuthManager) RefreshIfSupported(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return authErr("refresh", AuthUnexpected, ErrNotAuthenticated)
	}

	tok := m.session.Token.OAuth
	if m.session.Version != AuthV3 || tok == nil || tok.RefreshToken == "" {
		return m.loginLocked(ctx, m.session.Version)
	}

	resp, err := m.transport.Do(ctx, http.MethodPost, refreshPath, AuthV1, nil,
		refreshRequest{RefreshToken: tok.RefreshToken})
	if err != nil {
		return authErr("refresh", AuthNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		m.logger.Warn("refresh rejected, falling back to login", zap.Int("status", resp.StatusCode))
		return m.loginLocked(ctx, AuthV3)
	}

	var dto oauthTokenDTO
	if err := decodeBody(resp, &dto); err != nil {
		return err
	}
	if dto.AccessToken == "" {
		return authStatusErr("refresh", AuthUnexpected, resp.StatusCode)
	}

	next := dto.token(m.now(), defaultOAuthLifetime)
	if next.RefreshToken == "" {
		next.RefreshToken = tok.RefreshToken
	}
	m.session.Token = SessionToken{OAuth: next}
	m.session.ExpiresAt = next.Expiry
	m.logger.Info("session refreshed", zap.Time("expires_at", next.Expiry))
	return nil
}

// SwitchAccount changes the active account. A 401 carrying the
// account-token-invalid error code triggers exactly one re-auth and one
// retry; any further failure surfaces as-is.
func (m *AuthManager) SwitchAccount(ctx context.Context, accountID string, defaultAccount bool) (*SwitchAccountResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, authErr("switch account", AuthUnexpected, ErrNotAuthenticated)
	}

	out, retry, err := m.switchOnce(ctx, accountID, defaultAccount)
	if retry {
		m.logger.Warn("account token invalid, re-authenticating once")
		if err := m.loginLocked(ctx, m.session.Version); err != nil {
			return nil, err
		}
		out, _, err = m.switchOnce(ctx, accountID, defaultAccount)
	}
	if err != nil {
		return nil, err
	}

	m.session.AccountID = accountID
	m.logger.Info("account switched", zap.String("account", accountID))
	return out, nil
}

// switchOnce performs one PUT /session attempt. retry is true only for
// the transient 401 that warrants a single re-auth.
func (m *AuthManager) switchOnce(ctx context.Context, accountID string, defaultAccount bool) (*SwitchAccountResponse, bool, error) {
	resp, err := m.transport.Do(ctx, http.MethodPut, sessionPath, AuthV1,
		m.authHeadersLocked(), switchRequest{AccountID: accountID, DefaultAccount: defaultAccount})
	if err != nil {
		return nil, false, authErr("switch account", AuthNetwork, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		code := errorCode(resp)
		if strings.Contains(code, accountTokenInvalid) {
			return nil, true, authStatusErr("switch account", AuthUnexpected, resp.StatusCode)
		}
		return nil, false, authStatusErr("switch account", AuthBadCredentials, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, false, authStatusErr("switch account", AuthUnexpected, resp.StatusCode)
	}

	// The server may rotate the legacy tokens on a switch.
	if legacy := m.sessionLegacyToken(); legacy != nil {
		if cst := resp.Header.Get("CST"); cst != "" {
			legacy.CST = cst
		}
		if xst := resp.Header.Get("X-SECURITY-TOKEN"); xst != "" {
			legacy.SecurityToken = xst
		}
	}

	var out SwitchAccountResponse
	if err := decodeBody(resp, &out); err != nil {
		return nil, false, err
	}
	return &out, false, nil
}

func (m *AuthManager) sessionLegacyToken() *LegacyToken {
	if m.session == nil {
		return nil
	}
	return m.session.Token.Legacy
}

// Logout closes the session server-side and clears local state. Local
// state is cleared even when the HTTP call fails.
func (m *AuthManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}

	resp, err := m.transport.Do(ctx, http.MethodDelete, sessionPath, AuthV1, m.authHeadersLocked(), nil)
	m.session = nil
	if err != nil {
		return authErr("logout", AuthNetwork, err)
	}
	resp.Body.Close()
	if (resp.StatusCode < 200 || resp.StatusCode > 299) && resp.StatusCode != http.StatusUnauthorized {
		return authStatusErr("logout", AuthUnexpected, resp.StatusCode)
	}
	m.logger.Info("session closed")
	return nil
}

// Session returns a copy of the current session, or nil when logged out.
func (m *AuthManager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// IsAuthenticated reports whether an unexpired session is held.
func (m *AuthManager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && !m.session.Expired(m.now())
}
